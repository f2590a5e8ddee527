// Package protocol serves the RESP endpoint of a node: cluster inspection
// commands plus GET/SET/DEL routed to the partition owner.
package protocol

import "github.com/tidwall/redcon"

// ConnState holds per-connection state for cluster operations.
type ConnState struct {
	// AskingFlag is set by ASKING and lets the next command be served by a
	// node that still owns a partition another node is receiving. It is
	// cleared after every command.
	AskingFlag bool
}

func getConnState(conn redcon.Conn) *ConnState {
	if ctx := conn.Context(); ctx != nil {
		if state, ok := ctx.(*ConnState); ok {
			return state
		}
	}
	state := &ConnState{}
	conn.SetContext(state)
	return state
}

func clearAskingFlag(conn redcon.Conn) {
	if ctx := conn.Context(); ctx != nil {
		if state, ok := ctx.(*ConnState); ok {
			state.AskingFlag = false
		}
	}
}
