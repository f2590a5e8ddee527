package protocol

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/redcon"

	"github.com/10yihang/gridcache/internal/cluster/partition"
	"github.com/10yihang/gridcache/internal/cluster/router"
	"github.com/10yihang/gridcache/internal/engine"
	"github.com/10yihang/gridcache/internal/protocol/commands"
	"github.com/10yihang/gridcache/pkg/errors"
)

type CommandFunc func(ctx context.Context, conn redcon.Conn, args [][]byte)

// Node is the cluster node the handler serves.
type Node interface {
	commands.ClusterView
	Reserve(p partition.ID) (release func(), ok bool)
	AwaitReady(ctx context.Context, p partition.ID) error
}

type Handler struct {
	node           Node
	store          engine.PartitionStore
	router         router.Router
	clusterHandler *commands.ClusterHandler
	commands       map[string]CommandFunc
}

func NewHandler(node Node, store engine.PartitionStore) *Handler {
	h := &Handler{
		node:           node,
		store:          store,
		router:         router.NewPartitionRouter(node),
		clusterHandler: commands.NewClusterHandler(node),
		commands:       make(map[string]CommandFunc),
	}
	h.registerCommands()
	return h
}

func (h *Handler) registerCommands() {
	h.commands["PING"] = h.cmdPing
	h.commands["ECHO"] = h.cmdEcho
	h.commands["QUIT"] = h.cmdQuit
	h.commands["COMMAND"] = h.cmdCommand

	h.commands["CLUSTER"] = h.cmdCluster
	h.commands["PARTITION"] = h.cmdPartition
	h.commands["ASKING"] = h.cmdAsking

	h.commands["GET"] = h.cmdGet
	h.commands["SET"] = h.cmdSet
	h.commands["DEL"] = h.cmdDel
	h.commands["EXISTS"] = h.cmdExists
}

// keyCommands lists commands whose arguments start with keys, with the
// number of leading key arguments; -1 means every argument is a key.
var keyCommands = map[string]int{
	"GET":    1,
	"SET":    1,
	"DEL":    -1,
	"EXISTS": -1,
}

func keysOf(cmd string, args [][]byte) [][]byte {
	n, ok := keyCommands[cmd]
	if !ok || len(args) == 0 {
		return nil
	}
	if n < 0 || n > len(args) {
		return args
	}
	return args[:n]
}

func (h *Handler) Execute(ctx context.Context, conn redcon.Conn, name []byte, args [][]byte) {
	cmd := strings.ToUpper(string(name))
	defer func() {
		if cmd != "ASKING" {
			clearAskingFlag(conn)
		}
	}()

	fn, ok := h.commands[cmd]
	if !ok {
		conn.WriteError("ERR unknown command '" + cmd + "'")
		return
	}

	if keys := keysOf(cmd, args); len(keys) > 0 {
		asking := getConnState(conn).AskingFlag
		var result router.RouteResult
		if len(keys) > 1 {
			result = h.router.RouteMulti(ctx, keys, asking)
		} else {
			result = h.router.Route(ctx, keys[0], asking)
		}
		if !h.handleRouteResult(conn, result) {
			return
		}
	}

	fn(ctx, conn, args)
}

func (h *Handler) handleRouteResult(conn redcon.Conn, result router.RouteResult) bool {
	if result.CrossPartition {
		conn.WriteError("CROSSSLOT Keys in request don't hash to the same partition")
		return false
	}
	if result.Redirect != nil {
		r := result.Redirect
		conn.WriteError(fmt.Sprintf("%s %d %s", r.Type, r.Partition, r.Addr))
		return false
	}
	if result.TryAgain {
		writeTryAgain(conn, result.Partition)
		return false
	}
	return result.Local
}

func writeTryAgain(conn redcon.Conn, p partition.ID) {
	conn.WriteError(fmt.Sprintf("TRYAGAIN partition %d is not ready", p))
}

// withPartition runs fn while the partition of key is reserved.
func (h *Handler) withPartition(conn redcon.Conn, key []byte, fn func(p partition.ID)) {
	p := h.node.KeyPartition(string(key))
	release, ok := h.node.Reserve(p)
	if !ok {
		writeTryAgain(conn, p)
		return
	}
	defer release()
	fn(p)
}

func (h *Handler) cmdPing(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteString("PONG")
	} else {
		conn.WriteBulk(args[0])
	}
}

func (h *Handler) cmdEcho(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'echo' command")
		return
	}
	conn.WriteBulk(args[0])
}

func (h *Handler) cmdQuit(_ context.Context, conn redcon.Conn, _ [][]byte) {
	conn.WriteString("OK")
	conn.Close()
}

func (h *Handler) cmdCommand(_ context.Context, conn redcon.Conn, _ [][]byte) {
	conn.WriteArray(0)
}

func (h *Handler) cmdCluster(_ context.Context, conn redcon.Conn, args [][]byte) {
	h.clusterHandler.HandleCluster(conn, args)
}

func (h *Handler) cmdAsking(_ context.Context, conn redcon.Conn, _ [][]byte) {
	getConnState(conn).AskingFlag = true
	conn.WriteString("OK")
}

// cmdPartition handles PARTITION STATE <p> and PARTITION READY <p> [timeout-ms].
func (h *Handler) cmdPartition(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'partition' command")
		return
	}
	n, err := strconv.Atoi(string(args[1]))
	if err != nil || n < 0 || n >= h.node.Partitions() {
		conn.WriteError("ERR invalid partition id")
		return
	}
	p := partition.ID(n)

	switch sub := strings.ToUpper(string(args[0])); sub {
	case "STATE":
		conn.WriteBulkString(h.node.State(p).String())
	case "READY":
		if len(args) < 3 {
			if h.node.State(p) == partition.Owning {
				conn.WriteInt(1)
			} else {
				conn.WriteInt(0)
			}
			return
		}
		ms, err := strconv.Atoi(string(args[2]))
		if err != nil || ms < 0 {
			conn.WriteError("ERR timeout is not an integer or out of range")
			return
		}
		waitCtx, cancel := context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
		if err := h.node.AwaitReady(waitCtx, p); err != nil {
			conn.WriteInt(0)
			return
		}
		conn.WriteInt(1)
	default:
		conn.WriteError("ERR unknown subcommand '" + sub + "'")
	}
}

func (h *Handler) cmdGet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'get' command")
		return
	}
	h.withPartition(conn, args[0], func(p partition.ID) {
		v, err := h.store.Get(ctx, p, string(args[0]))
		switch {
		case errors.Is(err, engine.ErrKeyNotFound):
			conn.WriteNull()
		case err != nil:
			conn.WriteError("ERR " + err.Error())
		default:
			conn.WriteBulk(v)
		}
	})
}

func (h *Handler) cmdSet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		conn.WriteError("ERR wrong number of arguments for 'set' command")
		return
	}
	h.withPartition(conn, args[0], func(p partition.ID) {
		value := append([]byte(nil), args[1]...)
		if err := h.store.Put(ctx, p, string(args[0]), value); err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		conn.WriteString("OK")
	})
}

// cmdDel and cmdExists only run once every key routed to one partition.
func (h *Handler) cmdDel(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'del' command")
		return
	}
	h.withPartition(conn, args[0], func(p partition.ID) {
		var n int
		for _, key := range args {
			removed, err := h.store.Remove(ctx, p, string(key))
			if err != nil {
				conn.WriteError("ERR " + err.Error())
				return
			}
			if removed {
				n++
			}
		}
		conn.WriteInt(n)
	})
}

func (h *Handler) cmdExists(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'exists' command")
		return
	}
	h.withPartition(conn, args[0], func(p partition.ID) {
		var n int
		for _, key := range args {
			_, err := h.store.Get(ctx, p, string(key))
			if errors.Is(err, engine.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				conn.WriteError("ERR " + err.Error())
				return
			}
			n++
		}
		conn.WriteInt(n)
	})
}
