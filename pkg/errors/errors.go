// Package errors defines the error taxonomy used across the gridcache project.
package errors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for partition state.
var (
	// ErrIllegalTransition indicates a partition state change outside the transition table.
	ErrIllegalTransition = errors.New("illegal partition state transition")

	// ErrNotOwning indicates the partition is not in OWNING state on this node.
	ErrNotOwning = errors.New("partition not owned by this node")

	// ErrInvalidPartition indicates a partition id outside [0, N).
	ErrInvalidPartition = errors.New("invalid partition id")

	// ErrInvalidRecord indicates a malformed partition map wire record.
	ErrInvalidRecord = errors.New("invalid partition map record")
)

// Sentinel errors for cluster operations.
var (
	// ErrSuperseded indicates an exchange was cancelled by a newer topology version.
	ErrSuperseded = errors.New("exchange superseded by newer topology version")

	// ErrUnknownNode indicates the node is not part of the known topology.
	ErrUnknownNode = errors.New("unknown node")

	// ErrNoSupplier indicates no node is OWNING a partition that has to be rebalanced.
	ErrNoSupplier = errors.New("no supplier owns partition")
)

// Sentinel errors for connection/protocol.
var (
	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnreachable indicates the peer cannot be reached by the transport.
	ErrUnreachable = errors.New("peer unreachable")
)

// ProtocolViolation is raised when a peer breaks the sequence discipline,
// for example by publishing a partition map with a lower update sequence
// than one already recorded. The offending node must be treated as failed.
type ProtocolViolation struct {
	Node   uuid.UUID
	Have   uint64
	Got    uint64
	Reason string
}

func (e *ProtocolViolation) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("protocol violation by node %s: %s (have=%d, got=%d)", e.Node, e.Reason, e.Have, e.Got)
	}
	return fmt.Sprintf("protocol violation by node %s: sequence went backwards (have=%d, got=%d)", e.Node, e.Have, e.Got)
}

// TransportFailure wraps an error talking to a peer. It marks the peer as
// suspected failed; it is not retried indefinitely at the transport layer.
type TransportFailure struct {
	Node uuid.UUID
	Err  error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("transport failure to node %s: %v", e.Node, e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }

// RebalanceFailure reports a partition transfer whose retry budget ran out.
// It is not fatal; the partition is scheduled again at the next exchange.
type RebalanceFailure struct {
	Partition int32
	Attempts  int
	Err       error
}

func (e *RebalanceFailure) Error() string {
	return fmt.Sprintf("rebalance of partition %d failed after %d attempts: %v", e.Partition, e.Attempts, e.Err)
}

func (e *RebalanceFailure) Unwrap() error { return e.Err }

// CoordinatorTimeout reports that the exchange coordinator did not answer in time.
type CoordinatorTimeout struct {
	Version     uint64
	Coordinator uuid.UUID
}

func (e *CoordinatorTimeout) Error() string {
	return fmt.Sprintf("coordinator %s did not complete exchange for topology version %d", e.Coordinator, e.Version)
}

func (e *CoordinatorTimeout) Unwrap() error { return ErrTimeout }

// IsProtocolViolation reports whether err carries a ProtocolViolation.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolation
	return errors.As(err, &pv)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }
