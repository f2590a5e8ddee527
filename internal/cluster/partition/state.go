// Package partition holds the per-node partition map, the cluster-wide full
// map built from those, and the partition state transition table.
package partition

import (
	"fmt"

	"github.com/10yihang/gridcache/pkg/errors"
)

// ID is a partition id in [0, N). N is fixed at configuration time.
type ID int32

// State is the lifecycle state of a partition on one node. The numeric
// values are the wire codes.
type State uint8

const (
	// None marks a partition that is not hosted. It never appears in a map.
	None State = iota
	Moving
	Owning
	Renting
	Evicted
)

func (s State) String() string {
	switch s {
	case None:
		return "NONE"
	case Moving:
		return "MOVING"
	case Owning:
		return "OWNING"
	case Renting:
		return "RENTING"
	case Evicted:
		return "EVICTED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Active reports whether the state is kept in a partition map.
func (s State) Active() bool {
	return s == Moving || s == Owning || s == Renting
}

func (s State) valid() bool {
	return s >= Moving && s <= Evicted
}

var transitions = map[State][]State{
	None:    {Moving},
	Moving:  {Owning, Evicted},
	Owning:  {Renting},
	Renting: {Evicted},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition for moves outside the table.
func CheckTransition(p ID, from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("partition %d %s -> %s: %w", p, from, to, errors.ErrIllegalTransition)
	}
	return nil
}
