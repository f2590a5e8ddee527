package rebalance

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map"

	"github.com/10yihang/gridcache/internal/cluster/partition"
)

type TransferStatus int

const (
	TransferPending TransferStatus = iota
	TransferRunning
	TransferCompleted
	TransferFailed
	TransferCancelled
)

func (s TransferStatus) String() string {
	switch s {
	case TransferPending:
		return "pending"
	case TransferRunning:
		return "running"
	case TransferCompleted:
		return "completed"
	case TransferFailed:
		return "failed"
	case TransferCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Progress describes the latest transfer of a partition into this node.
type Progress struct {
	Partition partition.ID
	Epoch     uint64
	Supplier  uuid.UUID
	Entries   int
	Total     int
	Attempts  int
	Status    TransferStatus
	LastError string
	StartTime time.Time
	EndTime   time.Time
}

type progressTracker struct {
	m cmap.ConcurrentMap
}

func newProgressTracker() *progressTracker {
	return &progressTracker{m: cmap.New()}
}

func (t *progressTracker) key(p partition.ID) string {
	return strconv.Itoa(int(p))
}

func (t *progressTracker) get(p partition.ID) (Progress, bool) {
	v, ok := t.m.Get(t.key(p))
	if !ok {
		return Progress{}, false
	}
	return v.(Progress), true
}

// update applies fn to the progress recorded for p at epoch. Records of an
// older epoch are replaced, records of a newer one left alone.
func (t *progressTracker) update(p partition.ID, epoch uint64, fn func(*Progress)) {
	t.m.Upsert(t.key(p), nil, func(exists bool, old interface{}, _ interface{}) interface{} {
		var pr Progress
		if exists {
			pr = old.(Progress)
		}
		if !exists || pr.Epoch < epoch {
			pr = Progress{Partition: p, Epoch: epoch, StartTime: time.Now()}
		}
		if pr.Epoch == epoch {
			fn(&pr)
		}
		return pr
	})
}

func (t *progressTracker) all() []Progress {
	out := make([]Progress, 0, t.m.Count())
	for item := range t.m.IterBuffered() {
		out = append(out, item.Val.(Progress))
	}
	return out
}
