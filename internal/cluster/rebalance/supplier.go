package rebalance

import (
	"context"
	"fmt"

	"github.com/jellydator/ttlcache/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/cluster/partition"
	"github.com/10yihang/gridcache/internal/engine"
	"github.com/10yihang/gridcache/internal/metrics"
	"github.com/10yihang/gridcache/internal/transport"
	"github.com/10yihang/gridcache/pkg/errors"
)

// SupplyTopology pins OWNING partitions while a batch is read.
type SupplyTopology interface {
	Reserve(p partition.ID) (release func(), ok bool)
}

// session is the entry snapshot taken at the first demand of a transfer.
type session struct {
	entries []transport.Entry
}

type Supplier struct {
	cfg       Config
	logger    *zap.Logger
	topo      SupplyTopology
	store     engine.PartitionStore
	transport transport.Transport

	sem      *semaphore.Weighted
	sessions *ttlcache.Cache
	group    errgroup.Group

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSupplier(cfg Config, topo SupplyTopology, store engine.PartitionStore, t transport.Transport, logger *zap.Logger) (*Supplier, error) {
	sessions := ttlcache.NewCache()
	if err := sessions.SetTTL(cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("failed to configure supply sessions: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supplier{
		cfg:       cfg,
		logger:    logger.Named("supplier"),
		topo:      topo,
		store:     store,
		transport: t,
		sem:       semaphore.NewWeighted(int64(cfg.SupplyConcurrency)),
		sessions:  sessions,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Handle serves a demand in the background.
func (s *Supplier) Handle(msg *transport.Message) {
	if s.ctx.Err() != nil {
		return
	}
	s.group.Go(func() error {
		s.serve(msg)
		return nil
	})
}

// Sessions returns the number of open transfer sessions.
func (s *Supplier) Sessions() int {
	return s.sessions.Count()
}

func (s *Supplier) Stop() {
	s.cancel()
	_ = s.group.Wait()
	_ = s.sessions.Close()
}

func (s *Supplier) serve(msg *transport.Message) {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	p := partition.ID(msg.Partition)
	reply := &transport.Message{
		Type:      transport.MsgSupply,
		Partition: msg.Partition,
		DemandID:  msg.DemandID,
		Cursor:    msg.Cursor,
	}

	entries, next, total, last, err := s.batch(p, msg)
	if err != nil {
		reply.Error = err.Error()
		metrics.RecordSupplyBatch(false)
		s.logger.Debug("refusing demand",
			zap.Int32("partition", msg.Partition),
			zap.String("demander", membership.ShortID(msg.Sender)),
			zap.Error(err))
	} else {
		reply.Entries = entries
		reply.Next = next
		reply.Last = last
		reply.Total = total
		metrics.RecordSupplyBatch(true)
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DemandTimeout)
	defer cancel()
	if err := s.transport.Send(ctx, msg.Sender, reply); err != nil {
		s.logger.Warn("failed to send supply batch",
			zap.Int32("partition", msg.Partition),
			zap.String("demander", membership.ShortID(msg.Sender)),
			zap.Error(err))
	}
}

// batch serves the entries at the demand's cursor and returns the cursor
// of the next batch along with the snapshot size. The snapshot is read
// while p is reserved at the first demand of a session.
func (s *Supplier) batch(p partition.ID, msg *transport.Message) ([]transport.Entry, int, int, bool, error) {
	release, ok := s.topo.Reserve(p)
	if !ok {
		// The demander compares against this text.
		return nil, 0, 0, false, errors.ErrNotOwning
	}
	defer release()

	key := msg.DemandID.String()
	var sess *session
	if v, err := s.sessions.Get(key); err == nil {
		sess = v.(*session)
	} else if msg.Cursor == 0 {
		sess, err = s.snapshot(p)
		if err != nil {
			return nil, 0, 0, false, err
		}
		if err := s.sessions.Set(key, sess); err != nil {
			return nil, 0, 0, false, err
		}
	} else {
		return nil, 0, 0, false, fmt.Errorf("demand %s has no open session at cursor %d", key, msg.Cursor)
	}

	total := len(sess.entries)
	if msg.Cursor < 0 || msg.Cursor > total {
		return nil, 0, 0, false, fmt.Errorf("cursor %d out of range", msg.Cursor)
	}
	end := msg.Cursor + s.cfg.BatchSize
	if end > total {
		end = total
	}

	last := end == total
	if last {
		_ = s.sessions.Remove(key)
	}
	return sess.entries[msg.Cursor:end], end, total, last, nil
}

func (s *Supplier) snapshot(p partition.ID) (*session, error) {
	n, err := s.store.Count(s.ctx, p)
	if err != nil {
		return nil, err
	}
	entries := make([]transport.Entry, 0, n)
	err = s.store.Iterate(s.ctx, p, func(key string, value []byte) bool {
		entries = append(entries, transport.Entry{Key: key, Value: append([]byte(nil), value...)})
		return true
	})
	if err != nil {
		return nil, err
	}
	return &session{entries: entries}, nil
}
