// Package rebalance moves partition data between nodes after an exchange.
//
// A Demander pulls every partition that enters MOVING locally from one
// OWNING supplier at a time, batch by batch, and flips the partition to
// OWNING when the last batch is stored. A Supplier answers demands for the
// partitions it owns.
package rebalance

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
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

// DemandTopology is the view of the local topology a demander needs.
type DemandTopology interface {
	NodeID() uuid.UUID
	FullMap() *partition.FullMap
	State(p partition.ID) partition.State
	Epoch(p partition.ID) uint64
	Load(p partition.ID, epoch uint64, fn func() error) error
	Own(p partition.ID, epoch uint64) (prevSeq, seq uint64, err error)
}

// Suspector receives suppliers that failed.
type Suspector interface {
	Suspect(id uuid.UUID, reason error)
}

type transfer struct {
	p       partition.ID
	epoch   uint64
	ctx     context.Context
	cancel  context.CancelFunc
	replies chan *transport.Message
}

type Demander struct {
	cfg       Config
	logger    *zap.Logger
	self      uuid.UUID
	topo      DemandTopology
	store     engine.PartitionStore
	transport transport.Transport
	suspector Suspector

	sem      *semaphore.Weighted
	group    errgroup.Group
	progress *progressTracker

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	transfers map[partition.ID]*transfer
	demands   map[uuid.UUID]*transfer
	inflight  map[uuid.UUID]int
	stopped   bool
}

func NewDemander(cfg Config, topo DemandTopology, store engine.PartitionStore, t transport.Transport, s Suspector, logger *zap.Logger) *Demander {
	ctx, cancel := context.WithCancel(context.Background())
	return &Demander{
		cfg:       cfg,
		logger:    logger.Named("demander"),
		self:      topo.NodeID(),
		topo:      topo,
		store:     store,
		transport: t,
		suspector: s,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		progress:  newProgressTracker(),
		ctx:       ctx,
		cancel:    cancel,
		transfers: make(map[partition.ID]*transfer),
		demands:   make(map[uuid.UUID]*transfer),
		inflight:  make(map[uuid.UUID]int),
	}
}

// Schedule starts pulling p, which entered MOVING at epoch. A running
// transfer for the same epoch is kept; one for an older epoch is replaced.
func (d *Demander) Schedule(p partition.ID, epoch uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if cur, ok := d.transfers[p]; ok {
		if cur.epoch >= epoch {
			return
		}
		cur.cancel()
	}

	ctx, cancel := context.WithCancel(d.ctx)
	t := &transfer{
		p:       p,
		epoch:   epoch,
		ctx:     ctx,
		cancel:  cancel,
		replies: make(chan *transport.Message, 16),
	}
	d.transfers[p] = t
	d.progress.update(p, epoch, func(pr *Progress) {
		pr.Status = TransferPending
	})
	d.group.Go(func() error {
		d.run(t)
		return nil
	})
}

// Cancel stops the transfer of p if it started at epoch or earlier.
func (d *Demander) Cancel(p partition.ID, epoch uint64) {
	d.mu.Lock()
	t, ok := d.transfers[p]
	if ok && t.epoch <= epoch {
		t.cancel()
		delete(d.transfers, p)
	}
	d.mu.Unlock()
}

// Handle routes a supply batch to the transfer that demanded it.
func (d *Demander) Handle(msg *transport.Message) {
	d.mu.Lock()
	t, ok := d.demands[msg.DemandID]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("dropping supply for unknown demand",
			zap.String("demand", msg.DemandID.String()),
			zap.String("from", membership.ShortID(msg.Sender)))
		return
	}
	select {
	case t.replies <- msg:
	default:
		d.logger.Debug("transfer reply queue full, dropping duplicate supply",
			zap.Int32("partition", int32(t.p)))
	}
}

// Progress returns the latest transfer state of p.
func (d *Demander) Progress(p partition.ID) (Progress, bool) {
	return d.progress.get(p)
}

func (d *Demander) AllProgress() []Progress {
	all := d.progress.all()
	sort.Slice(all, func(i, j int) bool { return all[i].Partition < all[j].Partition })
	return all
}

// Active returns the number of transfers that have not finished.
func (d *Demander) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transfers)
}

// Stop cancels all transfers and waits for them to return.
func (d *Demander) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.cancel()
	_ = d.group.Wait()
}

func (d *Demander) run(t *transfer) {
	defer func() {
		t.cancel()
		d.mu.Lock()
		if d.transfers[t.p] == t {
			delete(d.transfers, t.p)
		}
		d.mu.Unlock()
	}()

	if err := d.sem.Acquire(t.ctx, 1); err != nil {
		d.finish(t, 0, err)
		return
	}
	defer d.sem.Release(1)

	d.progress.update(t.p, t.epoch, func(pr *Progress) {
		pr.Status = TransferRunning
	})
	attempts, err := d.transfer(t)
	d.finish(t, attempts, err)
}

func (d *Demander) finish(t *transfer, attempts int, err error) {
	log := d.logger.With(zap.Int32("partition", int32(t.p)), zap.Uint64("epoch", t.epoch))
	switch {
	case err == nil:
		pr, _ := d.progress.get(t.p)
		metrics.RecordTransfer("completed", pr.Entries)
		d.progress.update(t.p, t.epoch, func(pr *Progress) {
			pr.Status = TransferCompleted
			pr.EndTime = time.Now()
		})
		log.Info("partition transfer completed",
			zap.String("supplier", membership.ShortID(pr.Supplier)),
			zap.Int("entries", pr.Entries),
			zap.Int("attempts", attempts))

	case errors.Is(err, context.Canceled) || errors.Is(err, errors.ErrSuperseded):
		metrics.RecordTransfer("cancelled", 0)
		d.progress.update(t.p, t.epoch, func(pr *Progress) {
			pr.Status = TransferCancelled
			pr.EndTime = time.Now()
		})
		log.Debug("partition transfer cancelled", zap.Error(err))

	default:
		failure := &errors.RebalanceFailure{Partition: int32(t.p), Attempts: attempts, Err: err}
		metrics.RecordTransfer("failed", 0)
		d.progress.update(t.p, t.epoch, func(pr *Progress) {
			pr.Status = TransferFailed
			pr.LastError = failure.Error()
			pr.EndTime = time.Now()
		})
		log.Warn("partition transfer failed, retrying at next exchange", zap.Error(failure))
	}
}

// transfer pulls the partition with bounded retries, moving to the next
// candidate supplier after each failure. It returns the number of attempts.
func (d *Demander) transfer(t *transfer) (int, error) {
	excluded := make(map[uuid.UUID]bool)
	timedOut := make(map[uuid.UUID]error)
	attempts := 0

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.cfg.InitialBackoff
	exp.MaxInterval = d.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, d.cfg.MaxRetries), t.ctx)

	op := func() error {
		attempts++
		d.progress.update(t.p, t.epoch, func(pr *Progress) { pr.Attempts = attempts })

		if d.topo.State(t.p) != partition.Moving || d.topo.Epoch(t.p) != t.epoch {
			return backoff.Permanent(errors.ErrSuperseded)
		}

		full := d.topo.FullMap()
		candidates := d.suppliers(full, t.p, excluded)
		if len(candidates) == 0 {
			if len(d.suppliers(full, t.p, nil)) == 0 {
				return d.ownWithoutSupplier(t, full)
			}
			// Every owner failed once; try them again after the backoff.
			excluded = make(map[uuid.UUID]bool)
			return fmt.Errorf("partition %d: %w", t.p, errors.ErrNoSupplier)
		}

		supplier := candidates[0]
		err := d.pull(t, supplier)
		switch {
		case err == nil:
			return nil
		case t.ctx.Err() != nil:
			return backoff.Permanent(t.ctx.Err())
		case errors.Is(err, errors.ErrSuperseded):
			return backoff.Permanent(err)
		}

		excluded[supplier] = true
		var tf *errors.TransportFailure
		if errors.As(err, &tf) {
			d.suspector.Suspect(supplier, err)
		} else if errors.Is(err, errors.ErrTimeout) {
			timedOut[supplier] = err
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		d.logger.Info("partition transfer attempt failed",
			zap.Int32("partition", int32(t.p)),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, b, notify)
	if err != nil && t.ctx.Err() == nil && !errors.Is(err, errors.ErrSuperseded) {
		// Suppliers that went silent are reported so the next exchange
		// reassigns around them.
		for id, reason := range timedOut {
			d.suspector.Suspect(id, reason)
		}
	}
	return attempts, err
}

// suppliers lists the nodes OWNING p in the full map, least loaded first.
func (d *Demander) suppliers(full *partition.FullMap, p partition.ID, excluded map[uuid.UUID]bool) []uuid.UUID {
	owners := full.Owners(p)
	ids := make([]uuid.UUID, 0, len(owners))
	for _, id := range owners {
		if id != d.self && !excluded[id] {
			ids = append(ids, id)
		}
	}

	d.mu.Lock()
	inflight := make(map[uuid.UUID]int, len(ids))
	for _, id := range ids {
		inflight[id] = d.inflight[id]
	}
	d.mu.Unlock()

	owned := make(map[uuid.UUID]int, len(ids))
	for _, id := range ids {
		owned[id] = full.OwnedCount(id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if inflight[a] != inflight[b] {
			return inflight[a] < inflight[b]
		}
		if owned[a] != owned[b] {
			return owned[a] < owned[b]
		}
		return bytes.Compare(a[:], b[:]) < 0
	})
	return ids
}

// ownWithoutSupplier owns a partition nobody can supply. It starts empty.
// Data is lost when another node still held the partition without owning it.
func (d *Demander) ownWithoutSupplier(t *transfer, full *partition.FullMap) error {
	lost := false
	for id, st := range full.Hosts(t.p) {
		if id != d.self && (st == partition.Renting || st == partition.Moving) {
			lost = true
		}
	}
	if lost {
		d.logger.Warn("no owning supplier left, partition data lost", zap.Int32("partition", int32(t.p)))
	}

	if err := d.topo.Load(t.p, t.epoch, func() error {
		return d.store.Clear(t.ctx, t.p)
	}); err != nil {
		return backoff.Permanent(err)
	}
	if _, _, err := d.topo.Own(t.p, t.epoch); err != nil {
		return backoff.Permanent(err)
	}
	d.progress.update(t.p, t.epoch, func(pr *Progress) { pr.Supplier = uuid.Nil })
	return nil
}

// pull streams p from supplier. Partial data from an earlier supplier is
// cleared first.
func (d *Demander) pull(t *transfer, supplier uuid.UUID) error {
	if err := d.topo.Load(t.p, t.epoch, func() error {
		return d.store.Clear(t.ctx, t.p)
	}); err != nil {
		return err
	}

	demandID := uuid.New()
	d.mu.Lock()
	d.demands[demandID] = t
	d.inflight[supplier]++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.demands, demandID)
		if d.inflight[supplier]--; d.inflight[supplier] <= 0 {
			delete(d.inflight, supplier)
		}
		d.mu.Unlock()
	}()

	d.progress.update(t.p, t.epoch, func(pr *Progress) {
		pr.Supplier = supplier
		pr.Entries = 0
		pr.Total = 0
	})
	d.logger.Debug("demanding partition",
		zap.Int32("partition", int32(t.p)),
		zap.String("supplier", membership.ShortID(supplier)),
		zap.String("demand", demandID.String()))

	cursor, entries := 0, 0
	for {
		reply, err := d.demand(t, supplier, demandID, cursor)
		if err != nil {
			return err
		}
		if reply.Error != "" {
			if reply.Error == errors.ErrNotOwning.Error() {
				return fmt.Errorf("supplier %s: %w", membership.ShortID(supplier), errors.ErrNotOwning)
			}
			return fmt.Errorf("supplier %s: %s", membership.ShortID(supplier), reply.Error)
		}

		if err := d.topo.Load(t.p, t.epoch, func() error {
			for _, e := range reply.Entries {
				if err := d.store.Put(t.ctx, t.p, e.Key, e.Value); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		entries += len(reply.Entries)
		if reply.Next <= cursor && !reply.Last {
			return fmt.Errorf("supplier %s did not advance past cursor %d", membership.ShortID(supplier), cursor)
		}
		cursor = reply.Next
		metrics.RebalanceEntries.Add(float64(len(reply.Entries)))
		d.progress.update(t.p, t.epoch, func(pr *Progress) {
			pr.Entries = entries
			pr.Total = reply.Total
		})

		if reply.Last {
			break
		}
	}

	_, _, err := d.topo.Own(t.p, t.epoch)
	return err
}

// demand requests the batch at cursor and waits for its reply. Replies for
// other cursors or from other nodes are stale and skipped.
func (d *Demander) demand(t *transfer, supplier, demandID uuid.UUID, cursor int) (*transport.Message, error) {
	ctx, cancel := context.WithTimeout(t.ctx, d.cfg.DemandTimeout)
	defer cancel()

	err := d.transport.Send(ctx, supplier, &transport.Message{
		Type:      transport.MsgDemand,
		Partition: int32(t.p),
		DemandID:  demandID,
		Cursor:    cursor,
	})
	if err != nil {
		if t.ctx.Err() != nil {
			return nil, t.ctx.Err()
		}
		return nil, err
	}

	for {
		select {
		case reply := <-t.replies:
			if reply.DemandID != demandID || reply.Sender != supplier || reply.Cursor != cursor {
				continue
			}
			return reply, nil
		case <-ctx.Done():
			if t.ctx.Err() != nil {
				return nil, t.ctx.Err()
			}
			return nil, fmt.Errorf("supplier %s batch at %d within %v: %w",
				membership.ShortID(supplier), cursor, d.cfg.DemandTimeout, errors.ErrTimeout)
		}
	}
}
