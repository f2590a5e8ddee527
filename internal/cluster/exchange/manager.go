package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/internal/cluster/affinity"
	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/cluster/partition"
	"github.com/10yihang/gridcache/internal/cluster/topology"
	"github.com/10yihang/gridcache/internal/metrics"
	"github.com/10yihang/gridcache/internal/transport"
	"github.com/10yihang/gridcache/pkg/errors"
	"github.com/10yihang/gridcache/pkg/queue"
)

// LocalTopology is the part of the node's partition topology the exchange
// drives.
type LocalTopology interface {
	Snapshot() *partition.Snapshot
	FullMap() *partition.FullMap
	Version() membership.Version
	Partitions() int
	Assignment() *affinity.Assignment
	Apply(a *affinity.Assignment, maps []*partition.Snapshot) (topology.Applied, error)
	MergeDirect(s *partition.Snapshot) error
	MergeRefresh(version membership.Version, maps []*partition.Snapshot) bool
}

// Status describes the exchange state of the node.
type Status struct {
	ID          ID
	Coordinator uuid.UUID
	Applied     bool
	Resolved    bool
	Done        membership.Version
}

type input struct {
	msg     *transport.Message
	publish bool
}

type Manager struct {
	cfg       Config
	logger    *zap.Logger
	self      uuid.UUID
	members   membership.Service
	transport transport.Transport
	topo      LocalTopology
	affinity  affinity.Function
	outbox    *outbox
	inbox     *queue.Unbounded[input]

	ctx      context.Context
	cancel   context.CancelFunc
	stopped  chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	done   membership.Version
	doneCh chan struct{}
	status Status

	// Worker state, only touched by run.
	cur            *exchange
	buffered       map[membership.Version][]*transport.Message
	bufferedCount  int
	published      uint64
	publishPending bool
	refreshPending bool
}

func NewManager(cfg Config, members membership.Service, t transport.Transport, topo LocalTopology, fn affinity.Function, logger *zap.Logger) *Manager {
	self := members.Local().ID
	logger = logger.Named("exchange")
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		self:      self,
		members:   members,
		transport: t,
		topo:      topo,
		affinity:  fn,
		inbox:     queue.NewUnbounded[input](),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
		doneCh:    make(chan struct{}),
		buffered:  make(map[membership.Version][]*transport.Message),
	}
	m.outbox = newOutbox(t, cfg.Timeout, logger, func(id uuid.UUID, err error) {
		members.Suspect(id, err)
	})
	return m
}

// Start runs the exchange worker until Stop.
func (m *Manager) Start() {
	go m.run()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		<-m.stopped
		m.outbox.close()
		m.inbox.Close()
	})
}

// Handle queues an exchange message received from the transport.
func (m *Manager) Handle(msg *transport.Message) {
	m.inbox.Push(input{msg: msg})
}

// Publish reports that the local partition map changed outside an exchange.
// It is safe to call from any goroutine.
func (m *Manager) Publish(*partition.Snapshot) {
	m.inbox.Push(input{publish: true})
}

// Await blocks until this node has applied the exchange for version or a
// later one.
func (m *Manager) Await(ctx context.Context, version membership.Version) error {
	for {
		m.mu.Lock()
		done, ch := m.done, m.doneCh
		m.mu.Unlock()

		if done >= version {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopped:
			return errors.ErrClosed
		}
	}
}

// Done returns the highest version applied locally.
func (m *Manager) Done() membership.Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	s.Done = m.done
	return s
}

func (m *Manager) run() {
	defer close(m.stopped)

	events := m.members.Events()
	for {
		select {
		case <-m.ctx.Done():
			m.supersede()
			return
		case ev, ok := <-events:
			if !ok {
				m.logger.Info("membership stream closed, no further exchanges")
				events = nil
				continue
			}
			m.onTopology(ev.Topology)
		case in, ok := <-m.inbox.Out():
			if !ok {
				return
			}
			if in.publish {
				m.publishPending = true
			} else {
				m.onMessage(in.msg)
			}
		case <-m.cur.timeout():
			m.onTimeout()
		}

		m.flush()
		m.syncStatus()
	}
}

func (m *Manager) onTopology(top membership.Topology) {
	if m.cur != nil && top.Version <= m.cur.id.Version {
		return
	}
	if !top.Contains(m.self) {
		m.logger.Warn("local node is not part of the topology",
			zap.Uint64("topology_version", uint64(top.Version)))
		return
	}
	m.supersede()
	m.outbox.retain(top)
	m.begin(top, 0, nil, nil)
}

// supersede abandons the in-flight attempt.
func (m *Manager) supersede() {
	ex := m.cur
	if ex == nil {
		return
	}
	ex.cancel()
	ex.stopTimer()
	if !ex.applied {
		metrics.RecordExchange(ex.coordinator == m.self, "superseded", 0)
		m.logger.Info("exchange superseded", zap.Stringer("exchange", ex.id))
	}
}

func (m *Manager) begin(top membership.Topology, seq uint64, suspected, singles map[uuid.UUID]bool) {
	if suspected == nil {
		suspected = make(map[uuid.UUID]bool)
	}
	if singles == nil {
		singles = make(map[uuid.UUID]bool)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	ex := &exchange{
		id:        ID{Version: top.Version, Seq: seq},
		top:       top,
		suspected: suspected,
		ctx:       ctx,
		cancel:    cancel,
		started:   time.Now(),
		singles:   singles,
		acks:      make(map[uuid.UUID]bool),
	}
	ex.coordinator = electCoordinator(top, suspected)
	ex.resetTimer(m.cfg.Timeout)
	m.cur = ex

	m.logger.Info("exchange started",
		zap.Stringer("exchange", ex.id),
		zap.String("coordinator", membership.ShortID(ex.coordinator)),
		zap.Int("nodes", len(ex.alive())))

	for v, msgs := range m.buffered {
		if v < top.Version {
			m.bufferedCount -= len(msgs)
			delete(m.buffered, v)
		}
	}

	if ex.coordinator == m.self {
		ex.singles[m.self] = true
	} else if rec, err := m.topo.Snapshot().MarshalBinary(); err != nil {
		m.logger.Error("failed to encode local partition map", zap.Error(err))
	} else {
		m.outbox.send(ex.ctx, ex.coordinator, &transport.Message{
			Type:        transport.MsgPartitionsSingle,
			Version:     uint64(ex.id.Version),
			ExchangeSeq: ex.id.Seq,
			Maps:        [][]byte{rec},
		})
	}

	if msgs, ok := m.buffered[top.Version]; ok {
		delete(m.buffered, top.Version)
		m.bufferedCount -= len(msgs)
		for _, msg := range msgs {
			m.onMessage(msg)
		}
	}
	if m.cur == ex && ex.coordinator == m.self {
		m.checkSingles(ex)
	}
}

func (m *Manager) onMessage(msg *transport.Message) {
	switch msg.Type {
	case transport.MsgPartitionsUpdate:
		m.onUpdate(msg)
		return
	case transport.MsgPartitionsFull:
		if msg.Refresh {
			m.onRefresh(msg)
			return
		}
	case transport.MsgPartitionsSingle, transport.MsgPartitionsAck:
	default:
		m.logger.Debug("ignoring message", zap.Stringer("type", msg.Type))
		return
	}

	v := membership.Version(msg.Version)
	if m.cur == nil || v > m.cur.id.Version {
		// Membership may lag behind peers; catch up before buffering.
		latest := m.members.Topology()
		if latest.Version >= v && (m.cur == nil || latest.Version > m.cur.id.Version) {
			m.onTopology(latest)
		}
		if m.cur == nil || v > m.cur.id.Version {
			m.buffer(msg)
			return
		}
	}
	ex := m.cur
	if v < ex.id.Version {
		m.logger.Debug("dropping message for old topology version",
			zap.Stringer("type", msg.Type),
			zap.Uint64("topology_version", msg.Version),
			zap.Stringer("exchange", ex.id))
		return
	}

	switch msg.Type {
	case transport.MsgPartitionsSingle:
		m.onSingle(ex, msg)
	case transport.MsgPartitionsFull:
		m.onFull(ex, msg)
	case transport.MsgPartitionsAck:
		m.onAck(ex, msg)
	}
}

func (m *Manager) buffer(msg *transport.Message) {
	if m.bufferedCount >= m.cfg.BufferLimit {
		m.logger.Warn("exchange buffer full, dropping message",
			zap.Stringer("type", msg.Type),
			zap.String("from", membership.ShortID(msg.Sender)))
		return
	}
	v := membership.Version(msg.Version)
	m.buffered[v] = append(m.buffered[v], msg)
	m.bufferedCount++
}

func (m *Manager) flush() {
	if m.inbox.Len() > 0 {
		return
	}
	if m.publishPending {
		m.publishPending = false
		m.sendUpdate()
	}
	if m.refreshPending {
		m.refreshPending = false
		m.broadcastRefresh()
	}
}

func (m *Manager) syncStatus() {
	s := Status{}
	if ex := m.cur; ex != nil {
		s = Status{ID: ex.id, Coordinator: ex.coordinator, Applied: ex.applied, Resolved: ex.resolved}
	}
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

func (m *Manager) complete(version membership.Version) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version <= m.done {
		return
	}
	m.done = version
	close(m.doneCh)
	m.doneCh = make(chan struct{})
}

func (m *Manager) onTimeout() {
	ex := m.cur
	ex.stopTimer()

	if ex.coordinator == m.self {
		phase, have := "partition map", ex.singles
		if ex.sentFull {
			phase, have = "ack", ex.acks
		}
		var missing []uuid.UUID
		for _, id := range ex.alive() {
			if id != m.self && !have[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			m.recheck(ex)
			return
		}
		metrics.RecordExchange(true, "timeout", 0)
		for _, id := range missing {
			err := fmt.Errorf("no %s for exchange %s within %v: %w", phase, ex.id, m.cfg.Timeout, errors.ErrTimeout)
			m.logger.Warn("exchange participant timed out",
				zap.Stringer("exchange", ex.id),
				zap.String("node", membership.ShortID(id)),
				zap.Error(err))
			ex.suspected[id] = true
			m.members.Suspect(id, err)
		}
		ex.resetTimer(m.cfg.Timeout)
		m.recheck(ex)
		return
	}

	if ex.applied {
		return
	}
	err := &errors.CoordinatorTimeout{Version: uint64(ex.id.Version), Coordinator: ex.coordinator}
	metrics.RecordExchange(false, "timeout", 0)
	m.logger.Warn("coordinator timed out, restarting exchange",
		zap.Stringer("exchange", ex.id),
		zap.Error(err))
	m.members.Suspect(ex.coordinator, err)

	suspected := make(map[uuid.UUID]bool, len(ex.suspected)+1)
	for id := range ex.suspected {
		suspected[id] = true
	}
	suspected[ex.coordinator] = true
	ex.cancel()
	m.begin(ex.top, ex.id.Seq+1, suspected, ex.singles)
}

// recheck drives the coordinator's attempt forward after its participants
// changed outside the collection handlers, and keeps the timer armed while
// the attempt is unresolved.
func (m *Manager) recheck(ex *exchange) {
	switch {
	case !ex.sentFull:
		m.checkSingles(ex)
	case !ex.applied:
		full := m.topo.FullMap()
		full.Prune(ex.alive())
		m.applyLocal(ex, full.Snapshots())
	default:
		m.checkAcks(ex)
	}
	if m.cur == ex && !ex.resolved && ex.timer == nil {
		ex.resetTimer(m.cfg.Timeout)
	}
}

// violation handles a map that broke the sequence discipline when received
// from its own node: the sender is reported failed.
func (m *Manager) violation(node uuid.UUID, err error) {
	if !errors.IsProtocolViolation(err) {
		m.logger.Warn("failed to merge partition map", zap.String("node", membership.ShortID(node)), zap.Error(err))
		return
	}
	metrics.RecordProtocolViolation(true)
	m.logger.Error("rejected partition map, failing node",
		zap.String("node", membership.ShortID(node)),
		zap.Error(err))
	if ex := m.cur; ex != nil {
		ex.suspected[node] = true
	}
	m.members.Suspect(node, err)
}

func copyMessage(msg *transport.Message) *transport.Message {
	c := *msg
	return &c
}

// decodeAll decodes the relayed maps of a full message. A malformed map is
// returned as a ProtocolViolation of the sender.
func (m *Manager) decodeAll(msg *transport.Message) ([]*partition.Snapshot, error) {
	maps, err := partition.DecodeSnapshots(msg.Maps)
	if err != nil {
		return nil, err
	}
	for _, s := range maps {
		if err := s.Validate(m.topo.Partitions()); err != nil {
			return nil, err
		}
	}
	return maps, nil
}

func decodeOne(msg *transport.Message) (*partition.Snapshot, error) {
	if len(msg.Maps) != 1 {
		return nil, fmt.Errorf("%s carries %d partition maps, want 1", msg.Type, len(msg.Maps))
	}
	return partition.DecodeSnapshot(msg.Maps[0])
}
