package exchange

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/internal/cluster/affinity"
	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/cluster/partition"
	"github.com/10yihang/gridcache/internal/metrics"
	"github.com/10yihang/gridcache/internal/transport"
	"github.com/10yihang/gridcache/pkg/errors"
)

func (m *Manager) onSingle(ex *exchange, msg *transport.Message) {
	if !ex.member(msg.Sender) {
		m.logger.Debug("ignoring partition map from non-member", zap.String("from", membership.ShortID(msg.Sender)))
		return
	}
	snap, err := decodeOne(msg)
	if err != nil {
		m.logger.Warn("invalid partition map", zap.String("from", membership.ShortID(msg.Sender)), zap.Error(err))
		return
	}
	if snap.NodeID() != msg.Sender {
		m.logger.Warn("partition map sent on behalf of another node",
			zap.String("from", membership.ShortID(msg.Sender)),
			zap.String("node", membership.ShortID(snap.NodeID())))
		return
	}
	if err := m.topo.MergeDirect(snap); err != nil {
		m.violation(msg.Sender, err)
		m.checkSingles(ex)
		return
	}
	ex.singles[msg.Sender] = true

	if ex.coordinator != m.self {
		return
	}
	if ex.sentFull {
		// The sender restarted or missed the broadcast.
		m.sendFull(ex, msg.Sender)
		return
	}
	m.checkSingles(ex)
}

// checkSingles broadcasts the assignment once every live node's map is in.
func (m *Manager) checkSingles(ex *exchange) {
	if ex.coordinator != m.self || ex.sentFull {
		return
	}
	alive := ex.alive()
	for _, id := range alive {
		if !ex.singles[id] {
			return
		}
	}

	ex.assignment = m.affinity.Assign(ex.aliveTopology())
	full := m.topo.FullMap()
	full.Prune(alive)
	maps := full.Snapshots()
	ex.sentFull = true

	m.logger.Info("broadcasting assignment",
		zap.Stringer("exchange", ex.id),
		zap.Int("nodes", len(alive)),
		zap.Int("partitions", ex.assignment.Partitions()))

	for _, id := range alive {
		if id != m.self {
			m.sendFull(ex, id)
		}
	}
	m.applyLocal(ex, maps)
}

// applyLocal adopts the broadcast assignment on the coordinator itself.
func (m *Manager) applyLocal(ex *exchange, maps []*partition.Snapshot) {
	if !m.apply(ex, ex.assignment, maps, ex.id.Seq) {
		return
	}
	ex.acks[m.self] = true
	ex.resetTimer(m.cfg.Timeout)
	m.checkAcks(ex)
}

func (m *Manager) sendFull(ex *exchange, to uuid.UUID) {
	full := m.topo.FullMap()
	full.Prune(ex.alive())
	recs, err := partition.EncodeSnapshots(full.Snapshots())
	if err != nil {
		m.logger.Error("failed to encode full partition map", zap.Error(err))
		return
	}
	m.outbox.send(ex.ctx, to, &transport.Message{
		Type:        transport.MsgPartitionsFull,
		Version:     uint64(ex.id.Version),
		ExchangeSeq: ex.id.Seq,
		Maps:        recs,
		Owners:      ex.assignment.Owners(),
		Backups:     ex.assignment.Backups,
	})
}

func (m *Manager) onFull(ex *exchange, msg *transport.Message) {
	if ex.coordinator == m.self && msg.Sender != m.self {
		m.logger.Warn("ignoring assignment from another coordinator",
			zap.Stringer("exchange", ex.id),
			zap.String("from", membership.ShortID(msg.Sender)))
		return
	}
	if !ex.member(msg.Sender) {
		return
	}
	if ex.applied && ex.appliedSeq == msg.ExchangeSeq {
		m.sendAck(ex, msg.Sender)
		return
	}

	maps, err := m.decodeAll(msg)
	if errors.IsProtocolViolation(err) {
		m.violation(msg.Sender, err)
		return
	}
	if err != nil {
		m.logger.Warn("invalid full partition map", zap.String("from", membership.ShortID(msg.Sender)), zap.Error(err))
		return
	}
	a := affinity.NewAssignment(membership.Version(msg.Version), msg.Backups, msg.Owners)
	if !m.apply(ex, a, maps, msg.ExchangeSeq) {
		return
	}
	ex.stopTimer()
	m.sendAck(ex, msg.Sender)
}

func (m *Manager) apply(ex *exchange, a *affinity.Assignment, maps []*partition.Snapshot, seq uint64) bool {
	prev := m.topo.Assignment()
	res, err := m.topo.Apply(a, maps)
	if err != nil {
		m.logger.Warn("failed to apply assignment", zap.Stringer("exchange", ex.id), zap.Error(err))
		return false
	}
	ex.applied = true
	ex.appliedSeq = seq
	m.complete(ex.id.Version)

	elapsed := time.Since(ex.started)
	gained, lost := a.Diff(prev, m.self)
	metrics.RecordExchange(ex.coordinator == m.self, "done", elapsed)
	m.logger.Info("exchange applied",
		zap.Stringer("exchange", ex.id),
		zap.String("coordinator", membership.ShortID(ex.coordinator)),
		zap.Uint64("prev_seq", res.PrevSeq),
		zap.Uint64("seq", res.Seq),
		zap.Int("moving", res.Moving),
		zap.Int("evicted", res.Evicted),
		zap.Int("renting", res.Renting),
		zap.Int("gained", len(gained)),
		zap.Int("lost", len(lost)),
		zap.Duration("elapsed", elapsed))
	return true
}

func (m *Manager) sendAck(ex *exchange, to uuid.UUID) {
	rec, err := m.topo.Snapshot().MarshalBinary()
	if err != nil {
		m.logger.Error("failed to encode local partition map", zap.Error(err))
		return
	}
	m.outbox.send(ex.ctx, to, &transport.Message{
		Type:        transport.MsgPartitionsAck,
		Version:     uint64(ex.id.Version),
		ExchangeSeq: ex.appliedSeq,
		Maps:        [][]byte{rec},
	})
}

func (m *Manager) onAck(ex *exchange, msg *transport.Message) {
	if ex.coordinator != m.self || !ex.sentFull || !ex.member(msg.Sender) {
		return
	}
	snap, err := decodeOne(msg)
	if err != nil || snap.NodeID() != msg.Sender {
		m.logger.Warn("invalid ack", zap.String("from", membership.ShortID(msg.Sender)), zap.Error(err))
		return
	}
	if err := m.topo.MergeDirect(snap); err != nil {
		m.violation(msg.Sender, err)
	} else {
		ex.acks[msg.Sender] = true
	}
	m.checkAcks(ex)
}

// checkAcks resolves the exchange once every live node applied it.
func (m *Manager) checkAcks(ex *exchange) {
	if ex.resolved || !ex.applied {
		return
	}
	for _, id := range ex.alive() {
		if !ex.acks[id] {
			return
		}
	}
	ex.resolved = true
	ex.stopTimer()
	m.logger.Info("exchange resolved",
		zap.Stringer("exchange", ex.id),
		zap.Duration("elapsed", time.Since(ex.started)))
	m.refreshPending = true
}

// onUpdate merges a map a node published after finishing a transfer or an
// eviction. Only the resolved coordinator re-broadcasts.
func (m *Manager) onUpdate(msg *transport.Message) {
	snap, err := decodeOne(msg)
	if err != nil || snap.NodeID() != msg.Sender {
		m.logger.Warn("invalid partition map update", zap.String("from", membership.ShortID(msg.Sender)), zap.Error(err))
		return
	}
	if ex := m.cur; ex != nil && !ex.top.Contains(msg.Sender) {
		return
	}
	if err := m.topo.MergeDirect(snap); err != nil {
		m.violation(msg.Sender, err)
		return
	}
	if ex := m.cur; ex != nil && ex.coordinator == m.self && ex.resolved {
		m.refreshPending = true
	}
}

func (m *Manager) onRefresh(msg *transport.Message) {
	ex := m.cur
	if ex == nil || !ex.top.Contains(msg.Sender) {
		return
	}
	maps, err := m.decodeAll(msg)
	if errors.IsProtocolViolation(err) {
		m.violation(msg.Sender, err)
		return
	}
	if err != nil {
		m.logger.Warn("invalid refreshed partition map", zap.String("from", membership.ShortID(msg.Sender)), zap.Error(err))
		return
	}
	if !m.topo.MergeRefresh(membership.Version(msg.Version), maps) {
		m.logger.Debug("ignoring refresh for another topology version", zap.Uint64("topology_version", msg.Version))
	}
}

// sendUpdate publishes the local map to the coordinator, or re-broadcasts
// when this node is the resolved coordinator.
func (m *Manager) sendUpdate() {
	ex := m.cur
	if ex == nil {
		return
	}
	if ex.coordinator == m.self {
		if ex.resolved {
			m.refreshPending = true
		}
		return
	}

	snap := m.topo.Snapshot()
	if snap.UpdateSequence() <= m.published {
		return
	}
	rec, err := snap.MarshalBinary()
	if err != nil {
		m.logger.Error("failed to encode local partition map", zap.Error(err))
		return
	}
	m.published = snap.UpdateSequence()
	m.outbox.send(m.ctx, ex.coordinator, &transport.Message{
		Type:    transport.MsgPartitionsUpdate,
		Version: uint64(m.topo.Version()),
		Maps:    [][]byte{rec},
	})
}

func (m *Manager) broadcastRefresh() {
	ex := m.cur
	if ex == nil || ex.coordinator != m.self || !ex.resolved {
		return
	}
	alive := ex.alive()
	full := m.topo.FullMap()
	full.Prune(alive)
	recs, err := partition.EncodeSnapshots(full.Snapshots())
	if err != nil {
		m.logger.Error("failed to encode full partition map", zap.Error(err))
		return
	}
	msg := &transport.Message{
		Type:        transport.MsgPartitionsFull,
		Refresh:     true,
		Version:     uint64(m.topo.Version()),
		ExchangeSeq: ex.appliedSeq,
		Maps:        recs,
	}
	for _, id := range alive {
		if id != m.self {
			m.outbox.send(m.ctx, id, copyMessage(msg))
		}
	}
}
