// Package discovery is the networked membership service.
//
// The oldest live member stamps every topology version: it admits joining
// nodes and removes failed ones, then broadcasts the full member list.
// Every node heartbeats every peer and suspects peers that stay silent for
// longer than the node timeout. When the stamping node itself fails, the
// next-oldest member sees itself as the oldest live node and takes over.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/transport"
	"github.com/10yihang/gridcache/pkg/errors"
	"github.com/10yihang/gridcache/pkg/queue"
)

type Service struct {
	cfg       Config
	logger    *zap.Logger
	transport transport.Transport
	events    *queue.Unbounded[membership.Event]

	mu       sync.Mutex
	local    membership.Node
	topology membership.Topology
	lastSeen map[uuid.UUID]time.Time
	failed   map[uuid.UUID]bool
	removed  bool

	joined     chan struct{}
	joinedOnce sync.Once

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(cfg Config, t transport.Transport, logger *zap.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		logger:    logger.Named("discovery"),
		transport: t,
		events:    queue.NewUnbounded[membership.Event](),
		local:     membership.Node{ID: t.LocalID(), Addr: t.Addr()},
		lastSeen:  make(map[uuid.UUID]time.Time),
		failed:    make(map[uuid.UUID]bool),
		joined:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start bootstraps a cluster or joins one through the seeds, then starts
// heartbeating. Inbound discovery messages must already be routed to Handle.
func (s *Service) Start(ctx context.Context) error {
	if len(s.seeds()) == 0 {
		s.bootstrap()
	} else if err := s.join(ctx); err != nil {
		return err
	}

	s.wg.Add(2)
	go s.heartbeatLoop()
	go s.failureDetectionLoop()
	return nil
}

func (s *Service) seeds() []string {
	seeds := make([]string, 0, len(s.cfg.Seeds))
	for _, addr := range s.cfg.Seeds {
		if addr != "" && addr != s.local.Addr {
			seeds = append(seeds, addr)
		}
	}
	return seeds
}

func (s *Service) bootstrap() {
	s.mu.Lock()
	s.local.Order = 1
	s.adoptLocked(membership.NewTopology(1, []membership.Node{s.local}))
	s.mu.Unlock()

	s.logger.Info("bootstrapped new cluster", zap.String("node", membership.ShortID(s.local.ID)))
}

func (s *Service) join(ctx context.Context) error {
	req := &transport.Message{
		Type: transport.MsgJoinRequest,
		Node: transport.NodeInfo{ID: s.local.ID, Addr: s.local.Addr},
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.HeartbeatInterval
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, s.cfg.JoinRetries), ctx)

	op := func() error {
		for _, addr := range s.seeds() {
			sendCtx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
			err := s.transport.SendAddr(sendCtx, addr, copyMessage(req))
			cancel()
			if err != nil {
				s.logger.Debug("seed unreachable", zap.String("seed", addr), zap.Error(err))
				continue
			}

			select {
			case <-s.joined:
				return nil
			case <-time.After(s.cfg.JoinTimeout):
				s.logger.Debug("no admission from seed", zap.String("seed", addr))
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		select {
		case <-s.joined:
			return nil
		default:
		}
		return fmt.Errorf("join through %v: %w", s.cfg.Seeds, errors.ErrTimeout)
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("failed to join cluster, retrying", zap.Duration("retry_in", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return err
	}

	top := s.Topology()
	s.logger.Info("joined cluster",
		zap.String("node", membership.ShortID(s.local.ID)),
		zap.Uint64("topology_version", uint64(top.Version)),
		zap.Int("nodes", top.Size()))
	return nil
}

func (s *Service) Local() membership.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Service) Topology() membership.Topology {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topology.Clone()
}

func (s *Service) Events() <-chan membership.Event {
	return s.events.Out()
}

// Joined is closed once the local node is part of a topology.
func (s *Service) Joined() <-chan struct{} {
	return s.joined
}

// Suspect reports a peer as failed. The oldest live node removes it;
// other nodes forward the report there.
func (s *Service) Suspect(id uuid.UUID, reason error) {
	s.mu.Lock()
	if id == s.local.ID || s.removed || !s.topology.Contains(id) {
		s.mu.Unlock()
		return
	}
	first := !s.failed[id]
	s.failed[id] = true
	if first {
		s.logger.Warn("node suspected",
			zap.String("node", membership.ShortID(id)),
			zap.Error(reason))
	}
	sends := s.settleLocked()
	s.mu.Unlock()

	s.dispatch(sends)
}

// Leave removes the local node from the cluster.
func (s *Service) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.removed || !s.topology.Contains(s.local.ID) {
		s.mu.Unlock()
		return nil
	}
	coord, ok := s.actingCoordinatorLocked()
	if ok && coord.ID == s.local.ID {
		version := s.topology.Version + 1
		top := s.topology.Without(version, s.local.ID)
		s.removed = true
		s.mu.Unlock()

		s.logger.Info("leaving cluster as coordinator", zap.Uint64("topology_version", uint64(version)))
		for _, o := range s.broadcast(top) {
			if err := s.transport.Send(ctx, o.to, o.msg); err != nil {
				s.logger.Warn("failed to announce departure", zap.String("to", membership.ShortID(o.to)), zap.Error(err))
			}
		}
		return nil
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.transport.Send(ctx, coord.ID, &transport.Message{
		Type:     transport.MsgFailReport,
		Version:  uint64(s.Topology().Version),
		FailNode: s.local.ID,
	})
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.events.Close()
	})
}

// Handle processes an inbound discovery message.
func (s *Service) Handle(msg *transport.Message) {
	switch msg.Type {
	case transport.MsgJoinRequest:
		s.onJoinRequest(msg)
	case transport.MsgTopology:
		s.onTopology(msg)
	case transport.MsgHeartbeat:
		s.onHeartbeat(msg)
	case transport.MsgFailReport:
		s.onFailReport(msg)
	}
}

func (s *Service) onJoinRequest(msg *transport.Message) {
	node := membership.Node{ID: msg.Node.ID, Addr: msg.Node.Addr}
	if node.ID == uuid.Nil || node.Addr == "" {
		return
	}

	s.mu.Lock()
	if s.removed || s.topology.Size() == 0 {
		s.mu.Unlock()
		return
	}
	coord, _ := s.actingCoordinatorLocked()
	if coord.ID != s.local.ID {
		s.mu.Unlock()
		s.logger.Debug("forwarding join request to coordinator",
			zap.String("node", membership.ShortID(node.ID)),
			zap.String("coordinator", membership.ShortID(coord.ID)))
		s.dispatch([]outgoing{{to: coord.ID, msg: copyMessage(msg)}})
		return
	}

	if s.topology.Contains(node.ID) {
		// Lost admission; resend it.
		top := s.topology.Clone()
		s.mu.Unlock()
		s.transport.Register(node.ID, node.Addr)
		s.dispatch([]outgoing{{to: node.ID, msg: topologyMessage(top)}})
		return
	}

	node.Order = s.maxOrderLocked() + 1
	top := s.topology.With(s.topology.Version+1, node)
	s.adoptLocked(top)
	sends := s.broadcast(top)
	s.mu.Unlock()

	s.logger.Info("admitted node",
		zap.String("node", membership.ShortID(node.ID)),
		zap.String("addr", node.Addr),
		zap.Uint64("topology_version", uint64(top.Version)))
	s.dispatch(sends)
}

func (s *Service) onTopology(msg *transport.Message) {
	top := fromWire(msg.Version, msg.Nodes)
	s.mu.Lock()
	s.seenLocked(msg.Sender)
	s.adoptLocked(top)
	s.mu.Unlock()
}

func (s *Service) onHeartbeat(msg *transport.Message) {
	s.mu.Lock()
	s.seenLocked(msg.Sender)
	if len(msg.Nodes) > 0 {
		s.adoptLocked(fromWire(msg.Version, msg.Nodes))
	}

	var sends []outgoing
	coord, ok := s.actingCoordinatorLocked()
	if ok && coord.ID == s.local.ID && s.topology.Contains(msg.Sender) {
		switch {
		case membership.Version(msg.Version) < s.topology.Version:
			// The peer missed a broadcast.
			sends = append(sends, outgoing{to: msg.Sender, msg: topologyMessage(s.topology)})
		case membership.Version(msg.Version) == s.topology.Version && !sameMembers(s.topology, fromWire(msg.Version, msg.Nodes)):
			// Another node stamped this version before the takeover; restamp
			// the local view above it.
			top := membership.NewTopology(s.topology.Version+1, s.topology.Nodes)
			s.logger.Warn("conflicting topology at same version, restamping",
				zap.Uint64("topology_version", uint64(top.Version)),
				zap.String("peer", membership.ShortID(msg.Sender)))
			s.adoptLocked(top)
			sends = s.broadcast(top)
		}
	}
	s.mu.Unlock()

	s.dispatch(sends)
}

func (s *Service) onFailReport(msg *transport.Message) {
	if msg.FailNode == msg.Sender {
		s.logger.Info("node leaving", zap.String("node", membership.ShortID(msg.Sender)))
	}
	s.mu.Lock()
	if s.removed || !s.topology.Contains(msg.FailNode) || msg.FailNode == s.local.ID {
		s.mu.Unlock()
		return
	}
	s.failed[msg.FailNode] = true
	// Reports are not forwarded again, so disagreeing views cannot loop.
	sends := s.settleLocked()
	s.mu.Unlock()

	s.dispatch(sends)
}

// settleLocked removes failed nodes when this node is the oldest live
// member, or reports them to whoever is.
func (s *Service) settleLocked() []outgoing {
	coord, ok := s.actingCoordinatorLocked()
	if !ok {
		return nil
	}
	if coord.ID != s.local.ID {
		var sends []outgoing
		for id := range s.failed {
			sends = append(sends, outgoing{to: coord.ID, msg: &transport.Message{
				Type:     transport.MsgFailReport,
				Version:  uint64(s.topology.Version),
				FailNode: id,
			}})
		}
		return sends
	}

	if len(s.failed) == 0 {
		return nil
	}
	top := s.topology
	for _, n := range s.topology.Nodes {
		if s.failed[n.ID] {
			top = top.Without(top.Version+1, n.ID)
		}
	}
	s.logger.Info("removing failed nodes",
		zap.Int("failed", len(s.failed)),
		zap.Uint64("topology_version", uint64(top.Version)))
	s.adoptLocked(top)
	return s.broadcast(top)
}

// adoptLocked installs a newer topology and emits the membership event.
func (s *Service) adoptLocked(top membership.Topology) bool {
	if s.removed || top.Version <= s.topology.Version {
		return false
	}
	prev := s.topology
	now := time.Now()

	var added, removed []membership.Node
	for _, n := range top.Nodes {
		if !prev.Contains(n.ID) {
			added = append(added, n)
			if n.ID != s.local.ID {
				s.transport.Register(n.ID, n.Addr)
				s.lastSeen[n.ID] = now
			}
		}
	}
	for _, n := range prev.Nodes {
		if !top.Contains(n.ID) {
			removed = append(removed, n)
			s.transport.Forget(n.ID)
			delete(s.lastSeen, n.ID)
			delete(s.failed, n.ID)
		}
	}

	self, ok := top.Node(s.local.ID)
	if !ok {
		if prev.Contains(s.local.ID) {
			s.removed = true
			s.logger.Error("local node was removed from the cluster",
				zap.Uint64("topology_version", uint64(top.Version)))
			s.events.Close()
		}
		return false
	}
	s.local.Order = self.Order
	s.topology = top

	ev := membership.Event{Type: membership.EventJoin, Topology: top.Clone()}
	switch {
	case !prev.Contains(s.local.ID):
		ev.Node = self
	case len(removed) > 0:
		ev.Type = membership.EventFail
		ev.Node = removed[0]
	case len(added) > 0:
		ev.Node = added[0]
	}
	s.events.Push(ev)

	s.logger.Debug("topology adopted",
		zap.Uint64("topology_version", uint64(top.Version)),
		zap.Int("nodes", top.Size()),
		zap.Int("added", len(added)),
		zap.Int("removed", len(removed)))
	s.joinedOnce.Do(func() { close(s.joined) })
	return true
}

func (s *Service) seenLocked(id uuid.UUID) {
	if _, ok := s.lastSeen[id]; ok {
		s.lastSeen[id] = time.Now()
	}
}

// actingCoordinatorLocked returns the oldest member not suspected locally.
func (s *Service) actingCoordinatorLocked() (membership.Node, bool) {
	for _, n := range s.topology.Nodes {
		if !s.failed[n.ID] {
			return n, true
		}
	}
	return membership.Node{}, false
}

func (s *Service) maxOrderLocked() membership.Version {
	var max membership.Version
	for _, n := range s.topology.Nodes {
		if n.Order > max {
			max = n.Order
		}
	}
	return max
}

func (s *Service) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.removed {
				s.mu.Unlock()
				return
			}
			msg := topologyMessage(s.topology)
			msg.Type = transport.MsgHeartbeat
			var sends []outgoing
			for _, n := range s.topology.Nodes {
				if n.ID != s.local.ID {
					sends = append(sends, outgoing{to: n.ID, msg: copyMessage(msg)})
				}
			}
			s.mu.Unlock()
			s.dispatch(sends)
		}
	}
}

func (s *Service) failureDetectionLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkNodeFailures()
		}
	}
}

func (s *Service) checkNodeFailures() {
	now := time.Now()

	s.mu.Lock()
	var silent []uuid.UUID
	for id, seen := range s.lastSeen {
		if now.Sub(seen) > s.cfg.NodeTimeout {
			silent = append(silent, id)
		}
	}
	// Repeat reports the coordinator has not acted on yet.
	var sends []outgoing
	if len(silent) == 0 && len(s.failed) > 0 {
		sends = s.settleLocked()
	}
	s.mu.Unlock()

	for _, id := range silent {
		s.Suspect(id, fmt.Errorf("no heartbeat for %v: %w", s.cfg.NodeTimeout, errors.ErrTimeout))
	}
	s.dispatch(sends)
}

type outgoing struct {
	to  uuid.UUID
	msg *transport.Message
}

func (s *Service) broadcast(top membership.Topology) []outgoing {
	sends := make([]outgoing, 0, len(top.Nodes))
	for _, n := range top.Nodes {
		if n.ID != s.local.ID {
			sends = append(sends, outgoing{to: n.ID, msg: topologyMessage(top)})
		}
	}
	return sends
}

// dispatch sends without holding the lock. Lost messages are recovered by
// heartbeats.
func (s *Service) dispatch(sends []outgoing) {
	for _, o := range sends {
		go func(o outgoing) {
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HeartbeatInterval)
			defer cancel()
			if err := s.transport.Send(ctx, o.to, o.msg); err != nil {
				s.logger.Debug("failed to send discovery message",
					zap.Stringer("type", o.msg.Type),
					zap.String("to", membership.ShortID(o.to)),
					zap.Error(err))
			}
		}(o)
	}
}

func topologyMessage(top membership.Topology) *transport.Message {
	nodes := make([]transport.NodeInfo, len(top.Nodes))
	for i, n := range top.Nodes {
		nodes[i] = transport.NodeInfo{ID: n.ID, Addr: n.Addr, Order: uint64(n.Order)}
	}
	return &transport.Message{
		Type:    transport.MsgTopology,
		Version: uint64(top.Version),
		Nodes:   nodes,
	}
}

func fromWire(version uint64, infos []transport.NodeInfo) membership.Topology {
	nodes := make([]membership.Node, len(infos))
	for i, n := range infos {
		nodes[i] = membership.Node{ID: n.ID, Addr: n.Addr, Order: membership.Version(n.Order)}
	}
	return membership.NewTopology(membership.Version(version), nodes)
}

func sameMembers(a, b membership.Topology) bool {
	if a.Size() != b.Size() {
		return false
	}
	for _, n := range a.Nodes {
		if !b.Contains(n.ID) {
			return false
		}
	}
	return true
}

func copyMessage(msg *transport.Message) *transport.Message {
	c := *msg
	return &c
}

var _ membership.Service = (*Service)(nil)
