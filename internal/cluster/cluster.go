// Package cluster wires the partition topology of one node: the local
// topology, the exchange manager, the rebalancer and the membership and
// transport collaborators they share.
package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/internal/cluster/affinity"
	"github.com/10yihang/gridcache/internal/cluster/exchange"
	"github.com/10yihang/gridcache/internal/cluster/hash"
	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/cluster/partition"
	"github.com/10yihang/gridcache/internal/cluster/rebalance"
	"github.com/10yihang/gridcache/internal/cluster/topology"
	"github.com/10yihang/gridcache/internal/engine"
	"github.com/10yihang/gridcache/internal/transport"
)

type ClusterState int

const (
	ClusterStateDown ClusterState = iota
	ClusterStateOK
	ClusterStateFail
)

func (s ClusterState) String() string {
	switch s {
	case ClusterStateDown:
		return "down"
	case ClusterStateOK:
		return "ok"
	case ClusterStateFail:
		return "fail"
	default:
		return "unknown"
	}
}

// MessageHandler consumes membership messages when the membership service
// runs over the same transport.
type MessageHandler interface {
	Handle(msg *transport.Message)
}

type Cluster struct {
	cfg       Config
	logger    *zap.Logger
	members   membership.Service
	transport transport.Transport

	topo     *topology.Topology
	exchange *exchange.Manager
	demander *rebalance.Demander
	supplier *rebalance.Supplier

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New builds a node. Nothing runs until Start.
func New(cfg Config, members membership.Service, t transport.Transport, store engine.PartitionStore, logger *zap.Logger) (*Cluster, error) {
	fn, err := affinity.New(cfg.Partitions, cfg.Backups)
	if err != nil {
		return nil, err
	}
	self := members.Local()
	logger = logger.With(zap.String("node", membership.ShortID(self.ID)))

	topo, err := topology.New(self.ID, cfg.Partitions, store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create topology: %w", err)
	}
	supplier, err := rebalance.NewSupplier(cfg.Rebalance, topo, store, t, logger)
	if err != nil {
		topo.Close()
		return nil, err
	}

	c := &Cluster{
		cfg:       cfg,
		logger:    logger,
		members:   members,
		transport: t,
		topo:      topo,
		supplier:  supplier,
		exchange:  exchange.NewManager(cfg.Exchange, members, t, topo, fn, logger),
		demander:  rebalance.NewDemander(cfg.Rebalance, topo, store, t, members, logger),
	}
	topo.SetHooks(topology.Hooks{
		Moving:  c.demander.Schedule,
		Evicted: c.demander.Cancel,
		Changed: c.exchange.Publish,
	})
	return c, nil
}

// Start begins routing inbound messages and running exchanges. Membership
// messages go to the membership service if it implements MessageHandler.
func (c *Cluster) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.dispatch()
		c.exchange.Start()
		c.logger.Info("cluster node started",
			zap.Int("partitions", c.cfg.Partitions),
			zap.Int("backups", c.cfg.Backups))
	})
}

func (c *Cluster) dispatch() {
	defer c.wg.Done()

	handler, _ := c.members.(MessageHandler)
	for msg := range c.transport.Inbound() {
		switch msg.Type {
		case transport.MsgPartitionsSingle, transport.MsgPartitionsFull,
			transport.MsgPartitionsAck, transport.MsgPartitionsUpdate:
			c.exchange.Handle(msg)
		case transport.MsgDemand:
			c.supplier.Handle(msg)
		case transport.MsgSupply:
			c.demander.Handle(msg)
		case transport.MsgJoinRequest, transport.MsgTopology,
			transport.MsgHeartbeat, transport.MsgFailReport:
			if handler != nil {
				handler.Handle(msg)
			}
		default:
			c.logger.Debug("dropping message of unknown type", zap.Stringer("type", msg.Type))
		}
	}
}

// Stop halts the node's protocol work and closes the transport. The
// storage stays open for the caller to close.
func (c *Cluster) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.exchange.Stop()
		c.demander.Stop()
		c.supplier.Stop()
		err = c.transport.Close()
		c.wg.Wait()
		c.topo.Close()
		c.logger.Info("cluster node stopped")
	})
	return err
}

func (c *Cluster) Local() membership.Node {
	return c.members.Local()
}

// Members returns the latest membership known locally.
func (c *Cluster) Members() membership.Topology {
	return c.members.Topology()
}

func (c *Cluster) Partitions() int {
	return c.cfg.Partitions
}

func (c *Cluster) Topology() *topology.Topology {
	return c.topo
}

// Assignment returns the adopted assignment, nil before the first exchange.
func (c *Cluster) Assignment() *affinity.Assignment {
	return c.topo.Assignment()
}

// PartitionEvents delivers every local partition transition in order.
func (c *Cluster) PartitionEvents() <-chan topology.Event {
	return c.topo.Events()
}

func (c *Cluster) State(p partition.ID) partition.State {
	return c.topo.State(p)
}

// Owners returns the nodes OWNING p in this node's full map.
func (c *Cluster) Owners(p partition.ID) []uuid.UUID {
	return c.topo.FullMap().Owners(p)
}

// Ready reports whether p can be served from this node.
func (c *Cluster) Ready(p partition.ID) bool {
	return c.topo.State(p) == partition.Owning
}

// AwaitReady blocks until p is OWNING locally.
func (c *Cluster) AwaitReady(ctx context.Context, p partition.ID) error {
	return c.topo.AwaitReady(ctx, p)
}

// AwaitVersion blocks until this node finished the exchange for version or
// a later one.
func (c *Cluster) AwaitVersion(ctx context.Context, version membership.Version) error {
	return c.exchange.Await(ctx, version)
}

// Reserve pins p for a read or write. See topology.Topology.Reserve.
func (c *Cluster) Reserve(p partition.ID) (release func(), ok bool) {
	return c.topo.Reserve(p)
}

func (c *Cluster) KeyPartition(key string) partition.ID {
	return hash.KeyPartition(key, c.cfg.Partitions)
}

func (c *Cluster) ExchangeStatus() exchange.Status {
	return c.exchange.Status()
}

// Progress returns the state of every transfer this node demanded.
func (c *Cluster) Progress() []rebalance.Progress {
	return c.demander.AllProgress()
}

// ClusterState is OK once an assignment is adopted and every partition has
// an OWNING node in this node's full map.
func (c *Cluster) ClusterState() ClusterState {
	if c.topo.Assignment() == nil {
		return ClusterStateDown
	}
	full := c.topo.FullMap()
	for p := 0; p < c.cfg.Partitions; p++ {
		if len(full.Owners(partition.ID(p))) == 0 {
			return ClusterStateFail
		}
	}
	return ClusterStateOK
}

// Info summarizes the node's view of the cluster.
func (c *Cluster) Info() map[string]interface{} {
	members := c.members.Topology()
	status := c.exchange.Status()
	snap := c.topo.Snapshot()

	assigned := 0
	if a := c.topo.Assignment(); a != nil {
		assigned = len(a.PartitionsFor(c.Local().ID))
	}

	return map[string]interface{}{
		"cluster_state":              c.ClusterState().String(),
		"cluster_partitions":         c.cfg.Partitions,
		"cluster_backups":            c.cfg.Backups,
		"cluster_known_nodes":        members.Size(),
		"cluster_topology_version":   uint64(members.Version),
		"cluster_exchange_version":   uint64(status.ID.Version),
		"cluster_exchange_seq":       status.ID.Seq,
		"cluster_exchange_done":      uint64(status.Done),
		"cluster_exchange_resolved":  status.Resolved,
		"cluster_coordinator":        status.Coordinator.String(),
		"partitions_assigned":        assigned,
		"partitions_moving":          len(snap.InState(partition.Moving)),
		"partitions_owning":          len(snap.InState(partition.Owning)),
		"partitions_renting":         len(snap.InState(partition.Renting)),
		"partition_update_sequence":  snap.UpdateSequence(),
		"rebalance_active_transfers": c.demander.Active(),
		"rebalance_supply_sessions":  c.supplier.Sessions(),
	}
}
