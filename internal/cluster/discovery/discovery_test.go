package discovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/transport"
	"github.com/10yihang/gridcache/pkg/errors"
)

func testConfig(seeds ...string) Config {
	var cfg Config
	cfg.SetDefaults()
	cfg.Seeds = seeds
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.NodeTimeout = 200 * time.Millisecond
	cfg.JoinTimeout = 300 * time.Millisecond
	return cfg
}

var nodeCount int

func start(t *testing.T, net *transport.Network, seeds ...string) *Service {
	t.Helper()
	nodeCount++
	ep := net.Endpoint(uuid.New(), fmt.Sprintf("node-%d", nodeCount))
	svc := New(testConfig(seeds...), ep, zap.NewNop())
	go func() {
		for msg := range ep.Inbound() {
			svc.Handle(msg)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() {
		svc.Stop()
		ep.Close()
	})
	return svc
}

func members(s *Service) []uuid.UUID {
	return s.Topology().IDs()
}

func requireMembers(t *testing.T, want []uuid.UUID, services ...*Service) {
	t.Helper()
	for _, s := range services {
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual(want, members(s))
		}, 5*time.Second, 10*time.Millisecond, "node %s never saw %v", s.Local().ID, want)
	}
}

func nextEvent(t *testing.T, s *Service) membership.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no membership event")
		return membership.Event{}
	}
}

func TestService_BootstrapAndJoin(t *testing.T) {
	net := transport.NewNetwork()
	a := start(t, net)
	b := start(t, net, a.Local().Addr)
	c := start(t, net, a.Local().Addr)

	want := []uuid.UUID{a.Local().ID, b.Local().ID, c.Local().ID}
	requireMembers(t, want, a, b, c)

	for i, s := range []*Service{a, b, c} {
		assert.Equal(t, membership.Version(3), s.Topology().Version)
		assert.Equal(t, membership.Version(i+1), s.Local().Order)
		assert.True(t, s.Topology().IsCoordinator(a.Local().ID))
	}

	ev := nextEvent(t, a)
	assert.Equal(t, membership.EventJoin, ev.Type)
	assert.Equal(t, a.Local().ID, ev.Node.ID)
	assert.Equal(t, membership.Version(1), ev.Topology.Version)

	ev = nextEvent(t, c)
	assert.Equal(t, c.Local().ID, ev.Node.ID, "the first event is the local join")
	assert.Equal(t, membership.Version(3), ev.Topology.Version)
}

func TestService_JoinThroughNonCoordinatorSeed(t *testing.T) {
	net := transport.NewNetwork()
	a := start(t, net)
	b := start(t, net, a.Local().Addr)
	c := start(t, net, b.Local().Addr)

	requireMembers(t, []uuid.UUID{a.Local().ID, b.Local().ID, c.Local().ID}, a, b, c)
}

func TestService_JoinFailsWithoutReachableSeed(t *testing.T) {
	net := transport.NewNetwork()
	ep := net.Endpoint(uuid.New(), "lonely")
	cfg := testConfig("nowhere")
	cfg.JoinRetries = 1
	svc := New(cfg, ep, zap.NewNop())
	defer svc.Stop()

	err := svc.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrTimeout)
}

func TestService_SuspectRemovesPeer(t *testing.T) {
	net := transport.NewNetwork()
	a := start(t, net)
	b := start(t, net, a.Local().Addr)
	c := start(t, net, a.Local().Addr)
	requireMembers(t, []uuid.UUID{a.Local().ID, b.Local().ID, c.Local().ID}, a, b, c)

	// Reported by a non-coordinator, removed by the coordinator.
	b.Suspect(c.Local().ID, errors.ErrTimeout)
	requireMembers(t, []uuid.UUID{a.Local().ID, b.Local().ID}, a, b)
	assert.Greater(t, a.Topology().Version, membership.Version(3))
}

func TestService_DetectsSilentPeer(t *testing.T) {
	net := transport.NewNetwork()
	a := start(t, net)
	b := start(t, net, a.Local().Addr)
	c := start(t, net, a.Local().Addr)
	requireMembers(t, []uuid.UUID{a.Local().ID, b.Local().ID, c.Local().ID}, a, b, c)

	net.Isolate(c.Local().ID)
	requireMembers(t, []uuid.UUID{a.Local().ID, b.Local().ID}, a, b)
}

func TestService_NextOldestTakesOver(t *testing.T) {
	net := transport.NewNetwork()
	a := start(t, net)
	b := start(t, net, a.Local().Addr)
	c := start(t, net, a.Local().Addr)
	requireMembers(t, []uuid.UUID{a.Local().ID, b.Local().ID, c.Local().ID}, a, b, c)
	v := b.Topology().Version

	net.Isolate(a.Local().ID)
	requireMembers(t, []uuid.UUID{b.Local().ID, c.Local().ID}, b, c)
	assert.Greater(t, b.Topology().Version, v)
	assert.True(t, c.Topology().IsCoordinator(b.Local().ID))

	// The new coordinator admits joiners.
	d := start(t, net, c.Local().Addr)
	requireMembers(t, []uuid.UUID{b.Local().ID, c.Local().ID, d.Local().ID}, b, c, d)
}

func TestService_Leave(t *testing.T) {
	net := transport.NewNetwork()
	a := start(t, net)
	b := start(t, net, a.Local().Addr)
	c := start(t, net, a.Local().Addr)
	requireMembers(t, []uuid.UUID{a.Local().ID, b.Local().ID, c.Local().ID}, a, b, c)

	require.NoError(t, b.Leave(context.Background()))
	requireMembers(t, []uuid.UUID{a.Local().ID, c.Local().ID}, a, c)

	require.NoError(t, a.Leave(context.Background()))
	requireMembers(t, []uuid.UUID{c.Local().ID}, c)
	assert.True(t, c.Topology().IsCoordinator(c.Local().ID))
}

func TestConfig_Validate(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	cfg.NodeTimeout = cfg.HeartbeatInterval
	assert.Error(t, cfg.Validate())
}
