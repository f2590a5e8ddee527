package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/10yihang/gridcache/pkg/errors"
	"github.com/10yihang/gridcache/pkg/queue"
)

// Filter decides whether a message is delivered. Returning false drops it
// silently, as a lossy network would.
type Filter func(from, to uuid.UUID, msg *Message) bool

// Network is an in-process network of endpoints. Messages are encoded and
// decoded on the way through so receivers never share memory with senders.
type Network struct {
	mu        sync.RWMutex
	endpoints map[uuid.UUID]*Endpoint
	byAddr    map[string]*Endpoint
	isolated  map[uuid.UUID]bool
	filter    Filter
}

func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[uuid.UUID]*Endpoint),
		byAddr:    make(map[string]*Endpoint),
		isolated:  make(map[uuid.UUID]bool),
	}
}

// Endpoint attaches a node to the network.
func (n *Network) Endpoint(id uuid.UUID, addr string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{
		network: n,
		id:      id,
		addr:    addr,
		inbox:   queue.NewUnbounded[*Message](),
	}
	n.endpoints[id] = ep
	n.byAddr[addr] = ep
	return ep
}

// Isolate makes a node unreachable in both directions.
func (n *Network) Isolate(id uuid.UUID) {
	n.mu.Lock()
	n.isolated[id] = true
	n.mu.Unlock()
}

func (n *Network) Heal(id uuid.UUID) {
	n.mu.Lock()
	delete(n.isolated, id)
	n.mu.Unlock()
}

// SetFilter installs f; nil removes it.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

func (n *Network) deliver(from uuid.UUID, target *Endpoint, msg *Message) error {
	n.mu.RLock()
	isolated := n.isolated[from] || n.isolated[target.id]
	filter := n.filter
	n.mu.RUnlock()

	if isolated {
		return &errors.TransportFailure{Node: target.id, Err: errors.ErrUnreachable}
	}
	if filter != nil && !filter(from, target.id, msg) {
		return nil
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	copied, err := Decode(data)
	if err != nil {
		return err
	}
	if !target.inbox.Push(copied) {
		return &errors.TransportFailure{Node: target.id, Err: errors.ErrClosed}
	}
	return nil
}

func (n *Network) lookup(id uuid.UUID) (*Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.endpoints[id]
	return ep, ok
}

func (n *Network) lookupAddr(addr string) (*Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.byAddr[addr]
	return ep, ok
}

func (n *Network) detach(ep *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[ep.id] == ep {
		delete(n.endpoints, ep.id)
	}
	if n.byAddr[ep.addr] == ep {
		delete(n.byAddr, ep.addr)
	}
}

// Endpoint is one node's attachment to a Network. It implements Transport.
type Endpoint struct {
	network *Network
	id      uuid.UUID
	addr    string
	inbox   *queue.Unbounded[*Message]

	closeOnce sync.Once
}

func (e *Endpoint) LocalID() uuid.UUID {
	return e.id
}

func (e *Endpoint) Addr() string {
	return e.addr
}

func (e *Endpoint) Send(ctx context.Context, to uuid.UUID, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, ok := e.network.lookup(to)
	if !ok {
		return &errors.TransportFailure{Node: to, Err: errors.ErrUnreachable}
	}
	msg.Sender = e.id
	return e.network.deliver(e.id, target, msg)
}

func (e *Endpoint) SendAddr(ctx context.Context, addr string, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, ok := e.network.lookupAddr(addr)
	if !ok {
		return &errors.TransportFailure{Err: fmt.Errorf("address %s: %w", addr, errors.ErrUnreachable)}
	}
	msg.Sender = e.id
	return e.network.deliver(e.id, target, msg)
}

// Register is a no-op; the network resolves peers by id.
func (e *Endpoint) Register(uuid.UUID, string) {}

func (e *Endpoint) Forget(uuid.UUID) {}

func (e *Endpoint) Inbound() <-chan *Message {
	return e.inbox.Out()
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.network.detach(e)
		e.inbox.Close()
	})
	return nil
}

var _ Transport = (*Endpoint)(nil)
