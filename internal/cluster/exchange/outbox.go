package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/transport"
	"github.com/10yihang/gridcache/pkg/queue"
)

type outgoing struct {
	ctx context.Context
	msg *transport.Message
}

// outbox sends messages to each peer in order from one goroutine per peer,
// so the exchange worker never blocks on the network.
type outbox struct {
	transport transport.Transport
	logger    *zap.Logger
	timeout   time.Duration
	onFailure func(id uuid.UUID, err error)

	mu     sync.Mutex
	peers  map[uuid.UUID]*queue.Unbounded[outgoing]
	closed bool
	wg     sync.WaitGroup
}

func newOutbox(t transport.Transport, timeout time.Duration, logger *zap.Logger, onFailure func(uuid.UUID, error)) *outbox {
	return &outbox{
		transport: t,
		logger:    logger,
		timeout:   timeout,
		onFailure: onFailure,
		peers:     make(map[uuid.UUID]*queue.Unbounded[outgoing]),
	}
}

func (o *outbox) send(ctx context.Context, to uuid.UUID, msg *transport.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	q, ok := o.peers[to]
	if !ok {
		q = queue.NewUnbounded[outgoing]()
		o.peers[to] = q
		o.wg.Add(1)
		go o.drain(to, q)
	}
	q.Push(outgoing{ctx: ctx, msg: msg})
}

func (o *outbox) drain(to uuid.UUID, q *queue.Unbounded[outgoing]) {
	defer o.wg.Done()
	for out := range q.Out() {
		if out.ctx.Err() != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(out.ctx, o.timeout)
		err := o.transport.Send(ctx, to, out.msg)
		cancel()
		if err != nil && out.ctx.Err() == nil {
			o.logger.Warn("failed to send exchange message",
				zap.String("to", membership.ShortID(to)),
				zap.Stringer("type", out.msg.Type),
				zap.Error(err))
			o.onFailure(to, err)
		}
	}
}

// retain drops the queues of peers that left the topology.
func (o *outbox) retain(top membership.Topology) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, q := range o.peers {
		if !top.Contains(id) {
			q.Close()
			delete(o.peers, id)
		}
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	for id, q := range o.peers {
		q.Close()
		delete(o.peers, id)
	}
	o.mu.Unlock()
	o.wg.Wait()
}
