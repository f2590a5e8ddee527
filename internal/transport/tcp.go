package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/pkg/errors"
	"github.com/10yihang/gridcache/pkg/queue"
)

// TCP sends length-prefixed frames over one outbound connection per peer
// address. Inbound connections are read-only, so per-pair ordering follows
// from a single writer per connection.
type TCP struct {
	id     uuid.UUID
	cfg    Config
	logger *zap.Logger

	listener net.Listener
	addr     string
	inbox    *queue.Unbounded[*Message]

	mu      sync.Mutex
	peers   map[uuid.UUID]string
	conns   map[string]*peerConn
	inbound map[net.Conn]struct{}
	closed  bool

	wg sync.WaitGroup
}

type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// ListenTCP binds the cluster listener and starts accepting peers.
func ListenTCP(id uuid.UUID, cfg Config, logger *zap.Logger) (*TCP, error) {
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "listen on %s", cfg.BindAddr)
	}
	addr := cfg.AdvertiseAddr
	if addr == "" {
		addr = ln.Addr().String()
	}

	t := &TCP{
		id:       id,
		cfg:      cfg,
		logger:   logger.Named("transport"),
		listener: ln,
		addr:     addr,
		inbox:    queue.NewUnbounded[*Message](),
		peers:    make(map[uuid.UUID]string),
		conns:    make(map[string]*peerConn),
		inbound:  make(map[net.Conn]struct{}),
	}
	t.logger.Info("cluster transport listening", zap.String("addr", ln.Addr().String()), zap.String("advertise", addr))

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *TCP) LocalID() uuid.UUID {
	return t.id
}

func (t *TCP) Addr() string {
	return t.addr
}

func (t *TCP) Register(id uuid.UUID, addr string) {
	if id == t.id || addr == "" {
		return
	}
	t.mu.Lock()
	t.peers[id] = addr
	t.mu.Unlock()
}

func (t *TCP) Forget(id uuid.UUID) {
	t.mu.Lock()
	addr, ok := t.peers[id]
	delete(t.peers, id)
	pc := t.conns[addr]
	delete(t.conns, addr)
	t.mu.Unlock()

	if ok && pc != nil {
		pc.close()
	}
}

func (t *TCP) Send(ctx context.Context, to uuid.UUID, msg *Message) error {
	t.mu.Lock()
	addr, ok := t.peers[to]
	t.mu.Unlock()
	if !ok {
		return &errors.TransportFailure{Node: to, Err: pkgerrors.Wrap(errors.ErrUnknownNode, "no address")}
	}
	if err := t.send(ctx, addr, msg); err != nil {
		return &errors.TransportFailure{Node: to, Err: err}
	}
	return nil
}

func (t *TCP) SendAddr(ctx context.Context, addr string, msg *Message) error {
	if err := t.send(ctx, addr, msg); err != nil {
		return &errors.TransportFailure{Err: pkgerrors.Wrapf(err, "address %s", addr)}
	}
	return nil
}

func (t *TCP) send(ctx context.Context, addr string, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.Sender = t.id
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if len(data) > t.cfg.MaxFrameSize {
		return fmt.Errorf("%s message of %d bytes exceeds frame limit %d", msg.Type, len(data), t.cfg.MaxFrameSize)
	}

	pc, err := t.conn(ctx, addr)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.conn == nil {
		return errors.ErrClosed
	}
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = pc.conn.SetWriteDeadline(deadline)
	if err := writeFrame(pc.conn, data); err != nil {
		pc.conn.Close()
		pc.conn = nil
		t.drop(addr, pc)
		return pkgerrors.Wrap(err, "write frame")
	}
	return nil
}

func (t *TCP) conn(ctx context.Context, addr string) (*peerConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.ErrClosed
	}
	if pc, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return pc, nil
	}
	t.mu.Unlock()

	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "connect to %s", addr)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		c.Close()
		return nil, errors.ErrClosed
	}
	if pc, ok := t.conns[addr]; ok {
		// Lost a dial race.
		c.Close()
		return pc, nil
	}
	pc := &peerConn{conn: c}
	t.conns[addr] = pc
	return pc, nil
}

func (t *TCP) drop(addr string, pc *peerConn) {
	t.mu.Lock()
	if t.conns[addr] == pc {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TCP) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	for {
		data, err := readFrame(conn, t.cfg.MaxFrameSize)
		if err != nil {
			if err != io.EOF && !isClosedConn(err) {
				t.logger.Debug("peer connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}
		msg, err := Decode(data)
		if err != nil {
			t.logger.Warn("dropping undecodable message", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			continue
		}
		if !t.inbox.Push(msg) {
			return
		}
	}
}

func (t *TCP) Inbound() <-chan *Message {
	return t.inbox.Out()
}

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]*peerConn)
	for c := range t.inbound {
		c.Close()
	}
	t.mu.Unlock()

	err := t.listener.Close()
	for _, pc := range conns {
		pc.close()
	}
	t.wg.Wait()
	t.inbox.Close()
	return err
}

func (pc *peerConn) close() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.conn != nil {
		pc.conn.Close()
		pc.conn = nil
	}
}

func writeFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader, limit int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if int(length) > limit {
		return nil, fmt.Errorf("message too large: %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func isClosedConn(err error) bool {
	return pkgerrors.Is(err, net.ErrClosed)
}

var _ Transport = (*TCP)(nil)
