package protocol

import (
	"context"
	"net"
	"sync"

	"github.com/tidwall/redcon"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Server struct {
	addr     string
	logger   *zap.Logger
	handler  *Handler
	server   *redcon.Server
	listener net.Listener
	clients  atomic.Int64

	mu sync.RWMutex
}

func NewServer(addr string, handler *Handler, logger *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		logger:  logger.Named("admin"),
		handler: handler,
	}
}

// Start serves until Stop. It returns once the listener is closed.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		s.handleAccept,
		s.handleClose,
	)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("admin endpoint listening", zap.String("addr", ln.Addr().String()))
	return srv.Serve(ln)
}

func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

// Clients returns the number of open connections.
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	s.clients.Inc()
	s.logger.Debug("client connected", zap.String("remote", conn.RemoteAddr()))
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	s.clients.Dec()
	s.logger.Debug("client disconnected", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	ctx := context.Background()
	s.handler.Execute(ctx, conn, cmd.Args[0], cmd.Args[1:])

	for _, p := range conn.ReadPipeline() {
		if len(p.Args) == 0 {
			continue
		}
		s.handler.Execute(ctx, conn, p.Args[0], p.Args[1:])
	}
}
