package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Exporter exposes metrics via HTTP
type Exporter struct {
	addr      string
	logger    *zap.Logger
	collector *Collector
	server    *http.Server

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewExporter creates a metrics exporter
func NewExporter(addr string, logger *zap.Logger) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Exporter{
		addr:      addr,
		logger:    logger.Named("metrics"),
		collector: NewCollector(),
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		stopCh: make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (e *Exporter) Start() error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		e.collector.Collect()
		for {
			select {
			case <-ticker.C:
				e.collector.Collect()
			case <-e.stopCh:
				return
			}
		}
	}()

	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	e.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop stops the exporter
func (e *Exporter) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	return e.server.Shutdown(ctx)
}
