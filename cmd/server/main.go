package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/internal/cluster"
	"github.com/10yihang/gridcache/internal/cluster/discovery"
	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/engine"
	"github.com/10yihang/gridcache/internal/engine/badger"
	"github.com/10yihang/gridcache/internal/engine/memory"
	"github.com/10yihang/gridcache/internal/logging"
	"github.com/10yihang/gridcache/internal/metrics"
	"github.com/10yihang/gridcache/internal/protocol"
	"github.com/10yihang/gridcache/internal/transport"
)

var (
	version    = "dev"
	configPath = flag.String("config", "", "path to the YAML config file")
)

func main() {
	flag.Parse()

	startupLogger := zap.NewExample()
	cfg, err := newConfig(*configPath, startupLogger)
	if err != nil {
		startupLogger.Fatal("failed to load config", zap.Error(err))
	}
	logger := logging.NewLogger(cfg.Logger, os.Stdout, prometheus.DefaultRegisterer, cfg.Metrics.Namespace)
	defer func() { _ = logger.Sync() }()

	metrics.InitInfo(version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}

	tcp, err := transport.ListenTCP(uuid.New(), cfg.Transport, logger)
	if err != nil {
		logger.Fatal("failed to start cluster transport", zap.Error(err))
	}
	disc := discovery.New(cfg.Discovery, tcp, logger)

	node, err := cluster.New(cfg.Cluster, disc, tcp, store, logger)
	if err != nil {
		logger.Fatal("failed to create cluster node", zap.Error(err))
	}
	node.Start()
	go logPartitionEvents(node, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := disc.Start(ctx); err != nil {
		logger.Fatal("failed to join cluster", zap.Error(err), zap.Strings("seeds", cfg.Discovery.Seeds))
	}
	logger.Info("node joined cluster",
		zap.String("node", node.Local().ID.String()),
		zap.String("addr", node.Local().Addr),
		zap.Uint64("topology_version", uint64(disc.Topology().Version)))

	var exporter *metrics.Exporter
	if cfg.Metrics.Enabled {
		exporter = metrics.NewExporter(cfg.Metrics.Addr, logger)
		if err := exporter.Start(); err != nil {
			logger.Fatal("failed to start metrics exporter", zap.Error(err))
		}
	}

	var admin *protocol.Server
	if cfg.Admin.Enabled {
		admin = protocol.NewServer(cfg.Admin.Addr, protocol.NewHandler(node, store), logger)
		go func() {
			if err := admin.Start(); err != nil {
				logger.Error("admin endpoint stopped", zap.Error(err))
				cancel()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := disc.Leave(shutdownCtx); err != nil {
		logger.Warn("failed to leave cluster", zap.Error(err))
	}
	if admin != nil {
		if err := admin.Stop(); err != nil {
			logger.Warn("failed to stop admin endpoint", zap.Error(err))
		}
	}
	disc.Stop()
	if err := node.Stop(); err != nil {
		logger.Warn("failed to stop cluster node", zap.Error(err))
	}
	if exporter != nil {
		if err := exporter.Stop(shutdownCtx); err != nil {
			logger.Warn("failed to stop metrics exporter", zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		logger.Warn("failed to close storage", zap.Error(err))
	}
}

func openStore(cfg Config, logger *zap.Logger) (engine.PartitionStore, error) {
	if cfg.Storage.Type == "badger" {
		s, err := badger.NewStore(cfg.Storage.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := memory.NewStore(cfg.Cluster.Partitions)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// logPartitionEvents drains the node's partition transitions until the
// topology closes.
func logPartitionEvents(node *cluster.Cluster, logger *zap.Logger) {
	for ev := range node.PartitionEvents() {
		logger.Debug("partition state changed",
			zap.Int("partition", int(ev.Partition)),
			zap.Stringer("from", ev.From),
			zap.Stringer("to", ev.To),
			zap.Uint64("topology_version", uint64(ev.Version)),
			zap.Uint64("seq", ev.Seq),
			zap.String("node", membership.ShortID(node.Local().ID)))
	}
}
