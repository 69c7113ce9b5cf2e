package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestreldb/kestrel/internal/cluster"
	"github.com/kestreldb/kestrel/internal/config"
	"github.com/kestreldb/kestrel/internal/engine"
	"github.com/kestreldb/kestrel/internal/kvstore"
	"github.com/kestreldb/kestrel/internal/metrics"
	"github.com/kestreldb/kestrel/internal/model"
	"github.com/kestreldb/kestrel/internal/server"
	"github.com/kestreldb/kestrel/internal/vbucket"
	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("num_vbuckets", cfg.Engine.NumVBuckets),
		zap.String("eviction_policy", cfg.Engine.EvictionPolicy))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	var mx *metrics.Metrics
	if cfg.Metrics.Enabled {
		mx = metrics.NewMetrics(cfg.Server.NodeID)
	}

	store, err := kvstore.NewPebbleStore(cfg.Storage.DataDir, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}

	eng := engine.New(cfg, store, vbucket.Callbacks{}, logger, mx)

	// A standalone node owns every partition as active. In a cluster the
	// orchestrator reassigns states after the node joins.
	for i := 0; i < cfg.Engine.NumVBuckets; i++ {
		if _, err := eng.CreateVBucket(model.VBucketID(i), model.VBActive); err != nil {
			logger.Fatal("failed to create vbucket",
				zap.Int("vbucket", i), zap.Error(err))
		}
	}
	eng.Start()

	var gossip *cluster.Gossip
	if cfg.Gossip.Enabled {
		gossip, err = cluster.NewGossip(cfg.Gossip, cfg.Server.NodeID, logger, mx)
		if err != nil {
			logger.Fatal("failed to start gossip", zap.Error(err))
		}
		go publishVitals(eng, gossip)
	}

	var metricsSrv *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsSrv = server.NewMetricsServer(&server.MetricsServerConfig{
			Port:    cfg.Metrics.Port,
			Path:    cfg.Metrics.Path,
			DataDir: cfg.Storage.DataDir,
		}, mx, eng, logger)
		if err := metricsSrv.Start(); err != nil {
			logger.Fatal("failed to start metrics server", zap.Error(err))
		}
	}

	logger.Info("kestrel node started", zap.String("node_id", cfg.Server.NodeID))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	if metricsSrv != nil {
		if err := metricsSrv.Stop(); err != nil {
			logger.Error("metrics server stop failed", zap.Error(err))
		}
	}
	if gossip != nil {
		if err := gossip.Shutdown(); err != nil {
			logger.Error("gossip shutdown failed", zap.Error(err))
		}
	}
	eng.Stop()
}

// publishVitals feeds the engine's replication progress into gossip.
func publishVitals(eng *engine.Engine, gossip *cluster.Gossip) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		var seqnoSum uint64
		active := 0
		for _, s := range eng.Stats() {
			seqnoSum += s.HighSeqno
			if s.State == model.VBActive.String() {
				active++
			}
		}
		gossip.UpdateVitals(active, seqnoSum)
	}
}

func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = level
	return zapCfg.Build()
}
