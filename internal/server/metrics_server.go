// Package server exposes the node's HTTP observability surface: Prometheus
// metrics, liveness and readiness.
package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"syscall"
	"time"

	"github.com/kestreldb/kestrel/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessSource answers whether the node can serve traffic.
type ReadinessSource interface {
	// NumVBuckets reports how many partitions the node hosts.
	NumVBuckets() int
}

// MetricsServer serves Prometheus metrics and health probes over HTTP.
type MetricsServer struct {
	httpServer *http.Server
	metrics    *metrics.Metrics
	readiness  ReadinessSource
	logger     *zap.Logger
	dataDir    string
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server.
type MetricsServerConfig struct {
	Port    int
	Path    string
	DataDir string
}

// NewMetricsServer creates a metrics server.
func NewMetricsServer(cfg *MetricsServerConfig, m *metrics.Metrics, ready ReadinessSource, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:   m,
		readiness: ready,
		logger:    logger,
		dataDir:   cfg.DataDir,
		stopChan:  make(chan struct{}),
	}

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)

	return ms
}

// Start starts the metrics server.
func (s *MetricsServer) Start() error {
	s.logger.Info("starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	s.logger.Info("stopping metrics server")
	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

func (s *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	diskUsage, diskAvailable, err := s.getDiskStats()
	if err != nil {
		s.logger.Error("failed to get disk stats", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"not_ready","reason":"disk_stats_unavailable"}`)
		return
	}
	diskUsagePercent := float64(diskUsage) / float64(diskUsage+diskAvailable) * 100
	if diskUsagePercent > 90.0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"not_ready","reason":"disk_full","disk_usage_percent":%.2f}`, diskUsagePercent)
		return
	}
	if s.readiness != nil && s.readiness.NumVBuckets() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"not_ready","reason":"no_vbuckets"}`)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ready","timestamp":"%s","disk_usage_percent":%.2f}`,
		time.Now().Format(time.RFC3339), diskUsagePercent)
}

func (s *MetricsServer) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *MetricsServer) updateSystemMetrics() {
	diskUsage, diskAvailable, err := s.getDiskStats()
	if err != nil {
		s.logger.Error("failed to get disk stats", zap.Error(err))
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(diskUsage, diskAvailable, int64(memStats.Alloc), runtime.NumGoroutine())
}

func (s *MetricsServer) getDiskStats() (used int64, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.dataDir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	available = int64(stat.Bavail) * int64(stat.Bsize)
	total := int64(stat.Blocks) * int64(stat.Bsize)
	used = total - int64(stat.Bfree)*int64(stat.Bsize)
	return used, available, nil
}
