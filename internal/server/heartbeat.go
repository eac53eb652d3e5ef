package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/realtime/internal/metrics"
)

// HeartbeatMonitor periodically evicts connections that have been silent
// for more than two heartbeat intervals.
type HeartbeatMonitor struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewHeartbeatMonitor sweeps registry every interval. The metrics may be nil.
func NewHeartbeatMonitor(registry *Registry, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		registry: registry,
		interval: interval,
		logger:   logger.Named("heartbeat"),
		metrics:  m,
	}
}

// Run sweeps once per interval until ctx is canceled.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep evicts every stale connection now and returns their ids.
func (h *HeartbeatMonitor) Sweep() []string {
	evicted := h.registry.Sweep(2 * h.interval)
	for range evicted {
		h.metrics.Eviction()
	}
	if len(evicted) > 0 {
		h.logger.Info("evicted stale connections", zap.Int("count", len(evicted)), zap.Strings("conn_ids", evicted))
	}
	return evicted
}
