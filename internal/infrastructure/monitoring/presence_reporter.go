package monitoring

import (
	"context"
	"time"

	"voxhub/internal/core/domain"
	"voxhub/internal/core/ports"
	"voxhub/pkg/circuitbreaker"
	"voxhub/pkg/retry"

	"go.uber.org/zap"
)

// PresenceReporter periodically publishes this instance's stats snapshot to
// the presence store and refreshes the prometheus gauges from the same
// snapshot. Publishing goes through a circuit breaker so a down store costs
// one failed call per interval at worst, not a retry storm.
type PresenceReporter struct {
	instanceID string
	sessions   ports.SessionService
	store      ports.PresenceStore   // nil disables publishing
	collector  *PrometheusCollector  // nil disables gauge refresh
	interval   time.Duration
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger
}

func NewPresenceReporter(instanceID string, sessions ports.SessionService, store ports.PresenceStore, collector *PrometheusCollector, interval time.Duration, logger *zap.SugaredLogger) *PresenceReporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PresenceReporter{
		instanceID: instanceID,
		sessions:   sessions,
		store:      store,
		collector:  collector,
		interval:   interval,
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
		logger:     logger,
	}
}

// Run publishes until the context is cancelled. Blocks; run it in its own
// goroutine.
func (r *PresenceReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.report(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *PresenceReporter) report(ctx context.Context) {
	stats := r.sessions.Stats()

	if r.collector != nil {
		r.collector.UpdateHubStats(stats)
	}

	if r.store == nil {
		return
	}

	snapshot := domain.InstanceSnapshot{
		InstanceID: r.instanceID,
		Stats:      stats,
		UpdatedAt:  time.Now(),
	}

	err := r.breaker.Execute(func() error {
		return retry.Do(ctx, retry.Fixed(2, 200*time.Millisecond), func() error {
			publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return r.store.Publish(publishCtx, snapshot)
		})
	})
	if err != nil {
		r.logger.Warnw("failed to publish presence snapshot",
			"instance_id", r.instanceID, "breaker", r.breaker.State().String(), "error", err)
	}
}
