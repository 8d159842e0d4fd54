package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voxhub/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) (bool, error)
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:    name,
		Check:   check,
		Timeout: timeout,
	})
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
		healthy, err := check.Check(checkCtx)
		cancel()

		if err != nil || !healthy {
			status.Status = "unhealthy"
			if err != nil {
				status.Checks[check.Name] = err.Error()
			} else {
				status.Checks[check.Name] = "check failed"
			}
		} else {
			status.Checks[check.Name] = "healthy"
		}
	}

	return status
}

// AddWorkerPoolCheck reports unhealthy when the pool has no workers to hand
// out.
func (h *HealthChecker) AddWorkerPoolCheck(pool ports.WorkerPool, timeout time.Duration) {
	h.AddCheck("media_workers", func(ctx context.Context) (bool, error) {
		if pool.Size() == 0 {
			return false, fmt.Errorf("no media workers")
		}
		return true, nil
	}, timeout)
}

// AddRedisCheck pings the presence store's redis backend.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}
