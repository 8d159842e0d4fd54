package memory

import (
	"context"
	"sync"
	"time"

	"voxhub/internal/core/domain"
)

// PresenceStore is the single-instance fallback used when redis is disabled.
// It holds snapshots in memory with the same TTL semantics as the redis
// store.
type PresenceStore struct {
	mu        sync.RWMutex
	snapshots map[string]domain.InstanceSnapshot
	ttl       time.Duration
}

func NewPresenceStore(ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &PresenceStore{
		snapshots: make(map[string]domain.InstanceSnapshot),
		ttl:       ttl,
	}
}

func (s *PresenceStore) Publish(_ context.Context, snapshot domain.InstanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.InstanceID] = snapshot
	return nil
}

func (s *PresenceStore) ListInstances(_ context.Context) ([]domain.InstanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-s.ttl)
	out := make([]domain.InstanceSnapshot, 0, len(s.snapshots))
	for _, snapshot := range s.snapshots {
		if snapshot.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, snapshot)
	}
	return out, nil
}
