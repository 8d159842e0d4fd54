package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"voxhub/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const (
	instanceKeyPrefix = "voxhub:instance:"
	instanceSetKey    = "voxhub:instances"
)

// PresenceStore keeps per-instance stats snapshots in redis so a cluster of
// hubs can see each other. Snapshots expire on their own; an instance that
// stops publishing disappears from the cluster view after the TTL.
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPresenceStore(client *redis.Client, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &PresenceStore{client: client, ttl: ttl}
}

func (s *PresenceStore) Publish(ctx context.Context, snapshot domain.InstanceSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal instance snapshot: %w", err)
	}

	key := instanceKeyPrefix + snapshot.InstanceID
	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, data, s.ttl)
	pipe.SAdd(ctx, instanceSetKey, snapshot.InstanceID)
	pipe.Expire(ctx, instanceSetKey, s.ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish instance snapshot: %w", err)
	}
	return nil
}

func (s *PresenceStore) ListInstances(ctx context.Context) ([]domain.InstanceSnapshot, error) {
	ids, err := s.client.SMembers(ctx, instanceSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	snapshots := make([]domain.InstanceSnapshot, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, instanceKeyPrefix+id).Bytes()
		if err == redis.Nil {
			// Snapshot expired; drop the stale set member.
			s.client.SRem(ctx, instanceSetKey, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read instance %s: %w", id, err)
		}

		var snapshot domain.InstanceSnapshot
		if err := json.Unmarshal(data, &snapshot); err != nil {
			continue
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}
