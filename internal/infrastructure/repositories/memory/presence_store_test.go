package memory

import (
	"context"
	"testing"
	"time"

	"voxhub/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceStorePublishAndList(t *testing.T) {
	store := NewPresenceStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Publish(ctx, domain.InstanceSnapshot{
		InstanceID: "hub-1",
		Stats:      domain.HubStats{Rooms: 2, Peers: 5},
		UpdatedAt:  time.Now(),
	}))
	require.NoError(t, store.Publish(ctx, domain.InstanceSnapshot{
		InstanceID: "hub-2",
		Stats:      domain.HubStats{Rooms: 1, Peers: 1},
		UpdatedAt:  time.Now(),
	}))

	instances, err := store.ListInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestPresenceStoreExpiresStaleSnapshots(t *testing.T) {
	store := NewPresenceStore(50 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Publish(ctx, domain.InstanceSnapshot{
		InstanceID: "hub-1",
		UpdatedAt:  time.Now().Add(-time.Second),
	}))
	require.NoError(t, store.Publish(ctx, domain.InstanceSnapshot{
		InstanceID: "hub-2",
		UpdatedAt:  time.Now(),
	}))

	instances, err := store.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "hub-2", instances[0].InstanceID)
}

func TestPresenceStoreOverwritesSameInstance(t *testing.T) {
	store := NewPresenceStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Publish(ctx, domain.InstanceSnapshot{InstanceID: "hub-1", Stats: domain.HubStats{Peers: 1}, UpdatedAt: time.Now()}))
	require.NoError(t, store.Publish(ctx, domain.InstanceSnapshot{InstanceID: "hub-1", Stats: domain.HubStats{Peers: 7}, UpdatedAt: time.Now()}))

	instances, err := store.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, 7, instances[0].Stats.Peers)
}
