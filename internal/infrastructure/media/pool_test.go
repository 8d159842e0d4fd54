package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"voxhub/internal/core/domain"
	"voxhub/internal/infrastructure/media/mediatest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T) (*Pool, *mediatest.Engine) {
	t.Helper()
	engine := mediatest.NewEngine()
	pool := NewPool(engine, 5*time.Millisecond, zap.NewNop().Sugar())
	t.Cleanup(func() { pool.Close() })
	return pool, engine
}

func TestPoolInit(t *testing.T) {
	pool, engine := newTestPool(t)

	require.NoError(t, pool.Init(context.Background(), 3))
	assert.Equal(t, 3, pool.Size())
	assert.Len(t, engine.Workers(), 3)
}

func TestPoolInitRejectsZeroWorkers(t *testing.T) {
	pool, _ := newTestPool(t)
	assert.Error(t, pool.Init(context.Background(), 0))
}

func TestPoolInitFailureTearsDown(t *testing.T) {
	pool, engine := newTestPool(t)

	// Second worker fails, so startup fails as a whole and the first worker
	// is shut down again.
	engine.FailWorkerAt(1, errors.New("no ports left"))

	err := pool.Init(context.Background(), 3)
	require.Error(t, err)
	assert.Equal(t, 0, pool.Size())

	workers := engine.Workers()
	require.Len(t, workers, 1)
	assert.True(t, workers[0].Closed())
}

func TestPoolRoundRobin(t *testing.T) {
	pool, _ := newTestPool(t)
	require.NoError(t, pool.Init(context.Background(), 3))

	var order []domain.WorkerID
	for i := 0; i < 6; i++ {
		w, err := pool.Next()
		require.NoError(t, err)
		order = append(order, w.ID())
	}

	assert.Equal(t, order[0], order[3])
	assert.Equal(t, order[1], order[4])
	assert.Equal(t, order[2], order[5])
	assert.NotEqual(t, order[0], order[1])
	assert.NotEqual(t, order[1], order[2])
}

func TestPoolNextWithoutInit(t *testing.T) {
	pool, _ := newTestPool(t)
	_, err := pool.Next()
	assert.ErrorIs(t, err, domain.ErrNoWorkers)
}

func TestPoolReplacesDeadWorker(t *testing.T) {
	pool, engine := newTestPool(t)
	require.NoError(t, pool.Init(context.Background(), 2))

	died := make(chan domain.WorkerID, 1)
	pool.OnWorkerDied(func(id domain.WorkerID) { died <- id })

	victim := engine.Workers()[0]
	victim.Kill()

	select {
	case id := <-died:
		assert.Equal(t, victim.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("death callback never fired")
	}

	// The slot gets a substitute after the backoff.
	require.Eventually(t, func() bool {
		return len(engine.Workers()) == 3
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		w, err := pool.Next()
		if err != nil {
			return false
		}
		select {
		case <-w.Died():
			return false
		default:
			return true
		}
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, pool.Size())
}

func TestPoolCloseStopsHandout(t *testing.T) {
	pool, _ := newTestPool(t)
	require.NoError(t, pool.Init(context.Background(), 1))
	require.NoError(t, pool.Close())

	_, err := pool.Next()
	assert.ErrorIs(t, err, domain.ErrPoolClosed)
}
