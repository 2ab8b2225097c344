package distributed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rephlax/clutchcrew/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDispatchQueue_PriorityOrder(t *testing.T) {
	client := setupRedis(t)
	queue := NewDispatchQueue(client, "game:sessions", 0)
	ctx := context.Background()

	jobs := []*DispatchJob{
		{ID: "low", Priority: 10, MaxRetries: 3},
		{ID: "high", Priority: 200, MaxRetries: 3},
		{ID: "mid", Priority: 100, MaxRetries: 3},
	}
	for _, j := range jobs {
		require.NoError(t, queue.Enqueue(ctx, j))
	}

	for _, want := range []string{"high", "mid", "low"} {
		job, err := queue.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, job.ID)
	}

	_, err := queue.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrQueueEmpty)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.QueueSize)
	assert.Equal(t, int64(3), stats.ProcessingCount)
}

func TestDispatchQueue_RetryThenDLQ(t *testing.T) {
	client := setupRedis(t)
	queue := NewDispatchQueue(client, "game:sessions", 0)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, &DispatchJob{ID: "j1", Priority: 100, MaxRetries: 2}))

	job, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, queue.Retry(ctx, job))

	job, err = queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Retries)
	assert.Equal(t, 90, job.Priority)

	require.NoError(t, queue.Retry(ctx, job))

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.QueueSize)
	assert.Equal(t, int64(0), stats.ProcessingCount)
	assert.Equal(t, int64(1), stats.DLQSize)
}

func TestDispatchQueue_MaxSize(t *testing.T) {
	client := setupRedis(t)
	queue := NewDispatchQueue(client, "small", 1)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, &DispatchJob{ID: "a"}))
	assert.ErrorIs(t, queue.Enqueue(ctx, &DispatchJob{ID: "b"}), ErrQueueFull)
}

func TestGameChannel_TeardownBeforeInstantiate(t *testing.T) {
	client := setupRedis(t)
	queue := NewDispatchQueue(client, "game:sessions", 0)
	channel := NewGameChannel(queue, 3)
	ctx := context.Background()

	require.NoError(t, channel.InstantiateMatch(ctx, models.SessionFormed{SessionID: "s1", Members: []string{"p1", "p2"}, GameMode: "A"}))
	require.NoError(t, channel.TeardownMatch(ctx, models.SessionClosedEvent{SessionID: "s0", Reason: models.CloseTimeout}))

	first, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobTeardown, first.Kind)
	require.NotNil(t, first.Closed)
	assert.Equal(t, models.CloseTimeout, first.Closed.Reason)

	second, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobInstantiate, second.Kind)
	require.NotNil(t, second.Formed)
	assert.Equal(t, []string{"p1", "p2"}, second.Formed.Members)
}

func TestGameEventBus_PublishSubscribe(t *testing.T) {
	client := setupRedis(t)
	bus := NewGameEventBus(client, "", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []models.GameEvent
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, func(_ context.Context, ev models.GameEvent) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ev)
			return nil
		})
	}()

	// 구독이 자리 잡을 때까지 재발행
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, models.GameEvent{Type: models.GameStarted, SessionID: "s1"})
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, models.GameStarted, got[0].Type)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.False(t, got[0].Timestamp.IsZero())
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
