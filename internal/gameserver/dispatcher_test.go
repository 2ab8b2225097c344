package gameserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rephlax/clutchcrew/internal/models"
	"github.com/rephlax/clutchcrew/pkg/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

type dispatchFixture struct {
	client     *fake.Clientset
	queue      *distributed.DispatchQueue
	channel    *distributed.GameChannel
	dispatcher *Dispatcher
}

func setupDispatcher(t *testing.T) *dispatchFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client := fake.NewSimpleClientset()
	queue := distributed.NewDispatchQueue(rdb, "game:sessions", 0)
	launcher := NewLauncher(client, testNamespace, "game:1", zap.NewNop())

	return &dispatchFixture{
		client:     client,
		queue:      queue,
		channel:    distributed.NewGameChannel(queue, 3),
		dispatcher: NewDispatcher(queue, launcher, 0, zap.NewNop()),
	}
}

func (f *dispatchFixture) stats(t *testing.T) *distributed.QueueStats {
	t.Helper()
	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	return stats
}

func TestDispatcher_InstantiateThenTeardown(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()

	require.NoError(t, f.channel.InstantiateMatch(ctx, formed("s1")))

	processed, err := f.dispatcher.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	_, err = f.client.BatchV1().Jobs(testNamespace).Get(ctx, JobName("s1"), metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.stats(t).ProcessingCount, "completed job leaves processing")

	require.NoError(t, f.channel.TeardownMatch(ctx, models.SessionClosedEvent{SessionID: "s1", Reason: models.CloseCompleted}))
	processed, err = f.dispatcher.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	jobs, err := f.client.BatchV1().Jobs(testNamespace).List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs.Items)

	processed, err = f.dispatcher.ProcessNext(ctx)
	assert.NoError(t, err)
	assert.False(t, processed, "queue is empty")
}

func TestDispatcher_RetriesThenDeadLetters(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()

	f.client.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("api server unavailable")
	})

	require.NoError(t, f.channel.InstantiateMatch(ctx, formed("s1")))

	// maxRetries 3: 두 번은 다시 큐로, 세 번째는 DLQ
	for attempt := 1; attempt <= 3; attempt++ {
		processed, err := f.dispatcher.ProcessNext(ctx)
		assert.True(t, processed)
		assert.Error(t, err, "attempt %d", attempt)
	}

	stats := f.stats(t)
	assert.Equal(t, int64(0), stats.QueueSize)
	assert.Equal(t, int64(0), stats.ProcessingCount)
	assert.Equal(t, int64(1), stats.DLQSize)
}

func TestDispatcher_MalformedJobGoesStraightToDLQ(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, &distributed.DispatchJob{
		ID:         "broken",
		Kind:       distributed.JobInstantiate,
		MaxRetries: 3,
	}))

	processed, err := f.dispatcher.ProcessNext(ctx)
	assert.True(t, processed)
	assert.ErrorIs(t, err, ErrMalformedJob)

	stats := f.stats(t)
	assert.Equal(t, int64(0), stats.QueueSize)
	assert.Equal(t, int64(1), stats.DLQSize)
}

func TestDispatcher_RunDrainsQueue(t *testing.T) {
	f := setupDispatcher(t)
	f.dispatcher.poll = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	for _, id := range []string{"s1", "s2"} {
		require.NoError(t, f.channel.InstantiateMatch(ctx, formed(id)))
	}

	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Run(ctx) }()

	require.Eventually(t, func() bool {
		jobs, err := f.client.BatchV1().Jobs(testNamespace).List(context.Background(), metav1.ListOptions{})
		return err == nil && len(jobs.Items) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
