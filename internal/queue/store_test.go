package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rephlax/clutchcrew/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewStore(Limits{MinSkill: 0, MaxSkill: 5000, MaxPartySize: 2}, WithClock(clock.Now))
	return store, clock
}

func request(playerID string, skill int, mode string) models.MatchRequest {
	return models.MatchRequest{PlayerID: playerID, SkillRating: skill, PartySize: 1, GameMode: mode}
}

func TestStore_EnqueueValidation(t *testing.T) {
	store, _ := setupStore(t)

	tests := []struct {
		name string
		req  models.MatchRequest
	}{
		{"missing player", models.MatchRequest{SkillRating: 1000, PartySize: 1, GameMode: "A"}},
		{"missing mode", models.MatchRequest{PlayerID: "p", SkillRating: 1000, PartySize: 1}},
		{"zero party", models.MatchRequest{PlayerID: "p", SkillRating: 1000, GameMode: "A"}},
		{"negative party", models.MatchRequest{PlayerID: "p", SkillRating: 1000, PartySize: -1, GameMode: "A"}},
		{"party larger than session", models.MatchRequest{PlayerID: "p", SkillRating: 1000, PartySize: 3, GameMode: "A"}},
		{"skill too low", models.MatchRequest{PlayerID: "p", SkillRating: -1, PartySize: 1, GameMode: "A"}},
		{"skill too high", models.MatchRequest{PlayerID: "p", SkillRating: 5001, PartySize: 1, GameMode: "A"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Enqueue(tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, uint64(0), store.Version())
}

func TestStore_UnknownGameMode(t *testing.T) {
	store := NewStore(Limits{MaxSkill: 5000, GameModes: []string{"ranked"}})

	_, err := store.Enqueue(request("p1", 1000, "casual"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = store.Enqueue(request("p1", 1000, "ranked"))
	assert.NoError(t, err)
}

func TestStore_EnqueueReplacesPriorRequest(t *testing.T) {
	store, clock := setupStore(t)

	prior, err := store.Enqueue(request("p1", 1000, "A"))
	require.NoError(t, err)
	assert.Nil(t, prior)

	first, err := store.Get("p1")
	require.NoError(t, err)

	clock.Advance(time.Second)
	for i := 0; i < 5; i++ {
		prior, err = store.Enqueue(request("p1", 1100+i, "A"))
		require.NoError(t, err)
		require.NotNil(t, prior)
	}

	assert.Equal(t, 1, store.Len(), "only the latest request is live")
	live, err := store.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, 1104, live.SkillRating)
	assert.NotEqual(t, first.RequestID, live.RequestID)
	assert.Equal(t, 1103, prior.SkillRating)
}

func TestStore_WithdrawTwice(t *testing.T) {
	store, _ := setupStore(t)

	_, err := store.Enqueue(request("p1", 1000, "A"))
	require.NoError(t, err)

	removed, err := store.Withdraw("p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", removed.PlayerID)

	_, err = store.Withdraw("p1")
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestStore_VersionIsMonotonic(t *testing.T) {
	store, _ := setupStore(t)

	v0 := store.Version()
	_, _ = store.Enqueue(request("p1", 1000, "A"))
	v1 := store.Version()
	_, _ = store.Withdraw("p1")
	v2 := store.Version()
	_, _ = store.Withdraw("p1")
	v3 := store.Version()

	assert.Greater(t, v1, v0)
	assert.Greater(t, v2, v1)
	assert.Equal(t, v2, v3, "failed withdraw does not change version")

	select {
	case <-store.Changes():
	default:
		t.Fatal("expected change signal")
	}
}

func TestStore_SnapshotIsIsolated(t *testing.T) {
	store, clock := setupStore(t)

	_, _ = store.Enqueue(request("p1", 1000, "A"))
	clock.Advance(time.Second)
	_, _ = store.Enqueue(request("p2", 1010, "A"))
	clock.Advance(2 * time.Second)

	snap := store.Snapshot()
	require.Equal(t, 2, snap.Len())
	assert.Equal(t, "p1", snap.Requests[0].PlayerID)
	assert.Equal(t, 3*time.Second, snap.Requests[0].WaitCredit)
	assert.Equal(t, 2*time.Second, snap.Requests[1].WaitCredit)

	_, _ = store.Withdraw("p1")
	_, _ = store.Enqueue(request("p3", 900, "A"))

	assert.Equal(t, 2, snap.Len())
	assert.Equal(t, "p1", snap.Requests[0].PlayerID)
}

func TestStore_RequeueAddsElapsedCredit(t *testing.T) {
	store, clock := setupStore(t)

	_, _ = store.Enqueue(request("p1", 1000, "A"))
	_, _ = store.Enqueue(request("p2", 1000, "A"))
	clock.Advance(5 * time.Second)

	snap := store.Snapshot()
	clock.Advance(time.Second)

	_, _ = store.Withdraw("p2")
	updated := store.Requeue(snap.Requests)
	assert.Equal(t, 1, updated)

	live, err := store.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, live.WaitCredit)

	_, err = store.Get("p2")
	assert.ErrorIs(t, err, ErrNotQueued, "withdrawn request must not be resurrected")
}

func TestStore_RequeueSkipsReplacedRequest(t *testing.T) {
	store, clock := setupStore(t)

	_, _ = store.Enqueue(request("p1", 1000, "A"))
	clock.Advance(5 * time.Second)
	snap := store.Snapshot()

	_, _ = store.Enqueue(request("p1", 2000, "A"))
	assert.Equal(t, 0, store.Requeue(snap.Requests))

	live, _ := store.Get("p1")
	assert.Equal(t, 2000, live.SkillRating)
	assert.Equal(t, time.Duration(0), live.WaitCredit)
}

func TestStore_RestorePreservesCredit(t *testing.T) {
	store, clock := setupStore(t)

	_, _ = store.Enqueue(request("p1", 1000, "A"))
	_, _ = store.Enqueue(request("p2", 1000, "A"))
	clock.Advance(10 * time.Second)
	snap := store.Snapshot()
	store.Remove("p1", "p2")
	assert.Equal(t, 0, store.Len())

	_, _ = store.Enqueue(request("p2", 1500, "A"))
	restored := store.Restore(snap.Requests)
	require.Len(t, restored, 1)

	p1, err := store.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, p1.WaitCredit)

	p2, _ := store.Get("p2")
	assert.Equal(t, 1500, p2.SkillRating, "newer enqueue wins over restore")
}

func TestStore_ExpireOlderThan(t *testing.T) {
	store, clock := setupStore(t)

	_, _ = store.Enqueue(request("old", 1000, "A"))
	clock.Advance(time.Minute)
	_, _ = store.Enqueue(request("new", 1000, "A"))
	clock.Advance(30 * time.Second)

	expired := store.ExpireOlderThan(time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].PlayerID)
	assert.Equal(t, 1, store.Len())
	assert.Nil(t, store.ExpireOlderThan(0))
}

func TestStore_RestoredRequestExpiresFromRestore(t *testing.T) {
	store, clock := setupStore(t)

	_, _ = store.Enqueue(request("p1", 1000, "A"))
	snap := store.Snapshot()
	store.Remove("p1")

	// 세션에 묶여 있던 시간
	clock.Advance(2 * time.Minute)
	require.Len(t, store.Restore(snap.Requests), 1)

	assert.Empty(t, store.ExpireOlderThan(time.Minute), "time spent seated does not count")

	p1, err := store.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, snap.Requests[0].QueuedAt, p1.QueuedAt, "queue order is kept")

	clock.Advance(61 * time.Second)
	expired := store.ExpireOlderThan(time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, "p1", expired[0].PlayerID)
}

func TestStore_Position(t *testing.T) {
	store, clock := setupStore(t)

	_, _ = store.Enqueue(request("a1", 1000, "A"))
	clock.Advance(time.Millisecond)
	_, _ = store.Enqueue(request("b1", 1000, "B"))
	clock.Advance(time.Millisecond)
	_, _ = store.Enqueue(request("a2", 1000, "A"))

	status, err := store.Position("a2")
	require.NoError(t, err)
	assert.Equal(t, 2, status.Position)
	assert.Equal(t, 2, status.Total)

	status, err = store.Position("b1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Position)
	assert.Equal(t, 1, status.Total)

	_, err = store.Position("zz")
	assert.ErrorIs(t, err, ErrNotQueued)

	all := store.Positions()
	assert.Len(t, all, 3)
}

func TestStore_ConcurrentEnqueue(t *testing.T) {
	store := NewStore(Limits{MaxSkill: 5000, MaxPartySize: 4})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = store.Enqueue(request(fmt.Sprintf("p%d", i%20), 1000+w, "A"))
				_ = store.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 20, store.Len())
}
