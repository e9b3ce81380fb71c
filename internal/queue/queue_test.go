package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(target string, lane Lane) Item {
	return Item{Target: target, Lane: lane}
}

func fill(t *testing.T, q *Queue, lane Lane, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, q.Push(context.Background(), item(n, lane)))
	}
}

func popTargets(t *testing.T, q *Queue, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		it, ok := q.TryPop()
		require.True(t, ok, "pop %d", i)
		out = append(out, it.Target)
	}
	return out
}

func TestPushRejectLeavesQueueUnchanged(t *testing.T) {
	q := New(Config{Capacity: 2, Policy: PolicyReject})
	fill(t, q, Normal, "a", "b")

	err := q.Push(context.Background(), item("c", Normal))
	require.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Stats()["normal"].Rejected)
	assert.Equal(t, []string{"a", "b"}, popTargets(t, q, 2))

	// Other lanes are bounded independently.
	require.NoError(t, q.Push(context.Background(), item("h", High)))
}

func TestPushDropOldestEvictsHead(t *testing.T) {
	q := New(Config{Capacity: 3, Policy: PolicyDropOldest})
	var dropped []string
	q.OnDrop(func(it Item) { dropped = append(dropped, it.Target) })

	fill(t, q, Low, "a", "b", "c", "d")

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []string{"a"}, dropped)
	assert.Equal(t, uint64(1), q.Stats()["low"].Dropped)
	assert.Equal(t, []string{"b", "c", "d"}, popTargets(t, q, 3))
}

func TestPushBlockWaitsForRoom(t *testing.T) {
	q := New(Config{Capacity: 1, Policy: PolicyBlock})
	fill(t, q, Normal, "a")

	done := make(chan error, 1)
	go func() { done <- q.Push(context.Background(), item("b", Normal)) }()

	select {
	case <-done:
		t.Fatal("push returned while lane was full")
	case <-time.After(50 * time.Millisecond):
	}

	it, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", it.Target)
	require.NoError(t, <-done)
	assert.Equal(t, 1, q.Len())
}

func TestPushBlockHonoursContext(t *testing.T) {
	q := New(Config{Capacity: 1, Policy: PolicyBlock})
	fill(t, q, Normal, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Push(ctx, item("b", Normal))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, q.Len())
}

func TestWeightedRoundRobin(t *testing.T) {
	q := New(Config{Capacity: 100, Weights: [3]int{4, 2, 1}})
	for i := 0; i < 20; i++ {
		fill(t, q, High, "h")
		fill(t, q, Normal, "n")
		fill(t, q, Low, "l")
	}

	counts := map[string]int{}
	for _, target := range popTargets(t, q, 14) {
		counts[target]++
	}
	assert.Equal(t, map[string]int{"h": 8, "n": 4, "l": 2}, counts)
}

func TestLowLaneNotStarvedUnderHighLoad(t *testing.T) {
	q := New(Config{Capacity: 100})
	fill(t, q, Low, "l")
	for i := 0; i < 50; i++ {
		fill(t, q, High, "h")
	}

	got := popTargets(t, q, 5)
	assert.Contains(t, got, "l")
}

func TestFIFOWithinLane(t *testing.T) {
	q := New(Config{})
	fill(t, q, Normal, "1", "2", "3")
	assert.Equal(t, []string{"1", "2", "3"}, popTargets(t, q, 3))
}

func TestRequeueThenDeadLetter(t *testing.T) {
	q := New(Config{MaxRetries: 2})
	ctx := context.Background()
	cause := errors.New("transient")

	it := item("m", Normal)
	for i := 1; i <= 2; i++ {
		require.NoError(t, q.Requeue(ctx, it, cause))
		popped, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, popped.Retries)
		it = popped
	}

	err := q.Requeue(ctx, it, cause)
	require.ErrorIs(t, err, ErrDeadLettered)
	assert.Equal(t, 0, q.Len())

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Retries)
	assert.Equal(t, cause, dead[0].LastErr)
	assert.Equal(t, uint64(2), q.Stats()["normal"].Requeued)
	assert.Equal(t, uint64(1), q.Stats()["normal"].DeadLettered)
}

func TestPressureLevels(t *testing.T) {
	q := New(Config{Capacity: 10, ElevatedAt: 0.5, CriticalAt: 0.8, Policy: PolicyReject})

	var mu sync.Mutex
	var seen []Level
	q.OnLevelChange(func(lane Lane, from, to Level) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, High, lane)
		seen = append(seen, to)
	})

	for i := 0; i < 8; i++ {
		fill(t, q, High, "h")
	}
	assert.InDelta(t, 0.8, q.Pressure(High), 1e-9)
	assert.Equal(t, LevelCritical, q.Level(High))
	assert.Equal(t, LevelNormal, q.Level(Low))

	q.Drain()
	assert.Equal(t, LevelNormal, q.Level(High))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Level{LevelElevated, LevelCritical, LevelNormal}, seen)
}

func TestCloseWakesPoppers(t *testing.T) {
	q := New(Config{})
	fill(t, q, Normal, "last")

	errc := make(chan error, 1)
	q.Close()
	it, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "last", it.Target)

	go func() {
		_, err := q.Pop(context.Background())
		errc <- err
	}()
	assert.ErrorIs(t, <-errc, ErrClosed)
	assert.ErrorIs(t, q.Push(context.Background(), item("x", Normal)), ErrClosed)
}

func TestDrainReturnsHighFirst(t *testing.T) {
	q := New(Config{})
	fill(t, q, Low, "l")
	fill(t, q, High, "h")
	fill(t, q, Normal, "n")

	var got []string
	for _, it := range q.Drain() {
		got = append(got, it.Target)
	}
	assert.Equal(t, []string{"h", "n", "l"}, got)
	assert.Equal(t, 0, q.Len())
}

func TestPopWhereSkipsBusyTargets(t *testing.T) {
	q := New(Config{})
	fill(t, q, Normal, "a", "a", "b")
	fill(t, q, Low, "c")

	busy := map[string]bool{"a": true}
	ready := func(target string) bool { return !busy[target] }

	it, err := q.PopWhere(context.Background(), ready)
	require.NoError(t, err)
	assert.Equal(t, "b", it.Target)
	it, err = q.PopWhere(context.Background(), ready)
	require.NoError(t, err)
	assert.Equal(t, "c", it.Target)
	assert.Equal(t, 2, q.Len())
}

func TestPopWhereWaitsForNotify(t *testing.T) {
	q := New(Config{})
	fill(t, q, High, "a")

	var mu sync.Mutex
	busy := true
	ready := func(string) bool {
		mu.Lock()
		defer mu.Unlock()
		return !busy
	}

	got := make(chan Item, 1)
	go func() {
		it, err := q.PopWhere(context.Background(), ready)
		assert.NoError(t, err)
		got <- it
	}()

	select {
	case <-got:
		t.Fatal("popped an item whose target is busy")
	case <-time.After(30 * time.Millisecond):
	}

	mu.Lock()
	busy = false
	mu.Unlock()
	q.Notify()

	select {
	case it := <-got:
		assert.Equal(t, "a", it.Target)
	case <-time.After(time.Second):
		t.Fatal("PopWhere did not wake after Notify")
	}
}

func TestPopWhereKeepsLanePriority(t *testing.T) {
	q := New(Config{Capacity: 100})
	for i := 0; i < 10; i++ {
		fill(t, q, Normal, "n")
	}
	fill(t, q, High, "h")

	it, err := q.PopWhere(context.Background(), func(string) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, "h", it.Target)
}
