package seatlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/lease"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewManager(lease.NewStore(rdb)), mr
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const contenders = 20
	var (
		wg   sync.WaitGroup
		wins int32
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := Owner{Token: "tok-" + string(rune('a'+i)), BookingID: "b-" + string(rune('a'+i))}
			res, err := m.Acquire(ctx, "run1", "A1", owner, time.Minute)
			if err == nil && res.Acquired {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestAcquireReportsHolder(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.Acquire(ctx, "run1", "A1", Owner{Token: "t1", BookingID: "b1"}, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	res, err = m.Acquire(ctx, "run1", "A1", Owner{Token: "t2", BookingID: "b2"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, "b1", res.Conflict.BookingID)
	assert.False(t, res.Conflict.ExpiresAt.IsZero())
}

func TestAcquireManyRollsBackOnConflict(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "run1", "A2", Owner{Token: "other", BookingID: "bx"}, time.Minute)
	require.NoError(t, err)

	res, err := m.AcquireMany(ctx, "run1", []string{"A1", "A2", "A3"}, Owner{Token: "mine", BookingID: "b1"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, []string{"A2"}, res.FailedSeats)

	locks, err := m.ListLocks(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "A2", locks[0].SeatNumber)
	assert.Equal(t, "other", locks[0].Owner)
}

func TestAcquireManyDeduplicates(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.AcquireMany(ctx, "run1", []string{"A1", "A1", "A2"}, Owner{Token: "t", BookingID: "b"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	locks, err := m.ListLocks(ctx, "run1")
	require.NoError(t, err)
	assert.Len(t, locks, 2)
}

func TestAcquireManyOverlappingRequestsNeverShareSeats(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	requests := [][]string{{"A1", "A2"}, {"A2", "A3"}, {"A3", "A1"}, {"A4"}}
	results := make([]ManyResult, len(requests))
	var wg sync.WaitGroup
	for i, seats := range requests {
		wg.Add(1)
		go func(i int, seats []string) {
			defer wg.Done()
			tok := "tok" + string(rune('0'+i))
			res, err := m.AcquireMany(ctx, "run1", seats, Owner{Token: tok, BookingID: tok}, time.Minute)
			assert.NoError(t, err)
			results[i] = res
		}(i, seats)
	}
	wg.Wait()

	held := map[string]int{}
	for i, res := range results {
		if !res.Acquired {
			continue
		}
		for _, s := range requests[i] {
			held[s]++
		}
	}
	for seat, n := range held {
		assert.Equal(t, 1, n, "seat %s granted twice", seat)
	}
	assert.True(t, results[3].Acquired)

	locks, err := m.ListLocks(ctx, "run1")
	require.NoError(t, err)
	total := 0
	for _, n := range held {
		total += n
	}
	assert.Len(t, locks, total)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "run1", "A1", Owner{Token: "t1", BookingID: "b1"}, time.Minute)
	require.NoError(t, err)

	ok, err := m.Release(ctx, "run1", "A1", "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Release(ctx, "run1", "A1", "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Release(ctx, "run1", "never", "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaleOwnerCannotRenewOrRelease(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "run1", "A1", Owner{Token: "old", BookingID: "b1"}, 2*time.Second)
	require.NoError(t, err)
	mr.FastForward(3 * time.Second)

	res, err := m.Acquire(ctx, "run1", "A1", Owner{Token: "new", BookingID: "b2"}, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	ok, err := m.Renew(ctx, "run1", "A1", "old", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Release(ctx, "run1", "A1", "old")
	require.NoError(t, err)
	assert.False(t, ok)

	locks, err := m.ListLocks(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "b2", locks[0].BookingID)
}

func TestRenewExtendsTTL(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "run1", "A1", Owner{Token: "t1", BookingID: "b1"}, 2*time.Second)
	require.NoError(t, err)

	ok, err := m.Renew(ctx, "run1", "A1", "t1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(5 * time.Second)
	locks, err := m.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, locks, 1)
}

func TestReleaseAllCountsRemoved(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.AcquireMany(ctx, "run1", []string{"A1", "A2"}, Owner{Token: "t1", BookingID: "b1"}, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	n, err := m.ReleaseAll(ctx, "run1", []string{"A1", "A2", "A3"}, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestListLocksMatchesRunLiterally(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, run := range []string{"r1", "r*"} {
		res, err := m.AcquireMany(ctx, run, []string{"A1"}, Owner{Token: "t-" + run, BookingID: "b-" + run}, time.Minute)
		require.NoError(t, err)
		require.True(t, res.Acquired)
	}

	locks, err := m.ListLocks(ctx, "r*")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "r*", locks[0].RunID)
}
