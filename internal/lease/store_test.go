package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb), mr
}

func TestCreateReturnsCurrentHolderOnConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, cur, err := s.Create(ctx, "k", "alice", time.Minute, map[string]string{"booking_id": "b1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, cur)

	created, cur, err = s.Create(ctx, "k", "bob", time.Minute, map[string]string{"booking_id": "b2"})
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, cur)
	assert.Equal(t, "alice", cur.Owner)
	assert.Equal(t, "b1", cur.Fields["booking_id"])
}

func TestLeaseExpiresAfterTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Create(ctx, "k", "alice", 2*time.Second, nil)
	require.NoError(t, err)

	mr.FastForward(3 * time.Second)

	created, _, err := s.Create(ctx, "k", "bob", time.Minute, nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestExtendRequiresOwner(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Create(ctx, "k", "alice", 2*time.Second, nil)
	require.NoError(t, err)

	ok, err := s.Extend(ctx, "k", "bob", time.Minute, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Extend(ctx, "k", "alice", time.Minute, map[string]string{"expires_at": "later"})
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(10 * time.Second)
	l, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "later", l.Fields["expires_at"])
}

func TestExtendMissingLease(t *testing.T) {
	s, _ := newTestStore(t)
	ok, err := s.Extend(context.Background(), "nope", "alice", time.Minute, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteIsOwnerCheckedAndIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Create(ctx, "k", "alice", time.Minute, nil)
	require.NoError(t, err)

	ok, err := s.Delete(ctx, "k", "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Delete(ctx, "k", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, "k", "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScanByPrefix(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"seat:r1:1", "seat:r1:2", "seat:r2:1", "other:1"} {
		_, _, err := s.Create(ctx, k, "o", time.Minute, nil)
		require.NoError(t, err)
	}

	got, err := s.Scan(ctx, "seat:r1:")
	require.NoError(t, err)
	keys := make([]string, 0, len(got))
	for _, l := range got {
		keys = append(keys, l.Key)
	}
	assert.ElementsMatch(t, []string{"seat:r1:1", "seat:r1:2"}, keys)
}

func TestScanPrefixIsLiteral(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"seat:r*:1", "seat:r1:1", "seat:r?:1", "seat:rx:1", "seat:[r]:1", "seat:r:1"} {
		_, _, err := s.Create(ctx, k, "o", time.Minute, nil)
		require.NoError(t, err)
	}

	for prefix, want := range map[string][]string{
		"seat:r*:":  {"seat:r*:1"},
		"seat:r?:":  {"seat:r?:1"},
		"seat:[r]:": {"seat:[r]:1"},
	} {
		got, err := s.Scan(ctx, prefix)
		require.NoError(t, err)
		keys := make([]string, 0, len(got))
		for _, l := range got {
			keys = append(keys, l.Key)
		}
		assert.ElementsMatch(t, want, keys, prefix)
	}
}

func TestMatchPrefix(t *testing.T) {
	assert.Equal(t, "seat:r1:*", matchPrefix("seat:r1:"))
	assert.Equal(t, `seat:a\*b\?\[c\]\\:*`, matchPrefix(`seat:a*b?[c]\:`))
}

func TestNonPositiveTTLRejected(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.Create(context.Background(), "k", "o", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}
