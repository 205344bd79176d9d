// Package lease implements owner-tagged, TTL-bounded leases on top of Redis.
// Every mutating operation is a single Lua script so that check-and-act is
// atomic on the server; no client-side read-modify-write is ever performed.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ownerField is the hash field holding the owner token of a lease.
const ownerField = "owner"

// ErrInvalidTTL is returned when a lease would be created or extended with a
// non-positive time to live.
var ErrInvalidTTL = errors.New("lease: ttl must be positive")

// Lease is a snapshot of one live lease.
type Lease struct {
	Key    string
	Owner  string
	Fields map[string]string
}

// createScript sets the lease only if the key does not exist.  When it does,
// the current contents are returned so the caller can report the holder.
//
//	KEYS[1] lease key
//	ARGV[1] owner token
//	ARGV[2] ttl in milliseconds
//	ARGV[3..] extra field/value pairs
var createScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return {0, redis.call('HGETALL', KEYS[1])}
	end
	redis.call('HSET', KEYS[1], 'owner', ARGV[1], unpack(ARGV, 3))
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return {1}
`)

// extendScript refreshes the ttl (and optionally fields) when the caller
// still owns the lease.
var extendScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
		return 0
	end
	if #ARGV > 2 then
		redis.call('HSET', KEYS[1], unpack(ARGV, 3))
	end
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
`)

// deleteScript removes the lease when the caller still owns it.
var deleteScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Store reads and writes leases.  It holds no state besides the client, so a
// single Store can be shared by every goroutine of the process.
type Store struct {
	rdb redis.UniversalClient
}

// NewStore returns a Store backed by rdb.  It panics on a nil client since
// every operation would fail.
func NewStore(rdb redis.UniversalClient) *Store {
	if rdb == nil {
		panic("nil redis client passed to lease.NewStore")
	}
	return &Store{rdb: rdb}
}

// Create sets key to a new lease held by owner for ttl.  When another lease
// already exists, created is false and current describes it.
func (s *Store) Create(ctx context.Context, key, owner string, ttl time.Duration, fields map[string]string) (created bool, current *Lease, err error) {
	if ttl <= 0 {
		return false, nil, ErrInvalidTTL
	}
	args := append([]interface{}{owner, ttl.Milliseconds()}, flatten(fields)...)
	res, err := createScript.Run(ctx, s.rdb, []string{key}, args...).Slice()
	if err != nil {
		return false, nil, fmt.Errorf("lease create %s: %w", key, err)
	}
	if len(res) == 0 {
		return false, nil, fmt.Errorf("lease create %s: empty script reply", key)
	}
	if asInt64(res[0]) == 1 {
		return true, nil, nil
	}
	var pairs []interface{}
	if len(res) > 1 {
		pairs, _ = res[1].([]interface{})
	}
	return false, fromPairs(key, pairs), nil
}

// Extend pushes the expiry of key to now+ttl if owner still holds it.
// Extra fields, when given, overwrite the stored ones.
func (s *Store) Extend(ctx context.Context, key, owner string, ttl time.Duration, fields map[string]string) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	args := append([]interface{}{owner, ttl.Milliseconds()}, flatten(fields)...)
	n, err := extendScript.Run(ctx, s.rdb, []string{key}, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("lease extend %s: %w", key, err)
	}
	return n == 1, nil
}

// Delete removes key if owner still holds it.  Deleting a lease that is gone
// or held by someone else reports false.
func (s *Store) Delete(ctx context.Context, key, owner string) (bool, error) {
	n, err := deleteScript.Run(ctx, s.rdb, []string{key}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("lease delete %s: %w", key, err)
	}
	return n == 1, nil
}

// Get returns the lease stored at key, or nil when there is none.
func (s *Store) Get(ctx context.Context, key string) (*Lease, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("lease get %s: %w", key, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return fromMap(key, m), nil
}

// Scan returns every lease whose key starts with prefix.  The result is a
// point-in-time view assembled from several round trips; leases may expire
// or appear while it runs.
func (s *Store) Scan(ctx context.Context, prefix string) ([]Lease, error) {
	var (
		out    []Lease
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, matchPrefix(prefix), 200).Result()
		if err != nil {
			return nil, fmt.Errorf("lease scan %s: %w", prefix, err)
		}
		for _, k := range keys {
			l, err := s.Get(ctx, k)
			if err != nil {
				return nil, err
			}
			if l == nil {
				continue // expired between SCAN and HGETALL
			}
			out = append(out, *l)
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// matchPrefix is a SCAN MATCH pattern for keys starting with prefix, with
// the glob metacharacters of prefix escaped.
func matchPrefix(prefix string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 1)
	for _, r := range prefix {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('*')
	return b.String()
}

func flatten(fields map[string]string) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		if k == ownerField {
			continue
		}
		out = append(out, k, v)
	}
	return out
}

func fromPairs(key string, pairs []interface{}) *Lease {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[fmt.Sprint(pairs[i])] = fmt.Sprint(pairs[i+1])
	}
	return fromMap(key, m)
}

func fromMap(key string, m map[string]string) *Lease {
	l := &Lease{Key: key, Owner: m[ownerField], Fields: make(map[string]string, len(m))}
	for k, v := range m {
		if k != ownerField {
			l.Fields[k] = v
		}
	}
	return l
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		if t == "1" {
			return 1
		}
	}
	return 0
}
