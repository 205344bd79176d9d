// Package seatlock turns the generic lease store into per-seat locks for a
// run.  A seat is held by exactly one owner token at a time; acquiring many
// seats is all-or-nothing.
package seatlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/lease"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
)

// KeyPrefix is the namespace of every seat lock in the lease store.
const KeyPrefix = "seatlock:"

const (
	fieldRunID      = "run_id"
	fieldSeat       = "seat"
	fieldBookingID  = "booking_id"
	fieldAcquiredAt = "acquired_at"
	fieldExpiresAt  = "expires_at"
)

// Owner identifies who is taking a lock: the token that must be presented
// to renew or release it and the booking it is taken for.
type Owner struct {
	Token     string
	BookingID string
}

// Holder describes the current holder of a seat that could not be acquired.
type Holder struct {
	BookingID string
	ExpiresAt time.Time
}

// AcquireResult is the outcome of a single-seat acquisition.
type AcquireResult struct {
	Acquired bool
	Conflict *Holder
}

// ManyResult is the outcome of a multi-seat acquisition.  When Acquired is
// false no seat from the request is held by the caller.
type ManyResult struct {
	Acquired    bool
	FailedSeats []string
}

// Manager acquires, renews and releases seat locks.
type Manager struct {
	store *lease.Store
	now   func() time.Time
	log   *logrus.Entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock used for acquired_at/expires_at.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger sets the logger used for rollback failures.
func WithLogger(l *logrus.Entry) Option { return func(m *Manager) { m.log = l } }

// NewManager returns a Manager on top of store.
func NewManager(store *lease.Store, opts ...Option) *Manager {
	if store == nil {
		panic("nil lease store passed to seatlock.NewManager")
	}
	m := &Manager{store: store, now: time.Now, log: logrus.NewEntry(logrus.StandardLogger())}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Key returns the lease key of a seat.
func Key(runID, seat string) string { return KeyPrefix + runID + ":" + seat }

// Acquire takes the lock on one seat.  If someone else holds it the
// returned result carries the holder's booking and expiry.
func (m *Manager) Acquire(ctx context.Context, runID, seat string, owner Owner, ttl time.Duration) (AcquireResult, error) {
	now := m.now().UTC()
	fields := map[string]string{
		fieldRunID:      runID,
		fieldSeat:       seat,
		fieldBookingID:  owner.BookingID,
		fieldAcquiredAt: now.Format(time.RFC3339Nano),
		fieldExpiresAt:  now.Add(ttl).Format(time.RFC3339Nano),
	}
	created, cur, err := m.store.Create(ctx, Key(runID, seat), owner.Token, ttl, fields)
	if err != nil {
		return AcquireResult{}, err
	}
	if created {
		return AcquireResult{Acquired: true}, nil
	}
	h := &Holder{}
	if cur != nil {
		h.BookingID = cur.Fields[fieldBookingID]
		h.ExpiresAt = parseTime(cur.Fields[fieldExpiresAt])
	}
	return AcquireResult{Conflict: h}, nil
}

// AcquireMany takes every seat or none.  Each distinct seat is attempted so
// the result names all unavailable seats; on any failure (including an
// infrastructure error) the seats taken by this call are released before
// returning.
func (m *Manager) AcquireMany(ctx context.Context, runID string, seats []string, owner Owner, ttl time.Duration) (ManyResult, error) {
	seats = dedupe(seats)
	if len(seats) == 0 {
		return ManyResult{}, errors.New("seatlock: no seats requested")
	}
	taken := make([]string, 0, len(seats))
	var failed []string
	for _, seat := range seats {
		res, err := m.Acquire(ctx, runID, seat, owner, ttl)
		if err != nil {
			m.rollback(ctx, runID, taken, owner.Token)
			return ManyResult{}, err
		}
		if !res.Acquired {
			failed = append(failed, seat)
			continue
		}
		taken = append(taken, seat)
	}
	if len(failed) > 0 {
		m.rollback(ctx, runID, taken, owner.Token)
		return ManyResult{FailedSeats: failed}, nil
	}
	return ManyResult{Acquired: true}, nil
}

// Renew extends a lock held by token.  It reports false when the lock is
// gone or held by another token; it never creates a lock.
func (m *Manager) Renew(ctx context.Context, runID, seat, token string, ttl time.Duration) (bool, error) {
	fields := map[string]string{fieldExpiresAt: m.now().UTC().Add(ttl).Format(time.RFC3339Nano)}
	return m.store.Extend(ctx, Key(runID, seat), token, ttl, fields)
}

// Release drops a lock held by token.  Releasing a lock that is already gone
// reports false without error.
func (m *Manager) Release(ctx context.Context, runID, seat, token string) (bool, error) {
	return m.store.Delete(ctx, Key(runID, seat), token)
}

// ReleaseAll releases every seat held by token and returns how many locks
// were actually removed.  It keeps going past individual errors.
func (m *Manager) ReleaseAll(ctx context.Context, runID string, seats []string, token string) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, seat := range dedupe(seats) {
		ok, err := m.Release(ctx, runID, seat, token)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// ListLocks returns the live locks of one run.
func (m *Manager) ListLocks(ctx context.Context, runID string) ([]model.SeatLock, error) {
	return m.list(ctx, KeyPrefix+runID+":")
}

// ListAll returns every live seat lock.
func (m *Manager) ListAll(ctx context.Context) ([]model.SeatLock, error) {
	return m.list(ctx, KeyPrefix)
}

func (m *Manager) list(ctx context.Context, prefix string) ([]model.SeatLock, error) {
	leases, err := m.store.Scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list seat locks: %w", err)
	}
	out := make([]model.SeatLock, 0, len(leases))
	for _, l := range leases {
		out = append(out, toSeatLock(l))
	}
	return out, nil
}

func (m *Manager) rollback(ctx context.Context, runID string, seats []string, token string) {
	if len(seats) == 0 {
		return
	}
	// The caller's context may already be cancelled; the release must still run.
	ctx = context.WithoutCancel(ctx)
	if _, err := m.ReleaseAll(ctx, runID, seats, token); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"run_id": runID, "seats": seats}).
			Warn("seatlock: rollback incomplete, leases will lapse on ttl")
	}
}

func toSeatLock(l lease.Lease) model.SeatLock {
	sl := model.SeatLock{
		RunID:      l.Fields[fieldRunID],
		SeatNumber: l.Fields[fieldSeat],
		Owner:      l.Owner,
		BookingID:  l.Fields[fieldBookingID],
		AcquiredAt: parseTime(l.Fields[fieldAcquiredAt]),
		ExpiresAt:  parseTime(l.Fields[fieldExpiresAt]),
	}
	if sl.RunID == "" || sl.SeatNumber == "" {
		// fields missing, fall back to the key
		rest := strings.TrimPrefix(l.Key, KeyPrefix)
		if i := strings.LastIndex(rest, ":"); i > 0 {
			sl.RunID, sl.SeatNumber = rest[:i], rest[i+1:]
		}
	}
	return sl
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func dedupe(seats []string) []string {
	seen := make(map[string]struct{}, len(seats))
	out := make([]string, 0, len(seats))
	for _, s := range seats {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
