package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/repository"
)

// LockLister lists and releases seat locks.  seatlock.Manager implements
// it.
type LockLister interface {
	ListAll(ctx context.Context) ([]model.SeatLock, error)
	Release(ctx context.Context, runID, seat, token string) (bool, error)
}

// BookingGetter loads a booking by its public id.
type BookingGetter interface {
	GetByBookingID(ctx context.Context, bookingID string) (*model.Booking, error)
}

// LockReconciler removes seat locks the ledger no longer backs: locks of
// bookings that left PENDING, locks whose owner token is not the booking's,
// and locks of bookings that were never written.  The last kind is only
// released after a grace period so an InitiateBooking still between lock
// and ledger insert is not disturbed.
type LockReconciler struct {
	locks    LockLister
	bookings BookingGetter
	grace    time.Duration
	now      func() time.Time
	log      *logrus.Entry
}

// NewLockReconciler keeps locks of unwritten bookings for grace before
// releasing them.
func NewLockReconciler(l LockLister, b BookingGetter, grace time.Duration, now func() time.Time, log *logrus.Entry) *LockReconciler {
	if now == nil {
		now = time.Now
	}
	return &LockReconciler{locks: l, bookings: b, grace: grace, now: now, log: log}
}

func (r *LockReconciler) Sweep(ctx context.Context) (int, error) {
	all, err := r.locks.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()
	var (
		n    int
		errs []error
	)
	for _, l := range all {
		if ctx.Err() != nil {
			break
		}
		reason, err := r.stale(ctx, l, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if reason == "" {
			continue
		}
		ok, err := r.locks.Release(ctx, l.RunID, l.SeatNumber, l.Owner)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
			r.log.WithFields(logrus.Fields{
				"run_id": l.RunID, "seat": l.SeatNumber, "booking_id": l.BookingID, "reason": reason,
			}).Info("stale seat lock released")
		}
	}
	return n, errors.Join(errs...)
}

// stale returns why l should go, or "" to keep it.
func (r *LockReconciler) stale(ctx context.Context, l model.SeatLock, now time.Time) (string, error) {
	if l.BookingID == "" {
		if r.pastGrace(l, now) {
			return "no booking reference", nil
		}
		return "", nil
	}
	b, err := r.bookings.GetByBookingID(ctx, l.BookingID)
	if errors.Is(err, repository.ErrNotFound) {
		if r.pastGrace(l, now) {
			return "orphan", nil
		}
		return "", nil
	}
	if err != nil {
		return "", err
	}
	switch {
	case b.Status != model.BookingPending:
		return "booking " + string(b.Status), nil
	case b.LockOwner != l.Owner:
		return "owner mismatch", nil
	}
	return "", nil
}

func (r *LockReconciler) pastGrace(l model.SeatLock, now time.Time) bool {
	// missing acquired_at: treat as old
	return l.AcquiredAt.IsZero() || now.Sub(l.AcquiredAt) > r.grace
}
