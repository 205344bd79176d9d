package booking

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/repository"
)

// transitions lists every allowed status change.  Statuses missing from the
// map are terminal.
var transitions = map[model.BookingStatus][]model.BookingStatus{
	model.BookingPending: {
		model.BookingConfirmed,
		model.BookingExpired,
		model.BookingPaymentFailed,
		model.BookingCancelled,
	},
	model.BookingConfirmed: {
		model.BookingCancelled,
		model.BookingRefunded,
	},
}

// CanTransition reports whether a booking in from may move to to.
func CanTransition(from, to model.BookingStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// maxApplyAttempts bounds how often apply re-reads a booking whose version
// moved while its status stayed the same.
const maxApplyAttempts = 5

// apply derives the next version of current with mutate and writes it with
// a conditional update on (status, version).  mutate may change Status; the
// change is checked against the transition table.  When the write loses
// because only the version moved, the booking is re-read and mutate runs
// again on the fresh copy; when the status moved, a *TransitionError is
// returned together with the fresh booking.
//
// Leaving PENDING releases every seat lock of the booking.
func (s *Service) apply(ctx context.Context, current *model.Booking, mutate func(next *model.Booking) error) (*model.Booking, error) {
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		from := current.Status
		next := current.Clone()
		if err := mutate(next); err != nil {
			return current, err
		}
		if next.Status != from && !CanTransition(from, next.Status) {
			return current, &TransitionError{BookingID: current.BookingID, From: from, To: next.Status}
		}
		ok, err := s.ledger.Update(ctx, next, from, current.Version)
		if errors.Is(err, repository.ErrConflict) {
			return current, &ConflictError{Seats: next.SeatNumbers()}
		}
		if err != nil {
			return current, infra("update booking", err)
		}
		if ok {
			if from == model.BookingPending && next.Status != model.BookingPending {
				s.releaseLocks(ctx, next)
			}
			return next, nil
		}
		fresh, err := s.ledger.GetByBookingID(ctx, current.BookingID)
		if err != nil {
			return current, infra("reload booking", err)
		}
		if fresh.Status != from {
			return fresh, &TransitionError{BookingID: fresh.BookingID, From: fresh.Status, To: next.Status}
		}
		current = fresh
	}
	return current, &TransitionError{BookingID: current.BookingID, From: current.Status, To: current.Status}
}

// transition is apply with a fixed target status.
func (s *Service) transition(ctx context.Context, current *model.Booking, to model.BookingStatus, mutate func(next *model.Booking) error) (*model.Booking, error) {
	return s.apply(ctx, current, func(next *model.Booking) error {
		next.Status = to
		if mutate != nil {
			return mutate(next)
		}
		return nil
	})
}

// releaseLocks drops the seat locks of a booking that left PENDING.  A
// failure here is not returned: the ledger already says the seats are free
// to everyone else and the lock reconciler removes whatever is left.
func (s *Service) releaseLocks(ctx context.Context, b *model.Booking) {
	ctx = context.WithoutCancel(ctx)
	n, err := s.locks.ReleaseAll(ctx, b.RunID, b.SeatNumbers(), b.LockOwner)
	entry := s.log.WithFields(logrus.Fields{"booking_id": b.BookingID, "status": b.Status, "released": n})
	if err != nil {
		entry.WithError(err).Warn("seat lock release incomplete")
		return
	}
	entry.Debug("seat locks released")
}

// benign reports whether err is the expected result of a lost race.
func benign(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
