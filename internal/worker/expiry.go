package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
)

// ExpiredFinder lists PENDING bookings whose hold has run out.
type ExpiredFinder interface {
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*model.Booking, error)
}

// Expirer moves one booking to EXPIRED.  booking.Service implements it.
type Expirer interface {
	Expire(ctx context.Context, b *model.Booking) (bool, error)
}

// ExpiryReconciler expires bookings whose hold ran out without payment.
type ExpiryReconciler struct {
	finder  ExpiredFinder
	expirer Expirer
	batch   int
	now     func() time.Time
	log     *logrus.Entry
}

// NewExpiryReconciler expires up to batch lapsed holds per sweep.
func NewExpiryReconciler(f ExpiredFinder, e Expirer, batch int, now func() time.Time, log *logrus.Entry) *ExpiryReconciler {
	if batch <= 0 {
		batch = 100
	}
	if now == nil {
		now = time.Now
	}
	return &ExpiryReconciler{finder: f, expirer: e, batch: batch, now: now, log: log}
}

// Sweep expires one batch.  A booking confirmed or extended concurrently is
// skipped by the state machine, so the sweep is safe to run anywhere.
func (r *ExpiryReconciler) Sweep(ctx context.Context) (int, error) {
	due, err := r.finder.FindExpired(ctx, r.now().UTC(), r.batch)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, b := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := r.expirer.Expire(ctx, b)
		if err != nil {
			r.log.WithError(err).WithField("booking_id", b.BookingID).Warn("expire failed")
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}
