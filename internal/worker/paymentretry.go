package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
)

// RetryFinder lists PENDING bookings whose open payment is due for a
// gateway poll.
type RetryFinder interface {
	FindRetryDue(ctx context.Context, now time.Time, limit int) ([]*model.Booking, error)
}

// Retrier polls the gateway for one booking.  booking.Service implements
// it.
type Retrier interface {
	RetryPayment(ctx context.Context, b *model.Booking) (*model.Booking, error)
}

// PaymentRetryWorker polls the gateway for PENDING bookings whose payment
// is still open, so a capture whose webhook never arrives is still applied
// while the hold lasts.
type PaymentRetryWorker struct {
	finder      RetryFinder
	retrier     Retrier
	batch       int
	concurrency int
	now         func() time.Time
	log         *logrus.Entry
}

// NewPaymentRetryWorker polls up to batch due bookings per sweep.
func NewPaymentRetryWorker(f RetryFinder, r Retrier, batch int, now func() time.Time, log *logrus.Entry) *PaymentRetryWorker {
	if batch <= 0 {
		batch = 50
	}
	if now == nil {
		now = time.Now
	}
	return &PaymentRetryWorker{finder: f, retrier: r, batch: batch, concurrency: 4, now: now, log: log}
}

// Sweep polls one batch, a few bookings at a time.  It returns the number
// of bookings that left PENDING.
func (w *PaymentRetryWorker) Sweep(ctx context.Context) (int, error) {
	due, err := w.finder.FindRetryDue(ctx, w.now().UTC(), w.batch)
	if err != nil {
		return 0, err
	}
	var n int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, b := range due {
		b := b
		g.Go(func() error {
			next, err := w.retrier.RetryPayment(gctx, b)
			if err != nil {
				// one gateway hiccup must not stop the rest of the batch
				w.log.WithError(err).WithField("booking_id", b.BookingID).Warn("payment retry failed")
				return nil
			}
			if next != nil && next.Status != model.BookingPending {
				atomic.AddInt64(&n, 1)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(atomic.LoadInt64(&n)), err
}
