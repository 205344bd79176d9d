package booking

import (
	"context"
	"time"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/repository"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/seatlock"
)

// Ledger is the durable store of bookings.  repository.BookingRepo is the
// production implementation.
type Ledger interface {
	Create(ctx context.Context, b *model.Booking) error
	GetByBookingID(ctx context.Context, bookingID string) (*model.Booking, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*model.Booking, error)
	FindByProviderOrderID(ctx context.Context, orderID string) (*model.Booking, error)
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*model.Booking, error)
	FindRetryDue(ctx context.Context, now time.Time, limit int) ([]*model.Booking, error)
	ListByUser(ctx context.Context, f repository.ListFilter) ([]*model.Booking, int, error)
	SoldSeats(ctx context.Context, runID string, seats []string) ([]string, error)
	Update(ctx context.Context, next *model.Booking, expectStatus model.BookingStatus, expectVersion int64) (bool, error)
}

// SeatLocker is the part of the seat lock manager the orchestrator uses.
type SeatLocker interface {
	AcquireMany(ctx context.Context, runID string, seats []string, owner seatlock.Owner, ttl time.Duration) (seatlock.ManyResult, error)
	Renew(ctx context.Context, runID, seat, token string, ttl time.Duration) (bool, error)
	ReleaseAll(ctx context.Context, runID string, seats []string, token string) (int, error)
}

// TxLog is the append-only transaction log.
type TxLog interface {
	AppendOnce(ctx context.Context, t *model.Transaction) (bool, error)
}

// Notifier publishes booking events; queue.Publisher implements it.
type Notifier interface {
	PublishJSON(ctx context.Context, key string, v any) error
}
