package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/booking"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/booking/bookingtest"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/lease"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/payment"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/queue"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/seatlock"
)

type env struct {
	svc    *booking.Service
	ledger *bookingtest.MemoryLedger
	gw     *bookingtest.FakeGateway
	events *bookingtest.RecordingNotifier
	locks  *seatlock.Manager
	clock  *bookingtest.Clock
	log    *logrus.Entry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger, _ := logtest.NewNullLogger()

	e := &env{
		gw:     bookingtest.NewFakeGateway(),
		events: &bookingtest.RecordingNotifier{},
		clock:  bookingtest.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		log:    logrus.NewEntry(logger),
	}
	e.ledger = bookingtest.NewMemoryLedger(e.clock.Now)
	e.locks = seatlock.NewManager(lease.NewStore(rdb), seatlock.WithClock(e.clock.Now))
	e.svc = booking.NewService(e.ledger, e.locks, e.gw, bookingtest.NewMemoryTxLog(), e.events,
		booking.WithClock(e.clock.Now),
		booking.WithHoldTTL(120*time.Second),
		booking.WithRetryPolicy(3, 10*time.Second, time.Minute),
		booking.WithLogger(e.log),
	)
	return e
}

func (e *env) initiate(t *testing.T, key string, seats ...string) *model.Booking {
	t.Helper()
	var bs []model.BookedSeat
	for _, s := range seats {
		bs = append(bs, model.BookedSeat{SeatNumber: s, Price: 300})
	}
	res, err := e.svc.InitiateBooking(context.Background(), booking.InitiateRequest{
		UserID: "u1", RunID: "run1", Seats: bs, IdempotencyKey: key,
	})
	require.NoError(t, err)
	return res.Booking
}

func (e *env) status(t *testing.T, id string) model.BookingStatus {
	t.Helper()
	b, err := e.ledger.GetByBookingID(context.Background(), id)
	require.NoError(t, err)
	return b.Status
}

func TestExpiryReconcilerExpiresLapsedHolds(t *testing.T) {
	e := newEnv(t)
	old := e.initiate(t, "k1", "A1", "A2")
	e.clock.Advance(60 * time.Second)
	fresh := e.initiate(t, "k2", "B1")

	r := NewExpiryReconciler(e.ledger, e.svc, 10, e.clock.Now, e.log)
	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	e.clock.Advance(61 * time.Second)
	n, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.BookingExpired, e.status(t, old.BookingID))
	assert.Equal(t, model.BookingPending, e.status(t, fresh.BookingID))

	locks, err := e.locks.ListLocks(context.Background(), "run1")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "B1", locks[0].SeatNumber)
	assert.Len(t, e.events.Events(queue.KeyBookingExpired), 1)

	n, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpiryReconcilerSkipsConfirmed(t *testing.T) {
	e := newEnv(t)
	b := e.initiate(t, "k1", "A1")
	_, err := e.svc.ConfirmPayment(context.Background(), b.Payment.OrderID, "pay_1", "sig")
	require.NoError(t, err)
	e.clock.Advance(10 * time.Minute)

	n, err := NewExpiryReconciler(e.ledger, e.svc, 10, e.clock.Now, e.log).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, model.BookingConfirmed, e.status(t, b.BookingID))
}

func TestLockReconcilerReleasesStaleLocks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	live := e.initiate(t, "k1", "A1")

	// a lock whose booking was never written
	_, err := e.locks.Acquire(ctx, "run1", "Z9", seatlock.Owner{Token: "ghost", BookingID: "bk_ghost"}, time.Hour)
	require.NoError(t, err)
	// a lock left behind by a booking that already closed
	closed := e.initiate(t, "k2", "C1")
	e.ledger.Put(func() *model.Booking {
		b, _ := e.ledger.GetByBookingID(ctx, closed.BookingID)
		b.Status = model.BookingCancelled
		return b
	}())

	r := NewLockReconciler(e.locks, e.ledger, 2*time.Minute, e.clock.Now, e.log)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the closed booking's lock goes before the grace period")

	e.clock.Advance(3 * time.Minute)
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	locks, err := e.locks.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, live.BookingID, locks[0].BookingID)
}

func TestLockReconcilerOwnerMismatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.initiate(t, "k1", "A1")
	_, err := e.locks.Release(ctx, "run1", "A1", b.LockOwner)
	require.NoError(t, err)
	_, err = e.locks.Acquire(ctx, "run1", "A1", seatlock.Owner{Token: "other", BookingID: b.BookingID}, time.Hour)
	require.NoError(t, err)

	n, err := NewLockReconciler(e.locks, e.ledger, time.Minute, e.clock.Now, e.log).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPaymentRetryWorkerPollsDueBookings(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	captured := e.initiate(t, "k1", "A1")
	pending := e.initiate(t, "k2", "A2")
	for _, b := range []*model.Booking{captured, pending} {
		_, err := e.svc.FailPayment(ctx, b.Payment.OrderID, "pay_x_"+b.BookingID, "declined")
		require.NoError(t, err)
	}
	e.gw.SetPayment(captured.Payment.OrderID, payment.PaymentInfo{PaymentID: "pay_ok", State: payment.PaymentStateCaptured})

	w := NewPaymentRetryWorker(e.ledger, e.svc, 10, e.clock.Now, e.log)
	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is due before the backoff elapses")

	e.clock.Advance(11 * time.Second)
	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.BookingConfirmed, e.status(t, captured.BookingID))
	assert.Equal(t, model.BookingPending, e.status(t, pending.BookingID))
}

func TestPaymentRetryWorkerConfirmsCaptureWithoutWebhook(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.initiate(t, "k1", "A1")
	e.gw.SetPayment(b.Payment.OrderID, payment.PaymentInfo{PaymentID: "pay_ok", State: payment.PaymentStateCaptured, Amount: 300})

	w := NewPaymentRetryWorker(e.ledger, e.svc, 10, e.clock.Now, e.log)
	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, model.BookingPending, e.status(t, b.BookingID))

	e.clock.Advance(11 * time.Second)
	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.BookingConfirmed, e.status(t, b.BookingID))
	assert.Len(t, e.events.Events(queue.KeyBookingConfirmed), 1)

	locks, err := e.locks.ListLocks(ctx, "run1")
	require.NoError(t, err)
	assert.Empty(t, locks)
}

type countingSweeper struct{ n int32 }

func (c *countingSweeper) Sweep(context.Context) (int, error) {
	atomic.AddInt32(&c.n, 1)
	return 0, nil
}

func TestLoopRunsImmediatelyAndStops(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	s := &countingSweeper{}
	done := make(chan struct{})
	go func() {
		Loop(ctx, "test", time.Hour, s, logrus.NewEntry(logger))
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&s.n) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
