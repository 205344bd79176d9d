// Package booking ties seat locks, the booking ledger and the payment
// gateway into the booking lifecycle.  Service is the only writer of
// booking state; the webhook ingress and the background workers call into
// it rather than touching the ledger themselves.
package booking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/payment"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/queue"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/repository"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/seatlock"
)

const (
	defaultHoldTTL     = 5 * time.Minute
	defaultMaxAttempts = 3
	defaultRetryBase   = 30 * time.Second
	defaultRetryMax    = 2 * time.Minute
	defaultMaxPolls    = 8
	defaultCurrency    = "INR"
	defaultPageSize    = 10
	maxPageSize        = 100
)

var tracer = otel.Tracer("github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/booking")

// Service runs the booking lifecycle.
type Service struct {
	ledger   Ledger
	locks    SeatLocker
	gateway  payment.Gateway
	txlog    TxLog
	notifier Notifier
	log      *logrus.Entry

	now          func() time.Time
	holdTTL      time.Duration
	maxAttempts  int
	retryBase    time.Duration
	retryMax     time.Duration
	maxPolls     int
	currency     string
	refundPolicy RefundPolicy
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithHoldTTL sets how long seats stay held while payment is pending.
func WithHoldTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.holdTTL = d
		}
	}
}

// WithRetryPolicy sets the payment failure budget and the poll backoff.
func WithRetryPolicy(maxAttempts int, base, maxDelay time.Duration) Option {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if base > 0 {
			s.retryBase = base
		}
		if maxDelay > 0 {
			s.retryMax = maxDelay
		}
	}
}

// WithPollLimit sets how many gateway polls may settle nothing before a
// PENDING booking is failed.
func WithPollLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPolls = n
		}
	}
}

// WithCurrency sets the currency of new orders.
func WithCurrency(c string) Option {
	return func(s *Service) {
		if c != "" {
			s.currency = c
		}
	}
}

// WithRefundPolicy replaces DefaultRefundPolicy.
func WithRefundPolicy(p RefundPolicy) Option { return func(s *Service) { s.refundPolicy = p } }

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option { return func(s *Service) { s.log = l } }

// NewService wires a Service.  All collaborators must be non-nil.
func NewService(ledger Ledger, locks SeatLocker, gateway payment.Gateway, txlog TxLog, notifier Notifier, opts ...Option) *Service {
	if ledger == nil || locks == nil || gateway == nil || txlog == nil || notifier == nil {
		panic("nil dependency passed to booking.NewService")
	}
	s := &Service{
		ledger:       ledger,
		locks:        locks,
		gateway:      gateway,
		txlog:        txlog,
		notifier:     notifier,
		log:          logrus.NewEntry(logrus.StandardLogger()),
		now:          time.Now,
		holdTTL:      defaultHoldTTL,
		maxAttempts:  defaultMaxAttempts,
		retryBase:    defaultRetryBase,
		retryMax:     defaultRetryMax,
		maxPolls:     defaultMaxPolls,
		currency:     defaultCurrency,
		refundPolicy: DefaultRefundPolicy,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// InitiateRequest asks for a set of seats on one run.
type InitiateRequest struct {
	UserID         string
	RunID          string
	Seats          []model.BookedSeat
	IdempotencyKey string
	DepartureAt    *time.Time
	Source         string
}

// InitiateResult is the booking created (or found) for a request.
// Duplicate is true when the idempotency key was already used.
type InitiateResult struct {
	Booking   *model.Booking
	Duplicate bool
}

// InitiateBooking holds the requested seats, opens a payment order and
// records a PENDING booking that expires after the hold TTL.  Repeating a
// request with the same idempotency key returns the original booking
// without taking new locks or opening a new order.
func (s *Service) InitiateBooking(ctx context.Context, req InitiateRequest) (res *InitiateResult, err error) {
	ctx, span := tracer.Start(ctx, "booking.InitiateBooking", trace.WithAttributes(
		attribute.String("run_id", req.RunID), attribute.Int("seats", len(req.Seats))))
	defer func() { endSpan(span, err) }()

	if err := validateInitiate(req); err != nil {
		return nil, err
	}
	if existing, err := s.findIdempotent(ctx, req); err != nil || existing != nil {
		return existing, err
	}

	bookingID := newBookingID()
	token := uuid.NewString()
	seats := seatNumbers(req.Seats)
	log := s.log.WithFields(logrus.Fields{"booking_id": bookingID, "run_id": req.RunID, "user_id": req.UserID})

	// The leases and the hold both end at expiresAt, however long the
	// gateway takes below.
	now := s.now().UTC()
	expiresAt := now.Add(s.holdTTL)
	got, err := s.locks.AcquireMany(ctx, req.RunID, seats, seatlock.Owner{Token: token, BookingID: bookingID}, expiresAt.Sub(now))
	if err != nil {
		return nil, infra("acquire seat locks", err)
	}
	if !got.Acquired {
		// A concurrent retry of this very request may be the holder.
		if existing, err := s.findIdempotent(ctx, req); err != nil || existing != nil {
			return existing, err
		}
		log.WithField("unavailable", got.FailedSeats).Info("seat conflict")
		return nil, &ConflictError{Seats: got.FailedSeats}
	}
	release := func() {
		if _, err := s.locks.ReleaseAll(context.WithoutCancel(ctx), req.RunID, seats, token); err != nil {
			log.WithError(err).Warn("releasing locks of aborted booking failed")
		}
	}

	sold, err := s.ledger.SoldSeats(ctx, req.RunID, seats)
	if err != nil {
		release()
		return nil, infra("check sold seats", err)
	}
	if len(sold) > 0 {
		release()
		return nil, &ConflictError{Seats: sold}
	}

	var total int64
	for _, seat := range req.Seats {
		total += seat.Price
	}
	order, err := s.gateway.CreateOrder(ctx, payment.OrderRequest{
		Amount:   total,
		Currency: s.currency,
		Receipt:  bookingID,
		Notes:    map[string]string{"booking_id": bookingID, "run_id": req.RunID, "user_id": req.UserID},
	})
	if err != nil {
		release()
		log.WithError(err).Warn("payment order failed")
		return nil, &PaymentOrderError{Err: err}
	}

	pollAt := now.Add(s.retryBase)
	b := &model.Booking{
		BookingID:      bookingID,
		UserID:         req.UserID,
		RunID:          req.RunID,
		Seats:          append([]model.BookedSeat(nil), req.Seats...),
		TotalPrice:     total,
		FinalAmount:    total,
		Currency:       s.currency,
		Status:         model.BookingPending,
		ExpiresAt:      expiresAt,
		IdempotencyKey: req.IdempotencyKey,
		LockOwner:      token,
		Payment:        model.Payment{OrderID: order.ID, Status: model.PaymentCreated, NextPollAt: &pollAt},
		DepartureAt:    req.DepartureAt,
		Source:         req.Source,
		CreatedAt:      now,
	}
	if err := s.ledger.Create(ctx, b); err != nil {
		release()
		if errors.Is(err, repository.ErrDuplicate) {
			if existing, ferr := s.findIdempotent(ctx, req); ferr != nil || existing != nil {
				return existing, ferr
			}
		}
		return nil, infra("persist booking", err)
	}

	s.record(ctx, b, model.TxLock, model.TxCompleted, total, token)
	log.WithFields(logrus.Fields{"order_id": order.ID, "expires_at": b.ExpiresAt}).Info("booking created")
	return &InitiateResult{Booking: b}, nil
}

func (s *Service) findIdempotent(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	existing, err := s.ledger.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, infra("idempotency lookup", err)
	}
	if existing.UserID != req.UserID {
		return nil, invalid("idempotency key already used")
	}
	return &InitiateResult{Booking: existing, Duplicate: true}, nil
}

// ExtendHold renews every seat lock of a PENDING booking and moves its
// expiry.  If any lock is already gone the booking is left untouched and a
// *LockLostError is returned.
func (s *Service) ExtendHold(ctx context.Context, bookingID, userID string, extendBy time.Duration) (b *model.Booking, err error) {
	ctx, span := tracer.Start(ctx, "booking.ExtendHold", trace.WithAttributes(attribute.String("booking_id", bookingID)))
	defer func() { endSpan(span, err) }()

	b, err = s.load(ctx, bookingID, userID)
	if err != nil {
		return nil, err
	}
	if b.Status != model.BookingPending {
		return b, &TransitionError{BookingID: b.BookingID, From: b.Status, To: model.BookingPending}
	}
	now := s.now().UTC()
	if !now.Before(b.ExpiresAt) {
		return b, ErrExpired
	}
	if extendBy <= 0 {
		extendBy = s.holdTTL
	}
	newExpiry := now.Add(extendBy)
	if newExpiry.Before(b.ExpiresAt) {
		newExpiry = b.ExpiresAt
	}
	ttl := newExpiry.Sub(now)

	var lost []string
	for _, seat := range b.SeatNumbers() {
		ok, err := s.locks.Renew(ctx, b.RunID, seat, b.LockOwner, ttl)
		if err != nil {
			return b, infra("renew seat lock", err)
		}
		if !ok {
			lost = append(lost, seat)
		}
	}
	if len(lost) > 0 {
		s.log.WithFields(logrus.Fields{"booking_id": b.BookingID, "seats": lost}).Warn("hold extension lost locks")
		return b, &LockLostError{Seats: lost}
	}

	return s.apply(ctx, b, func(next *model.Booking) error {
		if !s.now().Before(next.ExpiresAt) {
			return ErrExpired
		}
		next.ExpiresAt = newExpiry
		return nil
	})
}

// CancelBooking cancels on behalf of the user.  A PENDING hold is simply
// released.  A CONFIRMED booking is refunded according to the refund
// policy and ends REFUNDED, or CANCELLED when no refund is due.
func (s *Service) CancelBooking(ctx context.Context, bookingID, userID, reason string) (b *model.Booking, err error) {
	ctx, span := tracer.Start(ctx, "booking.CancelBooking", trace.WithAttributes(attribute.String("booking_id", bookingID)))
	defer func() { endSpan(span, err) }()

	b, err = s.load(ctx, bookingID, userID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	switch b.Status {
	case model.BookingPending:
		next, err := s.transition(ctx, b, model.BookingCancelled, func(n *model.Booking) error {
			n.CancelReason = reason
			n.Payment.NextPollAt = nil
			return nil
		})
		if err != nil {
			return next, err
		}
		s.record(ctx, next, model.TxRelease, model.TxCompleted, 0, next.LockOwner)
		s.notify(ctx, queue.KeyBookingCancelled, next, reason)
		return next, nil

	case model.BookingConfirmed:
		amount := s.refundPolicy.Amount(b.FinalAmount, b.DepartureAt, s.now())
		if amount <= 0 {
			next, err := s.transition(ctx, b, model.BookingCancelled, func(n *model.Booking) error {
				n.CancelReason = reason
				return nil
			})
			if err != nil {
				return next, err
			}
			s.notify(ctx, queue.KeyBookingCancelled, next, reason)
			return next, nil
		}
		return s.refundConfirmed(ctx, b, amount, reason)

	default:
		return b, &TransitionError{BookingID: b.BookingID, From: b.Status, To: model.BookingCancelled}
	}
}

// refundConfirmed issues a refund for a CONFIRMED booking and moves it to
// REFUNDED.  The INITIATED log entry is claimed first so a concurrent
// cancel cannot refund twice.
func (s *Service) refundConfirmed(ctx context.Context, b *model.Booking, amount int64, reason string) (*model.Booking, error) {
	claimed, err := s.txlog.AppendOnce(ctx, &model.Transaction{
		BookingID: b.BookingID, Kind: model.TxRefund, Status: model.TxInitiated, Amount: amount, Ref: b.Payment.PaymentID,
	})
	if err != nil {
		return b, infra("claim refund", err)
	}
	if !claimed {
		return b, &TransitionError{BookingID: b.BookingID, From: b.Status, To: model.BookingRefunded}
	}

	refund, err := s.gateway.Refund(ctx, b.Payment.PaymentID, amount, map[string]string{"booking_id": b.BookingID, "reason": reason})
	if err != nil {
		s.record(ctx, b, model.TxRefund, model.TxFailed, amount, b.Payment.PaymentID)
		return b, infra("refund payment", err)
	}
	if refund.Amount <= 0 {
		refund.Amount = amount
	}

	refundedAt := s.now().UTC()
	next, err := s.transition(ctx, b, model.BookingRefunded, func(n *model.Booking) error {
		n.CancelReason = reason
		n.Payment.RefundID = refund.ID
		n.Payment.RefundAmount = refund.Amount
		n.Payment.RefundedAt = &refundedAt
		n.Payment.Status = model.PaymentPartiallyRefunded
		if refund.Amount >= n.FinalAmount {
			n.Payment.Status = model.PaymentRefunded
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"booking_id": b.BookingID, "refund_id": refund.ID}).
			Error("refund issued but booking not updated")
		return next, err
	}
	s.record(ctx, next, model.TxRefund, model.TxCompleted, refund.Amount, refund.ID)
	s.notify(ctx, queue.KeyBookingCancelled, next, reason)
	return next, nil
}

// GetBookingDetails returns a booking owned by userID.  An empty userID
// skips the ownership check.
func (s *Service) GetBookingDetails(ctx context.Context, bookingID, userID string) (*model.Booking, error) {
	return s.load(ctx, bookingID, userID)
}

// ListQuery selects a page of a user's bookings.  Page starts at 1.
type ListQuery struct {
	Page   int
	Limit  int
	Status model.BookingStatus
}

// Page is one page of bookings with paging metadata.
type Page struct {
	Bookings   []*model.Booking `json:"bookings"`
	Page       int              `json:"page"`
	Limit      int              `json:"limit"`
	Total      int              `json:"total"`
	TotalPages int              `json:"total_pages"`
}

// ListUserBookings returns a user's bookings, newest first.
func (s *Service) ListUserBookings(ctx context.Context, userID string, q ListQuery) (*Page, error) {
	if userID == "" {
		return nil, invalid("user id is required")
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, invalid("unknown status %q", q.Status)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = defaultPageSize
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}
	items, total, err := s.ledger.ListByUser(ctx, repository.ListFilter{
		UserID: userID, Status: q.Status, Limit: q.Limit, Offset: (q.Page - 1) * q.Limit,
	})
	if err != nil {
		return nil, infra("list bookings", err)
	}
	return &Page{
		Bookings:   items,
		Page:       q.Page,
		Limit:      q.Limit,
		Total:      total,
		TotalPages: (total + q.Limit - 1) / q.Limit,
	}, nil
}

// Receipt is the printable summary of a confirmed booking.
type Receipt struct {
	BookingID   string             `json:"booking_id"`
	RunID       string             `json:"run_id"`
	Seats       []model.BookedSeat `json:"seats"`
	TotalPrice  int64              `json:"total_price"`
	FinalAmount int64              `json:"final_amount"`
	Currency    string             `json:"currency"`
	PaymentID   string             `json:"payment_id"`
	PaidAt      *time.Time         `json:"paid_at,omitempty"`
	DepartureAt *time.Time         `json:"departure_at,omitempty"`
	IssuedAt    time.Time          `json:"issued_at"`
}

// Receipt builds the receipt of a CONFIRMED booking.
func (s *Service) Receipt(ctx context.Context, bookingID, userID string) (*Receipt, error) {
	b, err := s.load(ctx, bookingID, userID)
	if err != nil {
		return nil, err
	}
	if b.Status != model.BookingConfirmed {
		return nil, ErrReceiptUnavailable
	}
	return &Receipt{
		BookingID:   b.BookingID,
		RunID:       b.RunID,
		Seats:       b.Seats,
		TotalPrice:  b.TotalPrice,
		FinalAmount: b.FinalAmount,
		Currency:    b.Currency,
		PaymentID:   b.Payment.PaymentID,
		PaidAt:      b.Payment.PaidAt,
		DepartureAt: b.DepartureAt,
		IssuedAt:    s.now().UTC(),
	}, nil
}

func (s *Service) load(ctx context.Context, bookingID, userID string) (*model.Booking, error) {
	b, err := s.ledger.GetByBookingID(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, infra("load booking", err)
	}
	if userID != "" && b.UserID != userID {
		// other users' bookings are indistinguishable from missing ones
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *Service) record(ctx context.Context, b *model.Booking, kind model.TransactionKind, status model.TransactionStatus, amount int64, ref string) {
	_, err := s.txlog.AppendOnce(context.WithoutCancel(ctx), &model.Transaction{
		BookingID: b.BookingID, Kind: kind, Status: status, Amount: amount, Ref: ref,
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"booking_id": b.BookingID, "kind": kind, "status": status}).
			Warn("transaction log append failed")
	}
}

func (s *Service) notify(ctx context.Context, key string, b *model.Booking, reason string) {
	ev := queue.BookingEvent{
		Type:         key,
		BookingID:    b.BookingID,
		UserID:       b.UserID,
		RunID:        b.RunID,
		Seats:        b.SeatNumbers(),
		Status:       string(b.Status),
		Amount:       b.FinalAmount,
		RefundAmount: b.Payment.RefundAmount,
		Currency:     b.Currency,
		Reason:       reason,
		OccurredAt:   s.now().UTC(),
	}
	if err := s.notifier.PublishJSON(context.WithoutCancel(ctx), key, ev); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"booking_id": b.BookingID, "event": key}).Warn("notification publish failed")
	}
}

func validateInitiate(req InitiateRequest) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return invalid("user id is required")
	case strings.TrimSpace(req.RunID) == "":
		return invalid("run id is required")
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return invalid("idempotency key is required")
	case len(req.Seats) == 0:
		return invalid("at least one seat is required")
	}
	seen := make(map[string]struct{}, len(req.Seats))
	for _, seat := range req.Seats {
		if strings.TrimSpace(seat.SeatNumber) == "" {
			return invalid("seat number is required")
		}
		if seat.Price < 0 {
			return invalid("seat %s has a negative price", seat.SeatNumber)
		}
		if _, dup := seen[seat.SeatNumber]; dup {
			return invalid("seat %s requested twice", seat.SeatNumber)
		}
		seen[seat.SeatNumber] = struct{}{}
	}
	return nil
}

func seatNumbers(seats []model.BookedSeat) []string {
	out := make([]string, 0, len(seats))
	for _, s := range seats {
		out = append(out, s.SeatNumber)
	}
	return out
}

func newBookingID() string {
	return "bk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func endSpan(span trace.Span, err error) {
	if err != nil && !benign(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
