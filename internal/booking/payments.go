package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/payment"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/queue"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/repository"
)

// errNotDue aborts an expiry whose hold was extended in the meantime.
var errNotDue = errors.New("hold not yet expired")

// ConfirmPayment applies a captured payment reported for a gateway order.
// Repeated reports of the same capture are no-ops.  A capture that arrives
// after the booking stopped being PENDING is refunded in full.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, paymentID, signature string) (b *model.Booking, err error) {
	ctx, span := tracer.Start(ctx, "booking.ConfirmPayment", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer func() { endSpan(span, err) }()

	b, err = s.byOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.confirm(ctx, b, paymentID, signature)
}

// ConfirmClientPayment confirms a booking from the checkout callback of
// the client, which carries the payment id and its gateway signature.
func (s *Service) ConfirmClientPayment(ctx context.Context, bookingID, userID, paymentID, signature string) (b *model.Booking, err error) {
	ctx, span := tracer.Start(ctx, "booking.ConfirmClientPayment", trace.WithAttributes(attribute.String("booking_id", bookingID)))
	defer func() { endSpan(span, err) }()

	b, err = s.load(ctx, bookingID, userID)
	if err != nil {
		return nil, err
	}
	if paymentID == "" || !s.gateway.VerifyPaymentSignature(b.Payment.OrderID, paymentID, signature) {
		return nil, ErrSignature
	}
	return s.confirm(ctx, b, paymentID, signature)
}

func (s *Service) confirm(ctx context.Context, b *model.Booking, paymentID, signature string) (*model.Booking, error) {
	log := s.log.WithFields(logrus.Fields{"booking_id": b.BookingID, "payment_id": paymentID})

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		switch b.Status {
		case model.BookingConfirmed:
			if b.Payment.PaymentID == paymentID {
				return b, nil
			}
			log.Warn("second capture on a confirmed booking")
			return s.refundLateCapture(ctx, b, paymentID)

		case model.BookingPending:
			if !s.now().Before(b.ExpiresAt) {
				if _, err := s.Expire(ctx, b); err != nil {
					return b, err
				}
				fresh, err := s.reload(ctx, b)
				if err != nil {
					return b, err
				}
				b = fresh
				continue
			}
			paidAt := s.now().UTC()
			next, err := s.transition(ctx, b, model.BookingConfirmed, func(n *model.Booking) error {
				if !paidAt.Before(n.ExpiresAt) {
					return ErrExpired
				}
				n.Payment.PaymentID = paymentID
				n.Payment.Signature = signature
				n.Payment.Status = model.PaymentPaid
				n.Payment.PaidAt = &paidAt
				n.Payment.NextPollAt = nil
				return nil
			})
			switch {
			case err == nil:
				s.record(ctx, next, model.TxPayment, model.TxCompleted, next.FinalAmount, paymentID)
				s.notify(ctx, queue.KeyBookingConfirmed, next, "")
				log.Info("booking confirmed")
				return next, nil
			case errors.Is(err, ErrExpired), errors.Is(err, ErrInvalidTransition):
				// next is the freshest copy; decide again from its status
				b = next
				continue
			case errors.Is(err, ErrSeatConflict):
				log.WithError(err).Warn("seats already sold to another booking")
				closed, cerr := s.closeUnavailable(ctx, next)
				if benign(cerr) {
					b = closed
					continue
				}
				if cerr != nil {
					return closed, cerr
				}
				return s.refundLateCapture(ctx, closed, paymentID)
			default:
				return next, err
			}

		case model.BookingExpired, model.BookingPaymentFailed, model.BookingCancelled:
			log.WithField("status", b.Status).Warn("capture after booking closed")
			return s.refundLateCapture(ctx, b, paymentID)

		default:
			return b, &TransitionError{BookingID: b.BookingID, From: b.Status, To: model.BookingConfirmed}
		}
	}
	return b, &TransitionError{BookingID: b.BookingID, From: b.Status, To: model.BookingConfirmed}
}

// closeUnavailable cancels a PENDING booking whose seats were sold to
// another booking while it was held.
func (s *Service) closeUnavailable(ctx context.Context, b *model.Booking) (*model.Booking, error) {
	const reason = "seats unavailable"
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
}

// refundLateCapture returns the full amount of a capture that cannot be
// honoured.  The seats are never re-taken.
func (s *Service) refundLateCapture(ctx context.Context, b *model.Booking, paymentID string) (*model.Booking, error) {
	amount := b.FinalAmount
	claimed, err := s.txlog.AppendOnce(ctx, &model.Transaction{
		BookingID: b.BookingID, Kind: model.TxRefund, Status: model.TxInitiated, Amount: amount, Ref: paymentID,
	})
	if err != nil {
		return b, infra("claim refund", err)
	}
	if !claimed {
		return b, nil
	}

	refund, err := s.gateway.Refund(ctx, paymentID, amount, map[string]string{"booking_id": b.BookingID, "reason": "late capture"})
	if err != nil {
		s.record(ctx, b, model.TxRefund, model.TxFailed, amount, paymentID)
		s.log.WithError(err).WithFields(logrus.Fields{"booking_id": b.BookingID, "payment_id": paymentID}).
			Error("late capture refund failed")
		return b, infra("refund late capture", err)
	}
	if refund.Amount <= 0 {
		refund.Amount = amount
	}
	s.record(ctx, b, model.TxRefund, model.TxCompleted, refund.Amount, refund.ID)

	next := b
	if b.Status != model.BookingConfirmed {
		refundedAt := s.now().UTC()
		updated, err := s.apply(ctx, b, func(n *model.Booking) error {
			n.Payment.PaymentID = paymentID
			n.Payment.Status = model.PaymentRefunded
			n.Payment.RefundID = refund.ID
			n.Payment.RefundAmount = refund.Amount
			n.Payment.RefundedAt = &refundedAt
			n.Payment.NextPollAt = nil
			return nil
		})
		if err != nil {
			s.log.WithError(err).WithField("booking_id", b.BookingID).Warn("late capture refund not stored on booking")
		} else {
			next = updated
		}
	}
	s.notify(ctx, queue.KeyRefundProcessed, next, "late capture")
	return next, nil
}

// FailPayment counts a failed payment attempt against a PENDING booking.
// Once the attempt budget is used up the booking becomes PAYMENT_FAILED;
// until then the retry worker polls the gateway with exponential backoff.
func (s *Service) FailPayment(ctx context.Context, orderID, paymentID, reason string) (b *model.Booking, err error) {
	ctx, span := tracer.Start(ctx, "booking.FailPayment", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer func() { endSpan(span, err) }()

	b, err = s.byOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	b, _, err = s.registerFailure(ctx, b, paymentID, reason)
	return b, err
}

// registerFailure reports applied=false when this failure was already
// counted.
func (s *Service) registerFailure(ctx context.Context, b *model.Booking, paymentID, reason string) (*model.Booking, bool, error) {
	if b.Status != model.BookingPending {
		return b, false, &TransitionError{BookingID: b.BookingID, From: b.Status, To: model.BookingPaymentFailed}
	}
	if !s.now().Before(b.ExpiresAt) {
		return b, false, ErrExpired
	}
	ref := paymentID
	if ref == "" {
		ref = fmt.Sprintf("%s#%d", b.Payment.OrderID, b.Payment.RetryAttempts+1)
	}
	claimed, err := s.txlog.AppendOnce(ctx, &model.Transaction{
		BookingID: b.BookingID, Kind: model.TxPayment, Status: model.TxFailed, Amount: b.FinalAmount, Ref: ref,
	})
	if err != nil {
		return b, false, infra("record payment failure", err)
	}
	if !claimed {
		return b, false, nil
	}

	var exhausted bool
	next, err := s.apply(ctx, b, func(n *model.Booking) error {
		now := s.now().UTC()
		if !now.Before(n.ExpiresAt) {
			return ErrExpired
		}
		n.Payment.RetryAttempts++
		if paymentID != "" {
			n.Payment.PaymentID = paymentID
		}
		exhausted = n.Payment.RetryAttempts >= s.maxAttempts
		if exhausted {
			n.Status = model.BookingPaymentFailed
			n.Payment.Status = model.PaymentFailed
			n.Payment.NextPollAt = nil
			n.CancelReason = reason
			return nil
		}
		at := now.Add(s.backoff(n.Payment.RetryAttempts))
		n.Payment.Status = model.PaymentRetrying
		n.Payment.NextPollAt = &at
		return nil
	})
	if err != nil {
		return next, false, err
	}

	log := s.log.WithFields(logrus.Fields{"booking_id": next.BookingID, "attempts": next.Payment.RetryAttempts})
	if exhausted {
		s.notify(ctx, queue.KeyPaymentFailed, next, reason)
		log.Info("payment attempts exhausted")
	} else {
		log.WithField("next_poll_at", next.Payment.NextPollAt).Info("payment failed, retry scheduled")
	}
	return next, true, nil
}

// RetryPayment asks the gateway about a PENDING booking whose payment is
// still open and applies whatever it reports.  Polls that settle nothing
// back off exponentially and are capped by the poll limit.
func (s *Service) RetryPayment(ctx context.Context, b *model.Booking) (next *model.Booking, err error) {
	ctx, span := tracer.Start(ctx, "booking.RetryPayment", trace.WithAttributes(attribute.String("booking_id", b.BookingID)))
	defer func() { endSpan(span, err) }()

	if b.Status != model.BookingPending || !s.now().Before(b.ExpiresAt) {
		return b, nil
	}
	info, err := s.gateway.FetchPayment(ctx, b.Payment.OrderID)
	if err != nil {
		if next, rerr := s.reschedule(ctx, b); rerr == nil {
			b = next
		}
		return b, infra("fetch payment", err)
	}

	switch info.State {
	case payment.PaymentStateCaptured:
		return s.confirm(ctx, b, info.PaymentID, "")
	case payment.PaymentStateFailed:
		next, applied, err := s.registerFailure(ctx, b, info.PaymentID, "payment failed")
		if err != nil || applied {
			return next, err
		}
		return s.reschedule(ctx, next)
	default:
		return s.reschedule(ctx, b)
	}
}

// reschedule counts a poll that settled nothing and pushes the next one
// further out.  Once the poll limit is reached the booking is failed and
// its seats are released.
func (s *Service) reschedule(ctx context.Context, b *model.Booking) (*model.Booking, error) {
	const reason = "payment outcome unknown"
	var exhausted bool
	next, err := s.apply(ctx, b, func(n *model.Booking) error {
		if n.Status != model.BookingPending {
			return &TransitionError{BookingID: n.BookingID, From: n.Status, To: model.BookingPending}
		}
		now := s.now().UTC()
		if !now.Before(n.ExpiresAt) {
			return ErrExpired
		}
		n.Payment.PollAttempts++
		exhausted = n.Payment.PollAttempts >= s.maxPolls
		if exhausted {
			n.Status = model.BookingPaymentFailed
			n.Payment.Status = model.PaymentFailed
			n.Payment.NextPollAt = nil
			n.CancelReason = reason
			return nil
		}
		at := now.Add(s.backoff(n.Payment.PollAttempts + 1))
		n.Payment.NextPollAt = &at
		return nil
	})
	if errors.Is(err, ErrExpired) {
		// left to the expiry reconciler
		return next, nil
	}
	if err != nil {
		return next, err
	}
	log := s.log.WithFields(logrus.Fields{"booking_id": next.BookingID, "polls": next.Payment.PollAttempts})
	if exhausted {
		s.notify(ctx, queue.KeyPaymentFailed, next, reason)
		log.Info("poll limit reached, payment failed")
	} else {
		log.WithField("next_poll_at", next.Payment.NextPollAt).Debug("payment still open")
	}
	return next, nil
}

// backoff is base * 2^(attempt-1), capped at the configured maximum.
func (s *Service) backoff(attempt int) time.Duration {
	d := s.retryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.retryMax {
			return s.retryMax
		}
	}
	if d > s.retryMax {
		return s.retryMax
	}
	return d
}

// ApplyRefundProcessed stores a refund the gateway reports as processed.
// Refunds issued by this service are already recorded and are ignored.
func (s *Service) ApplyRefundProcessed(ctx context.Context, orderID, refundID string, amount int64) (b *model.Booking, err error) {
	ctx, span := tracer.Start(ctx, "booking.ApplyRefundProcessed", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer func() { endSpan(span, err) }()

	b, err = s.byOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if b.Status == model.BookingPending {
		return b, &TransitionError{BookingID: b.BookingID, From: b.Status, To: model.BookingRefunded}
	}
	claimed, err := s.txlog.AppendOnce(ctx, &model.Transaction{
		BookingID: b.BookingID, Kind: model.TxRefund, Status: model.TxCompleted, Amount: amount, Ref: refundID,
	})
	if err != nil {
		return b, infra("record refund", err)
	}
	if !claimed {
		return b, nil
	}

	refundedAt := s.now().UTC()
	update := func(n *model.Booking) error {
		n.Payment.RefundID = refundID
		n.Payment.RefundAmount = amount
		n.Payment.RefundedAt = &refundedAt
		n.Payment.Status = model.PaymentPartiallyRefunded
		if amount >= n.FinalAmount {
			n.Payment.Status = model.PaymentRefunded
		}
		return nil
	}
	var next *model.Booking
	if b.Status == model.BookingConfirmed {
		next, err = s.transition(ctx, b, model.BookingRefunded, update)
	} else {
		next, err = s.apply(ctx, b, update)
	}
	if err != nil {
		return next, err
	}
	s.notify(ctx, queue.KeyRefundProcessed, next, "refund processed")
	return next, nil
}

// Expire moves a PENDING booking whose hold has run out to EXPIRED and
// frees its seats.  It reports false when the booking was not expired by
// this call: already closed, extended, or taken by a concurrent writer.
func (s *Service) Expire(ctx context.Context, b *model.Booking) (bool, error) {
	next, err := s.transition(ctx, b, model.BookingExpired, func(n *model.Booking) error {
		if s.now().Before(n.ExpiresAt) {
			return errNotDue
		}
		n.Payment.NextPollAt = nil
		return nil
	})
	if errors.Is(err, errNotDue) || benign(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.record(ctx, next, model.TxRelease, model.TxCompleted, 0, next.LockOwner)
	s.notify(ctx, queue.KeyBookingExpired, next, "hold expired")
	s.log.WithFields(logrus.Fields{"booking_id": next.BookingID, "run_id": next.RunID}).Info("booking expired")
	return true, nil
}

func (s *Service) byOrder(ctx context.Context, orderID string) (*model.Booking, error) {
	if orderID == "" {
		return nil, invalid("order id is required")
	}
	b, err := s.ledger.FindByProviderOrderID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, infra("load booking by order", err)
	}
	return b, nil
}

func (s *Service) reload(ctx context.Context, b *model.Booking) (*model.Booking, error) {
	fresh, err := s.ledger.GetByBookingID(ctx, b.BookingID)
	if err != nil {
		return b, infra("reload booking", err)
	}
	return fresh, nil
}
