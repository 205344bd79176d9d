// Package webhook authenticates payment gateway events and applies them to
// bookings.  The same Ingress serves the HTTP webhook endpoint and the
// broker consumer that relays gateway events.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/booking"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
)

var (
	// ErrUnauthenticated means the signature did not match the body.
	ErrUnauthenticated = errors.New("webhook signature mismatch")
	// ErrMalformed means the body is not a usable gateway event.
	ErrMalformed = errors.New("malformed webhook payload")
)

// Event types handled by the ingress.  Everything else is acknowledged and
// ignored.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventRefundProcessed = "refund.processed"
)

// Verifier checks a webhook signature.  payment.Gateway implements it.
type Verifier interface {
	VerifyWebhook(body []byte, signature string) bool
}

// Applier is the part of the booking service the ingress drives.
type Applier interface {
	ConfirmPayment(ctx context.Context, orderID, paymentID, signature string) (*model.Booking, error)
	FailPayment(ctx context.Context, orderID, paymentID, reason string) (*model.Booking, error)
	ApplyRefundProcessed(ctx context.Context, orderID, refundID string, amount int64) (*model.Booking, error)
}

type envelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Refund *struct {
			Entity refundEntity `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Status           string `json:"status"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

type refundEntity struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
}

// Result says what the ingress did with an event.
type Result struct {
	Event     string
	OrderID   string
	BookingID string
	Status    model.BookingStatus
	Ignored   bool
}

// Ingress verifies and dispatches gateway events.
type Ingress struct {
	verifier Verifier
	bookings Applier
	log      *logrus.Entry
}

func NewIngress(v Verifier, a Applier, log *logrus.Entry) *Ingress {
	if v == nil || a == nil {
		panic("nil dependency passed to webhook.NewIngress")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ingress{verifier: v, bookings: a, log: log}
}

// Handle authenticates body and applies it.  Redelivered events, events
// for unknown orders and events that lost a race against another state
// change are reported as ignored rather than as errors so the gateway
// stops redelivering them.
func (in *Ingress) Handle(ctx context.Context, body []byte, signature string) (Result, error) {
	if signature == "" || !in.verifier.VerifyWebhook(body, signature) {
		return Result{}, ErrUnauthenticated
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	res := Result{Event: env.Event}
	log := in.log.WithField("event", env.Event)

	var (
		b   *model.Booking
		err error
	)
	switch env.Event {
	case EventPaymentCaptured, EventPaymentFailed:
		if env.Payload.Payment == nil || env.Payload.Payment.Entity.OrderID == "" {
			return res, fmt.Errorf("%w: payment entity without order", ErrMalformed)
		}
		p := env.Payload.Payment.Entity
		res.OrderID = p.OrderID
		log = log.WithFields(logrus.Fields{"order_id": p.OrderID, "payment_id": p.ID})
		if env.Event == EventPaymentCaptured {
			// the webhook carries no checkout signature for the payment
			b, err = in.bookings.ConfirmPayment(ctx, p.OrderID, p.ID, "")
		} else {
			reason := p.ErrorDescription
			if reason == "" {
				reason = "payment failed"
			}
			b, err = in.bookings.FailPayment(ctx, p.OrderID, p.ID, reason)
		}

	case EventRefundProcessed:
		if env.Payload.Refund == nil || env.Payload.Payment == nil || env.Payload.Payment.Entity.OrderID == "" {
			return res, fmt.Errorf("%w: refund event without payment order", ErrMalformed)
		}
		r := env.Payload.Refund.Entity
		res.OrderID = env.Payload.Payment.Entity.OrderID
		log = log.WithFields(logrus.Fields{"order_id": res.OrderID, "refund_id": r.ID})
		b, err = in.bookings.ApplyRefundProcessed(ctx, res.OrderID, r.ID, r.Amount)

	default:
		log.Debug("webhook event ignored")
		res.Ignored = true
		return res, nil
	}

	if b != nil {
		res.BookingID = b.BookingID
		res.Status = b.Status
	}
	if err != nil {
		if ignorable(err) {
			log.WithError(err).Info("webhook event had no effect")
			res.Ignored = true
			return res, nil
		}
		log.WithError(err).Error("webhook event failed")
		return res, err
	}
	log.WithField("status", res.Status).Info("webhook event applied")
	return res, nil
}

// HandleMessage lets the ingress consume relayed events from the broker.
func (in *Ingress) HandleMessage(ctx context.Context, body []byte, signature string) error {
	_, err := in.Handle(ctx, body, signature)
	return err
}

// Retryable reports whether a failed event may succeed on redelivery.
func (in *Ingress) Retryable(err error) bool {
	return !errors.Is(err, ErrUnauthenticated) && !errors.Is(err, ErrMalformed) &&
		!errors.Is(err, booking.ErrInvalidRequest)
}

func ignorable(err error) bool {
	return errors.Is(err, booking.ErrNotFound) ||
		errors.Is(err, booking.ErrInvalidTransition) ||
		errors.Is(err, booking.ErrExpired)
}
