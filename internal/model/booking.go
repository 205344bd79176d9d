package model

import "time"

// BookingStatus is the lifecycle state of a booking.  PENDING is the only
// state in which seats are held by leases; every other state is either a
// durable commitment (CONFIRMED) or terminal.
type BookingStatus string

const (
	BookingPending       BookingStatus = "PENDING"
	BookingConfirmed     BookingStatus = "CONFIRMED"
	BookingExpired       BookingStatus = "EXPIRED"
	BookingPaymentFailed BookingStatus = "PAYMENT_FAILED"
	BookingCancelled     BookingStatus = "CANCELLED"
	BookingRefunded      BookingStatus = "REFUNDED"
)

// Terminal reports whether no further transition can leave the status.
func (s BookingStatus) Terminal() bool {
	switch s {
	case BookingExpired, BookingPaymentFailed, BookingCancelled, BookingRefunded:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingConfirmed, BookingExpired, BookingPaymentFailed, BookingCancelled, BookingRefunded:
		return true
	}
	return false
}

// PaymentStatus tracks the gateway side of a booking.
type PaymentStatus string

const (
	PaymentCreated           PaymentStatus = "CREATED"
	PaymentRetrying          PaymentStatus = "RETRYING"
	PaymentPaid              PaymentStatus = "PAID"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Segment is the boarding and alighting stop of a seat on a run.
type Segment struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// BookedSeat is one seat inside a booking.  Price is in minor currency units.
type BookedSeat struct {
	SeatNumber string  `json:"seat_number"`
	Price      int64   `json:"price"`
	Segment    Segment `json:"segment"`
}

// Payment holds the gateway references of a booking.
//
// Fields:
//
//	OrderID       – gateway order opened when the booking was created.
//	PaymentID     – captured (or last attempted) payment.
//	Signature     – signature presented with the capture, if any.
//	RetryAttempts – failed attempts counted so far.
//	PollAttempts  – gateway polls that settled nothing.
//	NextPollAt    – when the retry worker should next ask the gateway.
type Payment struct {
	OrderID       string        `json:"order_id"`
	PaymentID     string        `json:"payment_id,omitempty"`
	Signature     string        `json:"-"`
	Status        PaymentStatus `json:"status"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	RefundID      string        `json:"refund_id,omitempty"`
	RefundAmount  int64         `json:"refund_amount,omitempty"`
	RefundedAt    *time.Time    `json:"refunded_at,omitempty"`
	RetryAttempts int           `json:"retry_attempts"`
	PollAttempts  int           `json:"poll_attempts"`
	NextPollAt    *time.Time    `json:"next_poll_at,omitempty"`
}

// Booking is a user's claim on a set of seats of one run.  The row is
// updated only through conditional writes keyed on Status and Version, so
// callers always work on a copy (see Clone) and hand the copy back to the
// ledger.
type Booking struct {
	ID             uint64        `json:"-"`
	BookingID      string        `json:"booking_id"`
	UserID         string        `json:"user_id"`
	RunID          string        `json:"run_id"`
	Seats          []BookedSeat  `json:"seats"`
	TotalPrice     int64         `json:"total_price"`
	FinalAmount    int64         `json:"final_amount"`
	Currency       string        `json:"currency"`
	Status         BookingStatus `json:"status"`
	ExpiresAt      time.Time     `json:"expires_at"`
	IdempotencyKey string        `json:"-"`
	LockOwner      string        `json:"-"`
	Payment        Payment       `json:"payment"`
	CancelReason   string        `json:"cancel_reason,omitempty"`
	DepartureAt    *time.Time    `json:"departure_at,omitempty"`
	Source         string        `json:"source,omitempty"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// SeatNumbers returns the seat numbers of the booking in booking order.
func (b *Booking) SeatNumbers() []string {
	out := make([]string, 0, len(b.Seats))
	for _, s := range b.Seats {
		out = append(out, s.SeatNumber)
	}
	return out
}

// HoldExpired reports whether the booking is PENDING and its hold has run out.
func (b *Booking) HoldExpired(now time.Time) bool {
	return b.Status == BookingPending && !now.Before(b.ExpiresAt)
}

// Clone returns a deep copy so that a proposed update never aliases the
// value it was derived from.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	c.Seats = append([]BookedSeat(nil), b.Seats...)
	c.DepartureAt = cloneTime(b.DepartureAt)
	c.Payment.PaidAt = cloneTime(b.Payment.PaidAt)
	c.Payment.RefundedAt = cloneTime(b.Payment.RefundedAt)
	c.Payment.NextPollAt = cloneTime(b.Payment.NextPollAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
