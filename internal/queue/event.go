// Package queue defines message payloads exchanged over the message broker
// and the publisher/consumer that move them.
package queue

import "time"

// Routing keys of the booking.events topic exchange.
const (
	KeyBookingConfirmed = "booking.confirmed"
	KeyBookingExpired   = "booking.expired"
	KeyBookingCancelled = "booking.cancelled"
	KeyPaymentFailed    = "payment.failed"
	KeyRefundProcessed  = "refund.processed"
)

// BookingEvent is published whenever a booking changes state in a way a
// user should hear about.  It carries enough for the notification service
// to render a message without reading the ledger.
type BookingEvent struct {
	Type         string    `json:"type"`
	BookingID    string    `json:"booking_id"`
	UserID       string    `json:"user_id"`
	RunID        string    `json:"run_id"`
	Seats        []string  `json:"seats"`
	Status       string    `json:"status"`
	Amount       int64     `json:"amount"`
	RefundAmount int64     `json:"refund_amount,omitempty"`
	Currency     string    `json:"currency"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
