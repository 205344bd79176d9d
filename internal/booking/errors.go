package booking

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
)

// Sentinel errors.  Callers match them with errors.Is; the typed errors
// below carry details and match the corresponding sentinel.
var (
	ErrInvalidRequest     = errors.New("invalid booking request")
	ErrNotFound           = errors.New("booking not found")
	ErrSeatConflict       = errors.New("seats unavailable")
	ErrExpired            = errors.New("booking hold expired")
	ErrPaymentOrder       = errors.New("payment order could not be created")
	ErrInvalidTransition  = errors.New("invalid booking transition")
	ErrInfrastructure     = errors.New("infrastructure failure")
	ErrLockLost           = errors.New("seat lock lost")
	ErrSignature          = errors.New("invalid payment signature")
	ErrReceiptUnavailable = errors.New("receipt available only for confirmed bookings")
)

// ConflictError names the seats that could not be taken.
type ConflictError struct {
	Seats []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSeatConflict, strings.Join(e.Seats, ","))
}

func (e *ConflictError) Is(target error) bool { return target == ErrSeatConflict }

// PaymentOrderError wraps the gateway failure that aborted a booking.
type PaymentOrderError struct {
	Err error
}

func (e *PaymentOrderError) Error() string { return fmt.Sprintf("%s: %v", ErrPaymentOrder, e.Err) }

func (e *PaymentOrderError) Is(target error) bool { return target == ErrPaymentOrder }

func (e *PaymentOrderError) Unwrap() error { return e.Err }

// TransitionError reports a transition that is not allowed from the status
// the booking is actually in.  It is the expected outcome of losing a race
// and callers treat it as a no-op.
type TransitionError struct {
	BookingID string
	From      model.BookingStatus
	To        model.BookingStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s %s -> %s", ErrInvalidTransition, e.BookingID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// InfrastructureError wraps a failure of Redis, MySQL or the gateway.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *InfrastructureError) Is(target error) bool { return target == ErrInfrastructure }

func (e *InfrastructureError) Unwrap() error { return e.Err }

// LockLostError names seats whose lock could not be renewed.
type LockLostError struct {
	Seats []string
}

func (e *LockLostError) Error() string {
	return fmt.Sprintf("%s: %s", ErrLockLost, strings.Join(e.Seats, ","))
}

func (e *LockLostError) Is(target error) bool { return target == ErrLockLost }

func infra(op string, err error) error {
	return &InfrastructureError{Op: op, Err: err}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
