package model

import "time"

// SeatLock is a live lease on one seat of one run, as read back from the
// lease store.  Owner is the token the holder must present to renew or
// release it.
type SeatLock struct {
	RunID      string    `json:"run_id"`
	SeatNumber string    `json:"seat_number"`
	Owner      string    `json:"-"`
	BookingID  string    `json:"booking_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
