package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
)

// BookingRepo is the booking ledger.  Bookings are inserted once and from
// then on changed only through Update, a conditional write on
// (status, version).  All timestamps are stored in UTC.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a BookingRepo bound to db.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// ListFilter selects a page of a user's bookings.
type ListFilter struct {
	UserID string
	Status model.BookingStatus // empty for all
	Limit  int
	Offset int
}

const bookingColumns = `id, booking_id, user_id, run_id, seats, total_price, final_amount, currency,
	status, expires_at, idempotency_key, lock_owner, provider_order_id, provider_payment_id,
	provider_signature, payment_status, paid_at, refund_id, refund_amount, refunded_at,
	retry_attempts, poll_attempts, next_poll_at, cancel_reason, departure_at, booking_source, version,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(sc rowScanner) (*model.Booking, error) {
	var (
		b                                      model.Booking
		seats                                  []byte
		status, paymentStatus                  string
		paidAt, refundedAt, nextPoll, departAt sql.NullTime
	)
	err := sc.Scan(
		&b.ID, &b.BookingID, &b.UserID, &b.RunID, &seats, &b.TotalPrice, &b.FinalAmount, &b.Currency,
		&status, &b.ExpiresAt, &b.IdempotencyKey, &b.LockOwner, &b.Payment.OrderID, &b.Payment.PaymentID,
		&b.Payment.Signature, &paymentStatus, &paidAt, &b.Payment.RefundID, &b.Payment.RefundAmount, &refundedAt,
		&b.Payment.RetryAttempts, &b.Payment.PollAttempts, &nextPoll, &b.CancelReason, &departAt, &b.Source, &b.Version,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(seats, &b.Seats); err != nil {
		return nil, fmt.Errorf("decode seats of %s: %w", b.BookingID, err)
	}
	b.Status = model.BookingStatus(status)
	b.Payment.Status = model.PaymentStatus(paymentStatus)
	b.Payment.PaidAt = fromNullTime(paidAt)
	b.Payment.RefundedAt = fromNullTime(refundedAt)
	b.Payment.NextPollAt = fromNullTime(nextPoll)
	b.DepartureAt = fromNullTime(departAt)
	return &b, nil
}

// Create inserts a new booking and fills in its ID and version.  A unique
// key collision (booking id or idempotency key) is reported as ErrDuplicate.
func (r *BookingRepo) Create(ctx context.Context, b *model.Booking) error {
	seats, err := json.Marshal(b.Seats)
	if err != nil {
		return fmt.Errorf("encode seats: %w", err)
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = b.CreatedAt
	const q = `INSERT INTO bookings (booking_id, user_id, run_id, seats, total_price, final_amount, currency,
		status, expires_at, idempotency_key, lock_owner, provider_order_id, payment_status, next_poll_at,
		departure_at, booking_source, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`
	res, err := r.db.ExecContext(ctx, q,
		b.BookingID, b.UserID, b.RunID, seats, b.TotalPrice, b.FinalAmount, b.Currency,
		string(b.Status), b.ExpiresAt.UTC(), b.IdempotencyKey, b.LockOwner, b.Payment.OrderID, string(b.Payment.Status),
		toNullTime(b.Payment.NextPollAt), toNullTime(b.DepartureAt), b.Source, b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	b.Version = 1
	return nil
}

// GetByBookingID returns the booking with the given external id.
func (r *BookingRepo) GetByBookingID(ctx context.Context, bookingID string) (*model.Booking, error) {
	return r.getOne(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE booking_id = ?`, bookingID)
}

// FindByIdempotencyKey returns the booking created for key, if any.
func (r *BookingRepo) FindByIdempotencyKey(ctx context.Context, key string) (*model.Booking, error) {
	return r.getOne(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE idempotency_key = ?`, key)
}

// FindByProviderOrderID returns the booking paying through the given
// gateway order.
func (r *BookingRepo) FindByProviderOrderID(ctx context.Context, orderID string) (*model.Booking, error) {
	return r.getOne(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE provider_order_id = ? ORDER BY id DESC LIMIT 1`, orderID)
}

func (r *BookingRepo) getOne(ctx context.Context, q string, args ...any) (*model.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// FindExpired returns up to limit PENDING bookings whose hold ran out
// before now, oldest first.
func (r *BookingRepo) FindExpired(ctx context.Context, now time.Time, limit int) ([]*model.Booking, error) {
	return r.list(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE status = ? AND expires_at < ? ORDER BY expires_at LIMIT ?`,
		string(model.BookingPending), now.UTC(), limit)
}

// FindRetryDue returns PENDING bookings whose payment outcome is still
// open (no capture seen yet, or a failure waiting on a retry), whose poll
// time has come and whose hold is still live.
func (r *BookingRepo) FindRetryDue(ctx context.Context, now time.Time, limit int) ([]*model.Booking, error) {
	return r.list(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE status = ? AND payment_status IN (?, ?) AND next_poll_at <= ? AND expires_at > ?
		ORDER BY next_poll_at LIMIT ?`,
		string(model.BookingPending), string(model.PaymentCreated), string(model.PaymentRetrying),
		now.UTC(), now.UTC(), limit)
}

// ListByUser returns one page of a user's bookings, newest first, together
// with the total number of matching bookings.
func (r *BookingRepo) ListByUser(ctx context.Context, f ListFilter) ([]*model.Booking, int, error) {
	where := `WHERE user_id = ?`
	args := []any{f.UserID}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []*model.Booking{}, 0, nil
	}
	args = append(args, f.Limit, f.Offset)
	out, err := r.list(ctx, `SELECT `+bookingColumns+` FROM bookings `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *BookingRepo) list(ctx context.Context, q string, args ...any) ([]*model.Booking, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*model.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SoldSeats returns which of seats are already sold on runID.
func (r *BookingRepo) SoldSeats(ctx context.Context, runID string, seats []string) ([]string, error) {
	if len(seats) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(seats)+1)
	args = append(args, runID)
	for _, s := range seats {
		args = append(args, s)
	}
	q := `SELECT seat_number FROM sold_seats WHERE run_id = ? AND seat_number IN (` + placeholders(len(seats)) + `)`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sold []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		sold = append(sold, s)
	}
	return sold, rows.Err()
}

// Update writes next over the stored booking only if the stored row still
// has expectStatus and expectVersion.  It reports false, without error, when
// the condition no longer holds.  Sold-seat rows follow the transition in
// the same database transaction: they are inserted when a booking becomes
// CONFIRMED and removed when a CONFIRMED booking is cancelled or refunded.
// On success next.Version is advanced.
func (r *BookingRepo) Update(ctx context.Context, next *model.Booking, expectStatus model.BookingStatus, expectVersion int64) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	updatedAt := time.Now().UTC()
	const q = `UPDATE bookings SET status = ?, expires_at = ?, final_amount = ?, provider_payment_id = ?,
		provider_signature = ?, payment_status = ?, paid_at = ?, refund_id = ?, refund_amount = ?,
		refunded_at = ?, retry_attempts = ?, poll_attempts = ?, next_poll_at = ?, cancel_reason = ?,
		version = version + 1, updated_at = ?
		WHERE booking_id = ? AND status = ? AND version = ?`
	res, err := tx.ExecContext(ctx, q,
		string(next.Status), next.ExpiresAt.UTC(), next.FinalAmount, next.Payment.PaymentID,
		next.Payment.Signature, string(next.Payment.Status), toNullTime(next.Payment.PaidAt), next.Payment.RefundID, next.Payment.RefundAmount,
		toNullTime(next.Payment.RefundedAt), next.Payment.RetryAttempts, next.Payment.PollAttempts, toNullTime(next.Payment.NextPollAt), next.CancelReason,
		updatedAt,
		next.BookingID, string(expectStatus), expectVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	switch {
	case expectStatus == model.BookingPending && next.Status == model.BookingConfirmed:
		if err := insertSoldSeatsTx(ctx, tx, next); err != nil {
			return false, err
		}
	case expectStatus == model.BookingConfirmed && (next.Status == model.BookingCancelled || next.Status == model.BookingRefunded):
		if _, err := tx.ExecContext(ctx, `DELETE FROM sold_seats WHERE booking_id = ?`, next.BookingID); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	next.Version = expectVersion + 1
	next.UpdatedAt = updatedAt
	return true, nil
}

func insertSoldSeatsTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	if len(b.Seats) == 0 {
		return nil
	}
	query := `INSERT INTO sold_seats (run_id, seat_number, booking_id) VALUES `
	args := make([]any, 0, len(b.Seats)*3)
	for i, s := range b.Seats {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?)"
		args = append(args, b.RunID, s.SeatNumber, b.BookingID)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("seats of %s already sold: %w", b.BookingID, ErrConflict)
		}
		return err
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
