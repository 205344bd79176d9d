package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
)

// TransactionRepo appends to the transaction log.
type TransactionRepo struct {
	db *sql.DB
}

// NewTransactionRepo returns a TransactionRepo bound to db.
func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

// AppendOnce records t unless the same (booking, kind, status, ref) fact is
// already logged.  It reports whether a new row was written, which callers
// use to claim one-time side effects such as issuing a refund.
func (r *TransactionRepo) AppendOnce(ctx context.Context, t *model.Transaction) (bool, error) {
	if t.TransactionID == "" {
		t.TransactionID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	// id = id keeps the existing row untouched, so RowsAffected is 0 on a repeat.
	const q = `INSERT INTO transactions (transaction_id, booking_id, kind, status, amount, ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE id = id`
	res, err := r.db.ExecContext(ctx, q,
		t.TransactionID, t.BookingID, string(t.Kind), string(t.Status), t.Amount, t.Ref, t.CreatedAt.UTC())
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
	id, err := res.LastInsertId()
	if err == nil {
		t.ID = uint64(id)
	}
	return true, nil
}

// ListByBooking returns the log of one booking in insertion order.
func (r *TransactionRepo) ListByBooking(ctx context.Context, bookingID string) ([]model.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, transaction_id, booking_id, kind, status, amount, ref, created_at
		 FROM transactions WHERE booking_id = ? ORDER BY id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		var (
			t            model.Transaction
			kind, status string
		)
		if err := rows.Scan(&t.ID, &t.TransactionID, &t.BookingID, &kind, &status, &t.Amount, &t.Ref, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = model.TransactionKind(kind)
		t.Status = model.TransactionStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}
