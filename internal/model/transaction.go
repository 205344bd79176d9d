package model

import "time"

// TransactionKind classifies an entry of the append-only transaction log.
type TransactionKind string

const (
	TxLock    TransactionKind = "LOCK"
	TxPayment TransactionKind = "PAYMENT"
	TxRefund  TransactionKind = "REFUND"
	TxRelease TransactionKind = "RELEASE"
)

// TransactionStatus is the outcome recorded by a log entry.
type TransactionStatus string

const (
	TxInitiated TransactionStatus = "INITIATED"
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
)

// Transaction is one row of the transaction log.  Rows are never updated;
// (BookingID, Kind, Status, Ref) is unique so appending the same fact twice
// is a no-op.
type Transaction struct {
	ID            uint64            `json:"-"`
	TransactionID string            `json:"transaction_id"`
	BookingID     string            `json:"booking_id"`
	Kind          TransactionKind   `json:"kind"`
	Status        TransactionStatus `json:"status"`
	Amount        int64             `json:"amount"`
	Ref           string            `json:"ref"`
	CreatedAt     time.Time         `json:"created_at"`
}
