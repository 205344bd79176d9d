package database

import (
	"context"
	"database/sql"
	"fmt"
)

// statements create the ledger tables.  Each one is idempotent so Migrate
// can run on every start.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS bookings (
		id                  BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		booking_id          VARCHAR(64)  NOT NULL,
		user_id             VARCHAR(64)  NOT NULL,
		run_id              VARCHAR(64)  NOT NULL,
		seats               JSON         NOT NULL,
		total_price         BIGINT       NOT NULL,
		final_amount        BIGINT       NOT NULL,
		currency            CHAR(3)      NOT NULL,
		status              VARCHAR(20)  NOT NULL,
		expires_at          DATETIME(3)  NOT NULL,
		idempotency_key     VARCHAR(128) NOT NULL,
		lock_owner          VARCHAR(64)  NOT NULL,
		provider_order_id   VARCHAR(64)  NOT NULL,
		provider_payment_id VARCHAR(64)  NOT NULL DEFAULT '',
		provider_signature  VARCHAR(255) NOT NULL DEFAULT '',
		payment_status      VARCHAR(24)  NOT NULL,
		paid_at             DATETIME(3)  NULL,
		refund_id           VARCHAR(64)  NOT NULL DEFAULT '',
		refund_amount       BIGINT       NOT NULL DEFAULT 0,
		refunded_at         DATETIME(3)  NULL,
		retry_attempts      INT          NOT NULL DEFAULT 0,
		poll_attempts       INT          NOT NULL DEFAULT 0,
		next_poll_at        DATETIME(3)  NULL,
		cancel_reason       VARCHAR(255) NOT NULL DEFAULT '',
		departure_at        DATETIME(3)  NULL,
		booking_source      VARCHAR(32)  NOT NULL DEFAULT '',
		version             BIGINT       NOT NULL DEFAULT 1,
		created_at          DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at          DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		UNIQUE KEY uq_bookings_booking_id (booking_id),
		UNIQUE KEY uq_bookings_idempotency (idempotency_key),
		KEY idx_bookings_order (provider_order_id),
		KEY idx_bookings_status_expires (status, expires_at),
		KEY idx_bookings_retry (status, payment_status, next_poll_at),
		KEY idx_bookings_user (user_id, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	// One row per seat sold to a CONFIRMED booking.  The primary key makes a
	// double sale impossible even if two bookings somehow held the same seat.
	`CREATE TABLE IF NOT EXISTS sold_seats (
		run_id      VARCHAR(64) NOT NULL,
		seat_number VARCHAR(32) NOT NULL,
		booking_id  VARCHAR(64) NOT NULL,
		created_at  DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		PRIMARY KEY (run_id, seat_number),
		KEY idx_sold_seats_booking (booking_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id             BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		transaction_id VARCHAR(64)  NOT NULL,
		booking_id     VARCHAR(64)  NOT NULL,
		kind           VARCHAR(16)  NOT NULL,
		status         VARCHAR(16)  NOT NULL,
		amount         BIGINT       NOT NULL DEFAULT 0,
		ref            VARCHAR(128) NOT NULL DEFAULT '',
		created_at     DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		UNIQUE KEY uq_transactions_fact (booking_id, kind, status, ref),
		UNIQUE KEY uq_transactions_id (transaction_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates any missing ledger tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
