// Package repository defines error types that are reused across multiple
// repositories.  These sentinel values let the booking layer tell a missing
// row from a lost race without inspecting driver errors.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when no row matches the lookup.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with a unique key, for
// example a second booking with the same idempotency key.
var ErrDuplicate = errors.New("duplicate")

// ErrConflict is returned when a write cannot be applied because of
// conflicting state, such as confirming a seat that is already sold.
var ErrConflict = errors.New("conflict")

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
