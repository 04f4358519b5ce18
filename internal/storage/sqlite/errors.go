package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/ncruces/go-sqlite3"

	"github.com/abathur-dev/abathur/internal/storage"
)

// wrapDBError wraps a database error with operation context and maps
// engine-level failures onto the storage sentinels so callers can classify
// them with errors.Is.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if sentinel := classify(err); sentinel != nil {
		return fmt.Errorf("%s: %v: %w", op, err, sentinel)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func classify(err error) error {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return nil
	}
	switch serr.Code() {
	case sqlite3.BUSY, sqlite3.LOCKED:
		return storage.ErrBusy
	case sqlite3.CONSTRAINT:
		// Unique/check violations signal conflicting writes; FK
		// violations signal broken references.
		switch serr.ExtendedCode() {
		case sqlite3.CONSTRAINT_FOREIGNKEY:
			return storage.ErrIntegrity
		default:
			return storage.ErrConflict
		}
	case sqlite3.CORRUPT, sqlite3.NOTADB:
		return storage.ErrIntegrity
	case sqlite3.IOERR, sqlite3.CANTOPEN, sqlite3.FULL:
		return fmt.Errorf("storage I/O: %w", err)
	}
	return nil
}

// isBusy reports whether the error is a lock/busy condition worth retrying.
func isBusy(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3.BUSY || code == sqlite3.LOCKED
	}
	return errors.Is(err, storage.ErrBusy)
}
