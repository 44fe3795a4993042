package db

import (
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/calsync/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database.
// This typically occurs during graceful shutdown when the database connection
// is closed before all goroutines have finished their work.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The string matching fallback is necessary because the underlying sql driver
// returns its own error types that we cannot wrap at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}

	return strings.Contains(err.Error(), "database is closed")
}

// IsConflict reports whether err is a transient write conflict: the database
// was locked by another writer past the busy timeout, or a uniqueness
// constraint rejected a concurrent insert.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errors.ErrConflict) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		}
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
