package db

import (
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/groupcast/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically during shutdown while the dispatcher is still finishing a tick.
var ErrDatabaseClosed = errors.New("database is closed")

// ErrStoreContention means the store stayed busy or locked through every
// retry attempt. Callers should treat it as retryable on a later tick.
var ErrStoreContention = errors.New("store contention")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// Raw driver errors are matched by message since they cannot be wrapped at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// IsBusy reports whether err is a transient SQLite lock error (SQLITE_BUSY
// or SQLITE_LOCKED) worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

// IsStoreContention reports whether err is or wraps ErrStoreContention.
func IsStoreContention(err error) bool {
	return err != nil && errors.Is(err, ErrStoreContention)
}
