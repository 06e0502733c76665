package db

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/sym"
)

// SQLiteBusyTimeoutMS is how long a connection waits on a held lock before
// the driver reports SQLITE_BUSY. Pool retries on top of this.
const SQLiteBusyTimeoutMS = 5000

// dsn builds a mattn/go-sqlite3 DSN carrying the per-connection pragmas, so
// every connection in the database/sql pool gets them, not just the first.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", fmt.Sprint(SQLiteBusyTimeoutMS))
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens a SQLite database at the specified path with WAL mode, foreign
// keys and a busy timeout. If logger is nil it operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// sql.Open is lazy; force a connection so bad paths fail here.
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}
	if mode != "wal" {
		db.Close()
		return nil, errors.Newf("failed to enable WAL mode: journal_mode is %q", mode)
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"symbol", sym.DB,
			"wal_mode", true,
			"foreign_keys", true,
			"busy_timeout_ms", SQLiteBusyTimeoutMS,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies pending migrations.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "migrate %s", path)
	}
	return db, nil
}
