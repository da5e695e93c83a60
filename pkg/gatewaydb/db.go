// Package gatewaydb provides the shared SQLite connection used by the
// token store's primary persistence tier.
package gatewaydb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// DefaultPath returns the default path for the gateway's SQLite database,
// honoring GATEWAY_BASE_PATH for test and container overrides.
func DefaultPath() (string, error) {
	if basePath := os.Getenv("GATEWAY_BASE_PATH"); basePath != "" {
		return filepath.Join(basePath, "gateway.db"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, ".edge-ai-gateway", "gateway.db"), nil
}

// Open opens or creates a SQLite database at dbPath with WAL pragmas tuned
// for a single-process, single-writer workload.
func Open(ctx context.Context, dbPath string) (*sqlx.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	if err := configure(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to configure database")
	}

	return db, nil
}

func configure(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return errors.Wrapf(err, "failed to execute pragma: %s", pragma)
		}
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return errors.Wrap(err, "failed to query journal mode")
	}
	if strings.ToLower(journalMode) != "wal" {
		return errors.Errorf("WAL mode not enabled, current mode: %s", journalMode)
	}

	return nil
}

// isRetryableSQLiteErr reports whether err looks like a transient SQLITE_BUSY
// / SQLITE_LOCKED condition worth retrying, as opposed to a permanent one
// such as a syntax error or a full disk.
func isRetryableSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

// ExecRetrying runs fn against db, retrying a bounded number of times with
// backoff when the failure looks like a transient SQLITE_BUSY/LOCKED error.
// Permanent errors (e.g. disk full, malformed SQL) are returned immediately.
func ExecRetrying(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(10*time.Millisecond),
		retry.MaxDelay(200*time.Millisecond),
		retry.RetryIf(isRetryableSQLiteErr),
		retry.LastErrorOnly(true),
	)
}
