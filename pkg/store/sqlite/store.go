// Package sqlite implements the command store on SQLite using the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/store"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store is a SQLite-backed store.Store. Transactions are opened with
// BEGIN IMMEDIATE so that concurrent guards on the same database serialize
// on the write lock instead of both reading "absent".
type Store struct {
	*repository
	db     *sql.DB
	logger *slog.Logger
}

// storeConfig holds internal configuration for the SQLite store.
type storeConfig struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	maxOpenConns int
	maxIdleConns int

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	busyTimeout time.Duration

	// autoMigrate automatically runs pending migrations on startup
	autoMigrate bool

	logger *slog.Logger
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		dsn:          "exactlyonce.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		busyTimeout:  5 * time.Second,
		autoMigrate:  true,
		logger:       slog.Default(),
	}
}

// Option is a function that configures a Store.
type Option func(*storeConfig)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) Option {
	return func(c *storeConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses a private in-memory database.
func WithMemoryDatabase() Option {
	return func(c *storeConfig) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) Option {
	return func(c *storeConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) Option {
	return func(c *storeConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging. Ignored for in-memory databases.
func WithWALMode(enabled bool) Option {
	return func(c *storeConfig) {
		c.walMode = enabled
	}
}

// WithBusyTimeout sets how long a transaction waits for the write lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *storeConfig) {
		c.busyTimeout = d
	}
}

// WithAutoMigrate enables automatic migration on startup.
func WithAutoMigrate(enabled bool) Option {
	return func(c *storeConfig) {
		c.autoMigrate = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *storeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Open opens a SQLite store with the given options.
//
// Example usage:
//
//	// Use defaults (exactlyonce.db, WAL mode, auto-migrate)
//	st, err := sqlite.Open(ctx)
//
//	// In-memory database for testing
//	st, err := sqlite.Open(ctx, sqlite.WithMemoryDatabase())
func Open(ctx context.Context, opts ...Option) (*Store, error) {
	config := defaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	if strings.TrimSpace(config.dsn) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	memory := isMemory(config.dsn)
	db, err := sql.Open("sqlite", buildDSN(config, memory))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// For :memory: databases, we need to ensure we use a single connection
	// Otherwise each connection gets its own isolated in-memory database
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{
		repository: &repository{q: db},
		db:         db,
		logger:     config.logger,
	}

	if config.autoMigrate {
		if err := s.RunMigrations(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return s, nil
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, ":memory:?") || strings.Contains(dsn, "mode=memory")
}

func buildDSN(config storeConfig, memory bool) string {
	params := []string{
		"_txlock=immediate",
		fmt.Sprintf("_pragma=busy_timeout(%d)", config.busyTimeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
	}
	if config.walMode && !memory {
		params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}

	sep := "?"
	if strings.Contains(config.dsn, "?") {
		sep = "&"
	}
	return config.dsn + sep + strings.Join(params, "&")
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithinTx runs fn in one transaction. The transaction commits when fn
// returns nil and rolls back on error or panic. Lock contention that outlasts
// the busy timeout is reported as domain.ErrStorageBusy.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repo store.Repository) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return busy(fmt.Errorf("begin transaction: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "rollback failed", "error", rbErr)
			}
		}
	}()

	if err = fn(ctx, &repository{q: tx}); err != nil {
		return busy(err)
	}

	if err = tx.Commit(); err != nil {
		return busy(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// Stats counts the stored records.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(response_digest) FROM command_records`,
	).Scan(&stats.Commands, &stats.Completed)
	if err != nil {
		return stats, fmt.Errorf("count command records: %w", err)
	}
	stats.Pending = stats.Commands - stats.Completed

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_records`).Scan(&stats.Executions); err != nil {
		return stats, fmt.Errorf("count execution records: %w", err)
	}
	return stats, nil
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// isBusy reports SQLITE_BUSY or SQLITE_LOCKED, including extended codes.
func isBusy(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
		return true
	}
	return false
}

// busy tags lock contention with domain.ErrStorageBusy. Errors raised by a
// guarded computation keep their own meaning.
func busy(err error) error {
	if !isBusy(err) || errors.Is(err, domain.ErrComputationFailed) || errors.Is(err, domain.ErrStorageBusy) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStorageBusy, err)
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

var _ store.Store = (*Store)(nil)
