// Package database owns the shared PostgreSQL handle. The handle is opened
// lazily on first use, shared by every store, and closed explicitly by the
// binary that created it.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// DefaultOptions returns pool settings suited to a single API instance.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Handle is a lazily-initialised *sql.DB. A failed open is not cached, so
// the next caller retries.
type Handle struct {
	dsn    string
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// NewHandle returns a handle for dsn. No connection is made until DB is
// called.
func NewHandle(dsn string, opts Options, logger zerolog.Logger) *Handle {
	return &Handle{dsn: dsn, opts: opts, logger: logger}
}

// ErrClosed is returned by DB after Close.
var ErrClosed = errors.New("database: handle closed")

// DB returns the shared pool, opening and pinging it on first use.
func (h *Handle) DB(ctx context.Context) (*sql.DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if h.db != nil {
		return h.db, nil
	}

	db, err := sql.Open("postgres", h.dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	db.SetMaxOpenConns(h.opts.MaxOpenConns)
	db.SetMaxIdleConns(h.opts.MaxIdleConns)
	db.SetConnMaxLifetime(h.opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, h.opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	h.logger.Info().Msg("postgres pool opened")
	h.db = db
	return db, nil
}

// Migrate applies every pending migration embedded in the binary.
func (h *Handle) Migrate(ctx context.Context) error {
	db, err := h.DB(ctx)
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("database: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("database: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("database: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database: migrate up: %w", err)
	}

	version, dirty, _ := m.Version()
	h.logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema migrated")
	return nil
}

// Close closes the pool if it was opened. Subsequent DB calls fail with
// ErrClosed. Close is safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	h.logger.Info().Msg("postgres pool closed")
	return err
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

