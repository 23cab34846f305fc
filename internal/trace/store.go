package trace

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Node, Port, Channel, Step, Packet, PortEvent, Data and Resource tables
// 2 - Added PublishedResource view
const currentSchemaVersion = 2

// DBFileName is the name of the trace database inside a metadata directory.
const DBFileName = "tracedb"

const volatileDSN = ":memory:"

// Option configures a trace or recorder.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	now       func() time.Time
	products  ProductsSink
	dataStore map[string]any
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the time source for step and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Trace is read access to a provenance database. All access, including
// writes made through a WritableTrace sharing the same database, is
// serialized by one lock.
type Trace struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu      *sync.Mutex
	stmts   map[string]*sql.Stmt
	parents map[int64]int64
	closed  bool
}

// Open creates or opens the trace database in metadataDir for writing.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(metadataDir string, opts ...Option) (*WritableTrace, error) {
	if err := os.MkdirAll(metadataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}
	o := newOptions(opts)
	t, err := openTrace(filepath.Join(metadataDir, DBFileName), o.logger)
	if err != nil {
		return nil, err
	}
	return newWritableTrace(t), nil
}

// OpenVolatile creates a private in-memory trace. It disappears on Close.
func OpenVolatile(opts ...Option) (*WritableTrace, error) {
	o := newOptions(opts)
	t, err := openTrace(volatileDSN, o.logger)
	if err != nil {
		return nil, err
	}
	return newWritableTrace(t), nil
}

// OpenExisting opens the trace database of a finished run for reading. It
// fails if metadataDir holds no trace database.
func OpenExisting(metadataDir string, opts ...Option) (*Trace, error) {
	path := filepath.Join(metadataDir, DBFileName)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("trace database %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("trace database %s: is a directory", path)
	}
	o := newOptions(opts)
	return openTrace(path, o.logger)
}

func openTrace(path string, logger *slog.Logger) (*Trace, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection funnels every trace write. It also keeps a volatile
	// database alive for the lifetime of the trace.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("trace store opened", "path", path)
	return &Trace{
		db:      db,
		path:    path,
		logger:  logger,
		mu:      &sync.Mutex{},
		stmts:   make(map[string]*sql.Stmt),
		parents: make(map[int64]int64),
	}, nil
}

// Path returns the database path, or ":memory:" for a volatile trace.
func (t *Trace) Path() string { return t.path }

// Volatile reports whether the trace lives only in memory.
func (t *Trace) Volatile() bool { return t.path == volatileDSN }

// Close releases cached statements and the database connection. Calling
// Close more than once is safe.
func (t *Trace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.db == nil {
		return nil
	}
	t.closed = true

	var errs []error
	for _, s := range t.stmts {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.stmts = nil
	if err := t.db.Close(); err != nil {
		errs = append(errs, err)
	}
	t.logger.Info("trace store closed", "path", t.path)
	return errors.Join(errs...)
}

// prepared returns the cached statement for query, preparing it on first
// use. Callers hold t.mu and no open transaction.
func (t *Trace) prepared(ctx context.Context, query string) (*sql.Stmt, error) {
	if t.closed {
		return nil, errors.New("trace is closed")
	}
	if s, ok := t.stmts[query]; ok {
		return s, nil
	}
	s, err := t.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare statement: %w", err)
	}
	t.stmts[query] = s
	return s, nil
}

func (t *Trace) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s, err := t.prepared(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.ExecContext(ctx, args...)
}

// insert runs an INSERT and returns the generated row ID.
func (t *Trace) insert(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV2 adds the PublishedResource view to databases created before
// the view existed.
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE VIEW IF NOT EXISTS PublishedResource AS
			SELECT Resource.ResourceID AS ResourceID,
			       Data.IsReference    AS IsReference,
			       Data.DataTypeID     AS DataTypeID,
			       Resource.Uri        AS Uri,
			       Data.Value          AS Value
			FROM Resource
				JOIN Data ON Resource.DataID = Data.DataID
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (t *Trace) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := t.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
