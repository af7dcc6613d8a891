package dbx

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/outboxd/internal/dbx/migrations"
	"github.com/dmitrijs2005/outboxd/internal/logging"
)

// Manager owns the single write lock shared by every store of the process
// and hands out one ref-counted Store per database path.
type Manager struct {
	logger logging.Logger
	stats  bool

	lock chan struct{}

	mu     sync.Mutex
	stores map[string]*Store
}

type ManagerOption func(*Manager)

func WithLogger(l logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithStatementStats enables per-tag statement timing.
func WithStatementStats(enabled bool) ManagerOption {
	return func(m *Manager) { m.stats = enabled }
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger: logging.Nop(),
		lock:   make(chan struct{}, 1),
		stores: make(map[string]*Store),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func dsn(path string) string {
	return "file:" + path +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_txlock=immediate"
}

// Open returns the store for path, opening the database and applying
// migrations the first time. Every Open must be paired with Store.Close.
func (m *Manager) Open(ctx context.Context, path string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[path]; ok {
		s.refs++
		return s, nil
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	s := m.adopt(path, db)
	m.stores[path] = s
	return s, nil
}

func (m *Manager) adopt(path string, db *sql.DB) *Store {
	return &Store{
		m:      m,
		path:   path,
		db:     db,
		refs:   1,
		logger: m.logger.With("store", path),
		stats:  make(map[string]*Stat),
	}
}

func (m *Manager) forget(s *Store) {
	if m.stores[s.path] == s {
		delete(m.stores, s.path)
	}
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.lock
}

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}
