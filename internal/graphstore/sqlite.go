package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	labelKindNode = "node"
	labelKindEdge = "edge"
)

// SQLiteStore implements Store on SQLite.
//
// The store holds a single connection, so every statement and transaction is
// serialised. Query results are fully materialised before the next statement
// runs.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger

	mu      sync.Mutex
	columns map[string]map[string]string // node label -> column -> SQL type
	edges   map[string]bool              // relation labels with an edge table
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSQLiteStore opens a file-backed store at dbPath, creating parent
// directories if needed. WAL mode and a busy timeout are enabled.
func NewSQLiteStore(ctx context.Context, dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr, opts...)
}

// NewMemoryStore creates an isolated in-memory store. Every call gets its own
// database.
func NewMemoryStore(ctx context.Context, opts ...Option) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:crewgraph-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr, opts...)
}

func open(ctx context.Context, connStr string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection keeps an in-memory database alive and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:      db,
		logger:  zap.NewNop(),
		columns: make(map[string]map[string]string),
		edges:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "graphstore"))

	if err := s.initCatalogue(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalogue: %w", err)
	}
	return s, nil
}

// initCatalogue creates the label catalogue and loads the labels committed by
// a previous process.
func (s *SQLiteStore) initCatalogue(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS graph_labels (
			name TEXT PRIMARY KEY,
			kind TEXT NOT NULL
		)`)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, kind FROM graph_labels`)
	if err != nil {
		return err
	}
	labels := map[string]string{}
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			rows.Close()
			return err
		}
		labels[name] = kind
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for name, kind := range labels {
		if kind == labelKindEdge {
			s.edges[name] = true
			continue
		}
		cols, err := s.tableColumns(ctx, name)
		if err != nil {
			return fmt.Errorf("loading columns of %s: %w", name, err)
		}
		s.columns[name] = cols
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
