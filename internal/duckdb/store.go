package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/tinytelemetry/aiemu/internal/duckdb/migrate"
	"github.com/tinytelemetry/aiemu/internal/logger"
	"go.uber.org/zap"
)

const defaultQueryTimeout = 30 * time.Second

// StoreConfig tunes a Store.
type StoreConfig struct {
	QueryTimeout time.Duration
	Logger       *zap.Logger
}

// Store persists telemetry envelopes in DuckDB and answers read queries.
// Appends are synchronous: once Append returns nil the envelope is visible
// to every later query.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	logger       *zap.Logger
	QueryTimeout time.Duration
}

// NewStore opens or creates a DuckDB database and applies pending
// migrations. An empty dbPath selects an in-memory database.
func NewStore(dbPath string, cfgs ...StoreConfig) (*Store, error) {
	var cfg StoreConfig
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}
	log := logger.OrNop(cfg.Logger)

	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("duckdb: create db dir: %w", err)
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open: %w", err)
	}

	applied, err := migrate.NewRunner(db).Run(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	for _, name := range applied {
		log.Info("applied migration", zap.String("migration", name))
	}

	qt := cfg.QueryTimeout
	if qt <= 0 {
		qt = defaultQueryTimeout
	}

	return &Store{
		db:           db,
		dbPath:       dbPath,
		logger:       log,
		QueryTimeout: qt,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// queryCtx bounds parent by the store's query timeout.
func (s *Store) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, s.QueryTimeout)
}
