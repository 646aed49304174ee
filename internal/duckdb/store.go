// Package duckdb stores points in an embedded DuckDB database, one row per
// field.
package duckdb

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/tinytelemetry/gauge/internal/duckdb/migrate"
)

// Store manages the DuckDB database connection and provides point queries.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	log          *zap.Logger
	QueryTimeout time.Duration
}

// NewStore opens or creates a DuckDB database and applies migrations.
// If dbPath is empty, an in-memory database is used.
func NewStore(dbPath string, log *zap.Logger) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
		dsn = dbPath
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}

	runner := migrate.NewRunner(db, log)
	if err := runner.Run(); err != nil {
		db.Close()
		return nil, err
	}
	history, err := runner.History()
	if err != nil {
		db.Close()
		return nil, err
	}
	if len(history) > 0 {
		last := history[len(history)-1]
		log.Info("duckdb: schema ready",
			zap.Int("version", last.Version),
			zap.String("migration", last.Name),
			zap.Time("applied_at", last.AppliedAt))
	}

	return &Store{
		db:           db,
		dbPath:       dbPath,
		log:          log,
		QueryTimeout: 30 * time.Second,
	}, nil
}

func (s *Store) Name() string { return "duckdb" }

// Path returns the database file path; empty means in-memory.
func (s *Store) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
