package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the persistence layer for accounts, messages, subscriptions,
// sync state and the job outbox
type Store struct {
	DB *sqlx.DB
}

// Open opens a store from a DSN. Supported schemes: sqlite://path, postgres://...
func Open(dsn string) (*Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return open("postgres", dsn, postgresSchema)
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	case dsn == "":
		return nil, fmt.Errorf("empty database DSN")
	default:
		return OpenSQLite(dsn)
	}
}

// OpenSQLite opens or creates a sqlite database file
func OpenSQLite(dbPath string) (*Store, error) {
	// Ensure directory exists
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	return open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", sqliteSchema)
}

func open(driver, dsn, schema string) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *Store) q(query string) string {
	return s.DB.Rebind(query)
}

func now() time.Time {
	return time.Now().UTC()
}
