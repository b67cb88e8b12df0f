// Package testutil provides testing utilities for integration tests.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/slipstream/grabber/internal/database"
)

// TestDB wraps a test database connection.
type TestDB struct {
	DB     *database.DB
	Conn   *sql.DB
	Path   string
	Logger zerolog.Logger
}

// NewTestDB creates a migrated database in a temp directory. It is closed
// automatically when the test ends.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	dir := t.TempDir()
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)

	db, err := database.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	tdb := &TestDB{
		DB:     db,
		Conn:   db.Conn(),
		Path:   dir,
		Logger: logger,
	}
	t.Cleanup(tdb.Close)
	return tdb
}

// Close closes the database.
func (tdb *TestDB) Close() {
	if tdb.DB != nil {
		tdb.DB.Close()
		tdb.DB = nil
	}
}

// NewTestLogger creates a test logger that outputs to t.Log.
func NewTestLogger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}

// NopLogger returns a no-op logger for tests that don't need output.
func NopLogger() zerolog.Logger {
	return zerolog.Nop()
}
