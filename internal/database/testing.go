package database

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/subflowhq/subflow/internal/config"
)

// NewTest opens a migrated in-memory SQLite database for tests.
// Each test gets its own named shared-cache database so parallel
// tests don't see each other's rows.
func NewTest(t *testing.T) *DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := New(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      "file:" + name + "?mode=memory&cache=shared",
		LogLevel: "silent",
	}, log)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
