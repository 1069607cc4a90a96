package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/agentpulse/db"
)

// CreateTestDB creates a migrated in-memory SQLite test database.
// The pool is pinned to one connection because each :memory: connection is its own database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	conn.SetMaxOpenConns(1)

	if err := db.Migrate(conn, nil); err != nil {
		conn.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateFileDB creates a migrated on-disk SQLite database with the production
// connection settings. Use it when a test needs several connections, e.g. concurrent claims.
func CreateFileDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "agentpulse.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create file database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
