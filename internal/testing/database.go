package testing

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/teranos/calsync/db"
)

// CreateTestDB creates a migrated SQLite database in a per-test temp directory.
// A file-backed database (not :memory:) lets concurrent tests use more than one
// connection against the same data. Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "calsync.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// InsertAccount inserts a bare account row and returns its ID.
func InsertAccount(t *testing.T, conn *sql.DB, id, owner string) string {
	t.Helper()

	now := db.FormatTime(time.Now())
	_, err := conn.Exec(`INSERT INTO accounts (id, owner, provider, created_at, updated_at) VALUES (?, ?, 'google', ?, ?)`,
		id, owner, now, now)
	if err != nil {
		t.Fatalf("Failed to insert account %s: %v", id, err)
	}
	return id
}
