package schedule

import (
	"database/sql"
	"testing"

	calsynctest "github.com/teranos/calsync/internal/testing"
)

// createTestDB creates a migrated test database.
func createTestDB(t *testing.T) *sql.DB {
	return calsynctest.CreateTestDB(t)
}
