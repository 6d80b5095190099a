package sqlite_test

import (
	"database/sql"
	"testing"

	"github.com/BrandonDHaskell/Portunus/presence/internal/db"
	"github.com/BrandonDHaskell/Portunus/presence/internal/db/dbtest"
)

// openTestDB returns an in-memory collector database with the same PRAGMAs
// and schema as production.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbtest.Open(t, db.SchemaCollector)
}

// newTestWriter returns a db.Worker backed by conn.  The worker is closed
// automatically when the test finishes.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()
	return dbtest.NewWriter(t, conn)
}
