// Package dbtest opens throwaway in-memory SQLite databases for tests.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/BrandonDHaskell/Portunus/presence/internal/db"
)

// Open returns an in-memory SQLite connection with the same PRAGMAs and
// schema as production.  The connection is closed automatically when the
// test finishes.
func Open(t testing.TB, schema db.Schema) *sql.DB {
	t.Helper()

	// Each test gets a unique in-memory database.  The shared-cache URI
	// keeps the database alive for the lifetime of the connection pool
	// (important because sql.DB may close/reopen the underlying conn).
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:test_%s_%s?mode=memory&cache=shared&%s", schema, name, db.Pragmas)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("dbtest.Open: sql.Open: %v", err)
	}

	db.SingleConn(conn)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("dbtest.Open: ping: %v", err)
	}

	if err := db.Migrate(context.Background(), conn, schema); err != nil {
		conn.Close()
		t.Fatalf("dbtest.Open: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

// NewWriter returns a db.Worker backed by conn.  The worker is closed
// automatically when the test finishes.
func NewWriter(t testing.TB, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}
