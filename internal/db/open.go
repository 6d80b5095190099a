package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Pragmas are applied to every connection, production and test alike:
// foreign keys, WAL journaling, NORMAL sync and a 5s busy timeout.
const Pragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

type Config struct {
	// Path defaults to ./data/portunus-<schema>.db.
	Path string
	// Env is "dev" or "prod".
	Env    string
	Schema Schema
}

func (c Config) withDefaults() (Config, error) {
	if c.Schema == "" {
		return c, errors.New("db: schema is required")
	}
	if _, err := c.Schema.dir(); err != nil {
		return c, err
	}
	if c.Path == "" {
		c.Path = filepath.Join(".", "data", "portunus-"+string(c.Schema)+".db")
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	return c, nil
}

// Open opens (creating if needed) the database at cfg.Path and brings it up
// to date with the migrations for cfg.Schema.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(cfg.Path), err)
	}

	conn, err := sql.Open("sqlite", "file:"+cfg.Path+"?"+Pragmas)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	SingleConn(conn)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Path, err)
	}

	if err := Migrate(ctx, conn, cfg.Schema); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// SingleConn pins the pool to one connection. SQLite allows a single writer
// and an in-memory database lives only as long as its connection.
func SingleConn(conn *sql.DB) {
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)
}
