// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package relsynctest runs the same synchronization scenarios against every store.
package relsynctest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mobiletoly/go-relsync/relpg"
	"github.com/mobiletoly/go-relsync/relsqlite"
	"github.com/mobiletoly/go-relsync/relsync"
)

// Backend is a freshly migrated store plus raw access for assertions.
type Backend struct {
	Name  string
	Store relsync.Store

	exec     func(ctx context.Context, query string) error
	queryInt func(ctx context.Context, query string) (int64, error)
}

// Exec runs a statement outside any transaction.
func (b *Backend) Exec(t *testing.T, query string) {
	t.Helper()
	require.NoError(t, b.exec(context.Background(), query), query)
}

// Count returns the single integer produced by query.
func (b *Backend) Count(t *testing.T, query string) int64 {
	t.Helper()
	n, err := b.queryInt(context.Background(), query)
	require.NoError(t, err, query)
	return n
}

// Factory builds a Backend with the order tables created and empty.
type Factory struct {
	Name string
	New  func(t *testing.T) *Backend
}

var sqliteDDL = []string{
	`CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		customer TEXT NOT NULL
	)`,
	`CREATE TABLE order_items (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		name TEXT NOT NULL,
		qty INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE order_tags (
		order_id INTEGER NOT NULL REFERENCES orders(id),
		tag TEXT NOT NULL,
		weight REAL,
		PRIMARY KEY (order_id, tag)
	)`,
	`CREATE TABLE attachments (
		id UUID PRIMARY KEY,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		file_name TEXT NOT NULL
	)`,
}

var postgresDDL = []string{
	`DROP TABLE IF EXISTS attachments, order_tags, order_items, orders CASCADE`,
	`CREATE TABLE orders (
		id BIGSERIAL PRIMARY KEY,
		customer TEXT NOT NULL
	)`,
	`CREATE TABLE order_items (
		id BIGSERIAL PRIMARY KEY,
		order_id BIGINT NOT NULL REFERENCES orders(id),
		name TEXT NOT NULL,
		qty INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE order_tags (
		order_id BIGINT NOT NULL REFERENCES orders(id),
		tag TEXT NOT NULL,
		weight DOUBLE PRECISION,
		PRIMARY KEY (order_id, tag)
	)`,
	`CREATE TABLE attachments (
		id UUID PRIMARY KEY,
		order_id BIGINT NOT NULL REFERENCES orders(id),
		file_name TEXT NOT NULL
	)`,
}

// Factories returns the stores available in this environment. SQLite is always
// present; PostgreSQL comes from TEST_DATABASE_URL or a testcontainers instance and
// is left out in -short mode or when Docker is unavailable.
func Factories(t *testing.T) []Factory {
	factories := []Factory{{Name: "sqlite", New: newSQLiteBackend}}
	if pool := sharedPostgres(t); pool != nil {
		factories = append(factories, Factory{
			Name: "postgres",
			New: func(t *testing.T) *Backend {
				return newPostgresBackend(t, pool)
			},
		})
	}
	return factories
}

func testLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("RELSYNC_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func newSQLiteBackend(t *testing.T) *Backend {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range sqliteDDL {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	store, err := relsqlite.New(db, testLogger())
	require.NoError(t, err)

	return &Backend{
		Name:  "sqlite",
		Store: store,
		exec: func(ctx context.Context, query string) error {
			_, err := db.ExecContext(ctx, query)
			return err
		},
		queryInt: func(ctx context.Context, query string) (int64, error) {
			var n int64
			err := db.QueryRowContext(ctx, query).Scan(&n)
			return n, err
		},
	}
}

func newPostgresBackend(t *testing.T, pool *pgxpool.Pool) *Backend {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range postgresDDL {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err)
	}

	store, err := relpg.New(pool, testLogger())
	require.NoError(t, err)

	return &Backend{
		Name:  "postgres",
		Store: store,
		exec: func(ctx context.Context, query string) error {
			_, err := pool.Exec(ctx, query)
			return err
		},
		queryInt: func(ctx context.Context, query string) (int64, error) {
			var n int64
			err := pool.QueryRow(ctx, query).Scan(&n)
			return n, err
		},
	}
}

var (
	pgOnce sync.Once
	pgPool *pgxpool.Pool
)

// sharedPostgres starts one database for the whole test binary. The container is
// reaped by testcontainers when the process exits.
func sharedPostgres(t *testing.T) *pgxpool.Pool {
	if testing.Short() {
		return nil
	}
	pgOnce.Do(func() {
		ctx := context.Background()

		connStr := os.Getenv("TEST_DATABASE_URL")
		if connStr == "" {
			container, err := startPostgres(ctx)
			if err != nil {
				t.Logf("PostgreSQL unavailable, skipping postgres backend: %v", err)
				return
			}
			connStr, err = container.ConnectionString(ctx, "sslmode=disable")
			if err != nil {
				t.Logf("PostgreSQL connection string: %v", err)
				return
			}
		}

		pool, err := pgxpool.New(ctx, connStr)
		if err != nil {
			t.Logf("PostgreSQL pool: %v", err)
			return
		}
		if err := pool.Ping(ctx); err != nil {
			t.Logf("PostgreSQL ping: %v", err)
			pool.Close()
			return
		}
		pgPool = pool
	})
	return pgPool
}

func startPostgres(ctx context.Context) (container *postgres.PostgresContainer, err error) {
	// testcontainers panics when no Docker host can be found.
	defer func() {
		if r := recover(); r != nil {
			container, err = nil, fmt.Errorf("docker unavailable: %v", r)
		}
	}()
	return postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("relsync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
}
