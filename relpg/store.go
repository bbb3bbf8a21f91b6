// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package relpg implements relsync.Store on PostgreSQL through a pgx connection pool.
//
// Synchronize makes a single attempt. Callers that retry the whole call on
// serialization failures or deadlocks can test the returned error with IsRetryable.
package relpg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-relsync/relsync"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{ pool *pgxpool.Pool }

// Store reads and writes records through a pgx pool. Calls made with a context
// returned by BeginTx or WithTx run inside that transaction.
type Store struct {
	pool      *pgxpool.Pool
	discovery *SchemaDiscovery
	logger    *slog.Logger
}

// New creates a Store on pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:      pool,
		discovery: NewSchemaDiscovery(logger),
		logger:    logger,
	}, nil
}

// Pool returns the underlying connection pool
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// ResetSchemaCache drops discovered table structure, e.g. after a migration.
func (s *Store) ResetSchemaCache() {
	s.discovery.Reset()
}

// WithTx returns a context carrying a transaction the caller began on this store's pool.
func (s *Store) WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{s.pool}, tx)
}

func (s *Store) txFrom(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{s.pool}).(pgx.Tx)
	return tx
}

func (s *Store) querier(ctx context.Context) querier {
	if tx := s.txFrom(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *Store) InTransaction(ctx context.Context) bool {
	return s.txFrom(ctx) != nil
}

func (s *Store) BeginTx(ctx context.Context) (context.Context, relsync.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return ctx, nil, err
	}
	return s.WithTx(ctx, tx), tx, nil
}

func (s *Store) Schema(ctx context.Context, table string) (*relsync.TableSchema, error) {
	return s.discovery.Table(ctx, s.querier(ctx), table)
}

func (s *Store) Insert(ctx context.Context, rec *relsync.Record, schema *relsync.TableSchema) error {
	generated := assignUUIDKey(rec, schema)
	stmt := buildInsert(rec, schema)

	q := s.querier(ctx)
	if len(schema.PrimaryKey) == 0 {
		if _, err := q.Exec(ctx, stmt.sql, stmt.args); err != nil {
			return writeError("insert into", schema.Name, err)
		}
		rec.MarkPersisted()
		return nil
	}

	key := make([]any, len(schema.PrimaryKey))
	ptrs := make([]any, len(key))
	for i := range key {
		ptrs[i] = &key[i]
	}
	if err := q.QueryRow(ctx, stmt.sql, stmt.args).Scan(ptrs...); err != nil {
		if generated {
			rec.Set(schema.PrimaryKey[0], nil)
		}
		return writeError("insert into", schema.Name, err)
	}
	rec.SetPrimaryKey(schema, relsync.Key(key))
	rec.MarkPersisted()

	s.logger.Debug("Inserted row", "table", schema.Name, "pk", rec.PrimaryKey(schema).String())
	return nil
}

func (s *Store) Update(ctx context.Context, rec *relsync.Record, schema *relsync.TableSchema) error {
	stmt, ok, err := buildUpdate(rec, schema)
	if err != nil || !ok {
		return err
	}
	tag, err := s.querier(ctx).Exec(ctx, stmt.sql, stmt.args)
	if err != nil {
		return writeError("update", schema.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return relsync.ErrNotPersisted
	}
	s.logger.Debug("Updated row", "table", schema.Name, "pk", rec.PrimaryKey(schema).String())
	return nil
}

func (s *Store) Delete(ctx context.Context, rec *relsync.Record, schema *relsync.TableSchema) error {
	stmt, err := buildDelete(rec, schema)
	if err != nil {
		return err
	}
	tag, err := s.querier(ctx).Exec(ctx, stmt.sql, stmt.args)
	if err != nil {
		return writeError("delete from", schema.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return relsync.ErrNotPersisted
	}
	s.logger.Debug("Deleted row", "table", schema.Name, "pk", rec.PrimaryKey(schema).String())
	return nil
}

func (s *Store) FindByPrimaryKey(ctx context.Context, schema *relsync.TableSchema, key relsync.Key) (*relsync.Record, error) {
	if len(key) == 0 || len(key) != len(schema.PrimaryKey) {
		return nil, fmt.Errorf("%w: key %s does not fit primary key of %s", relsync.ErrConfiguration, key, schema.Name)
	}
	attrs := make(map[string]any, len(key))
	for i, name := range schema.PrimaryKey {
		attrs[name] = key[i]
	}
	return s.FindByAttributes(ctx, schema, attrs)
}

func (s *Store) FindByAttributes(ctx context.Context, schema *relsync.TableSchema, attrs map[string]any) (*relsync.Record, error) {
	recs, err := s.find(ctx, schema, attrs, 1)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (s *Store) FindAllByAttributes(ctx context.Context, schema *relsync.TableSchema, attrs map[string]any) ([]*relsync.Record, error) {
	return s.find(ctx, schema, attrs, 0)
}

func (s *Store) find(ctx context.Context, schema *relsync.TableSchema, attrs map[string]any, limit int) ([]*relsync.Record, error) {
	stmt, err := buildSelect(schema, attrs, limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.querier(ctx).Query(ctx, stmt.sql, stmt.args)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", schema.Name, err)
	}
	defer rows.Close()

	var out []*relsync.Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", schema.Name, err)
		}
		rec := relsync.NewRecord(schema.Name)
		for i, col := range schema.Columns {
			rec.SetTyped(schema, col.Name, values[i])
		}
		rec.MarkPersisted()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", schema.Name, err)
	}
	return out, nil
}

func assignUUIDKey(rec *relsync.Record, schema *relsync.TableSchema) bool {
	if len(schema.PrimaryKey) != 1 || rec.Get(schema.PrimaryKey[0]) != nil {
		return false
	}
	col, _ := schema.Column(schema.PrimaryKey[0])
	if col.Affinity != relsync.AffinityUUID {
		return false
	}
	rec.Set(col.Name, uuid.New().String())
	return true
}
