// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package relsqlite implements relsync.Store on a SQLite database/sql handle.
package relsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-relsync/relsync"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type txKey struct{ db *sql.DB }

// Store reads and writes records through a SQLite *sql.DB. Transactions travel in
// the context: every call made with a context from BeginTx or WithTx runs in that tx.
type Store struct {
	db     *sql.DB
	tables *TableInfoProvider
	logger *slog.Logger
}

// New creates a Store. Foreign key enforcement is switched on for the connection.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &Store{
		db:     db,
		tables: NewTableInfoProvider(),
		logger: logger,
	}, nil
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// ClearSchemaCache drops cached table structure, e.g. after a migration.
func (s *Store) ClearSchemaCache() {
	s.tables.ClearCache()
}

// WithTx returns a context carrying a transaction the caller opened on this store's DB.
func (s *Store) WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{s.db}, tx)
}

func (s *Store) txFrom(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{s.db}).(*sql.Tx)
	return tx
}

func (s *Store) querier(ctx context.Context) querier {
	if tx := s.txFrom(ctx); tx != nil {
		return tx
	}
	return s.db
}

func (s *Store) InTransaction(ctx context.Context) bool {
	return s.txFrom(ctx) != nil
}

func (s *Store) BeginTx(ctx context.Context) (context.Context, relsync.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ctx, nil, err
	}
	return s.WithTx(ctx, tx), sqlTx{tx}, nil
}

type sqlTx struct{ tx *sql.Tx }

func (t sqlTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }

func (s *Store) Schema(ctx context.Context, table string) (*relsync.TableSchema, error) {
	info, err := s.tables.Get(ctx, s.querier(ctx), table)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Table schema resolved",
		"table", info.Name,
		"columns", len(info.Columns),
		"primary_key", info.PrimaryKey,
		"foreign_keys", len(info.ForeignKeys))
	return info, nil
}

func (s *Store) Insert(ctx context.Context, rec *relsync.Record, schema *relsync.TableSchema) error {
	generated := assignUUIDKey(rec, schema)

	var cols []string
	var args []any
	for _, col := range schema.Columns {
		if !rec.Has(col.Name) {
			continue
		}
		cols = append(cols, quoteIdent(col.Name))
		args = append(args, bindValue(rec.Get(col.Name)))
	}

	var query string
	if len(cols) == 0 {
		query = fmt.Sprintf(`INSERT INTO %s DEFAULT VALUES`, quoteIdent(schema.Name))
	} else {
		query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
			quoteIdent(schema.Name), strings.Join(cols, ", "), placeholders(len(cols)))
	}

	res, err := s.querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		if generated {
			rec.Set(schema.PrimaryKey[0], nil)
		}
		return fmt.Errorf("insert into %s: %w", schema.Name, err)
	}

	if len(schema.PrimaryKey) == 1 && rec.Get(schema.PrimaryKey[0]) == nil {
		col, _ := schema.Column(schema.PrimaryKey[0])
		if col.IsRowIDAlias() {
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert into %s: last insert id: %w", schema.Name, err)
			}
			rec.Set(col.Name, id)
		}
	}
	rec.MarkPersisted()

	s.logger.Debug("Inserted row", "table", schema.Name, "pk", rec.PrimaryKey(schema).String())
	return nil
}

func (s *Store) Update(ctx context.Context, rec *relsync.Record, schema *relsync.TableSchema) error {
	var sets []string
	var args []any
	for _, col := range schema.Columns {
		if col.IsPrimaryKey() || !rec.Has(col.Name) {
			continue
		}
		sets = append(sets, quoteIdent(col.Name)+" = ?")
		args = append(args, bindValue(rec.Get(col.Name)))
	}
	if len(sets) == 0 {
		return nil
	}

	where, whereArgs, err := keyCondition(rec, schema)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s`, quoteIdent(schema.Name), strings.Join(sets, ", "), where)

	res, err := s.querier(ctx).ExecContext(ctx, query, append(args, whereArgs...)...)
	if err != nil {
		return fmt.Errorf("update %s: %w", schema.Name, err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	s.logger.Debug("Updated row", "table", schema.Name, "pk", rec.PrimaryKey(schema).String())
	return nil
}

func (s *Store) Delete(ctx context.Context, rec *relsync.Record, schema *relsync.TableSchema) error {
	where, args, err := keyCondition(rec, schema)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, quoteIdent(schema.Name), where)

	res, err := s.querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", schema.Name, err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	s.logger.Debug("Deleted row", "table", schema.Name, "pk", rec.PrimaryKey(schema).String())
	return nil
}

func (s *Store) FindByPrimaryKey(ctx context.Context, schema *relsync.TableSchema, key relsync.Key) (*relsync.Record, error) {
	if len(key) != len(schema.PrimaryKey) || len(key) == 0 {
		return nil, fmt.Errorf("%w: key %s does not fit primary key of %s", relsync.ErrConfiguration, key, schema.Name)
	}
	attrs := make(map[string]any, len(key))
	for i, col := range schema.PrimaryKey {
		attrs[col] = key[i]
	}
	return s.FindByAttributes(ctx, schema, attrs)
}

func (s *Store) FindByAttributes(ctx context.Context, schema *relsync.TableSchema, attrs map[string]any) (*relsync.Record, error) {
	recs, err := s.selectWhere(ctx, schema, attrs, 1)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (s *Store) FindAllByAttributes(ctx context.Context, schema *relsync.TableSchema, attrs map[string]any) ([]*relsync.Record, error) {
	return s.selectWhere(ctx, schema, attrs, 0)
}

func (s *Store) selectWhere(ctx context.Context, schema *relsync.TableSchema, attrs map[string]any, limit int) ([]*relsync.Record, error) {
	cols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = quoteIdent(c.Name)
	}

	where, args, err := attrCondition(schema, attrs)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, strings.Join(cols, ", "), quoteIdent(schema.Name), where)
	if len(schema.PrimaryKey) > 0 {
		order := make([]string, len(schema.PrimaryKey))
		for i, pk := range schema.PrimaryKey {
			order[i] = quoteIdent(pk)
		}
		query += " ORDER BY " + strings.Join(order, ", ")
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", schema.Name, err)
	}
	defer rows.Close()

	var out []*relsync.Record
	for rows.Next() {
		values := make([]any, len(schema.Columns))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", schema.Name, err)
		}
		out = append(out, loadRecord(schema, values))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", schema.Name, err)
	}
	return out, nil
}

func loadRecord(schema *relsync.TableSchema, values []any) *relsync.Record {
	rec := relsync.NewRecord(schema.Name)
	for i, col := range schema.Columns {
		rec.SetTyped(schema, col.Name, values[i])
	}
	rec.MarkPersisted()
	return rec
}

// assignUUIDKey fills an unset single uuid key with a fresh UUID.
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

func keyCondition(rec *relsync.Record, schema *relsync.TableSchema) (string, []any, error) {
	if len(schema.PrimaryKey) == 0 {
		return "", nil, fmt.Errorf("%w: %s has no primary key", relsync.ErrConfiguration, schema.Name)
	}
	key := rec.PrimaryKey(schema)
	if key.IsZero() {
		return "", nil, fmt.Errorf("%s: primary key is unset", schema.Name)
	}
	parts := make([]string, len(schema.PrimaryKey))
	args := make([]any, len(schema.PrimaryKey))
	for i, col := range schema.PrimaryKey {
		parts[i] = quoteIdent(col) + " = ?"
		args[i] = bindValue(key[i])
	}
	return strings.Join(parts, " AND "), args, nil
}

// attrCondition renders attrs as an AND of equality tests, nil as IS NULL.
// Columns are sorted so equal filters produce equal SQL.
func attrCondition(schema *relsync.TableSchema, attrs map[string]any) (string, []any, error) {
	if len(attrs) == 0 {
		return "1 = 1", nil, nil
	}
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)

	var parts []string
	var args []any
	for _, name := range names {
		col, ok := schema.Column(name)
		if !ok {
			return "", nil, fmt.Errorf("%w: %s has no column %s", relsync.ErrConfiguration, schema.Name, name)
		}
		v := attrs[name]
		if v == nil {
			parts = append(parts, quoteIdent(col.Name)+" IS NULL")
			continue
		}
		if cv, err := relsync.Coerce(col.Affinity, v); err == nil {
			v = cv
		}
		parts = append(parts, quoteIdent(col.Name)+" = ?")
		args = append(args, bindValue(v))
	}
	return strings.Join(parts, " AND "), args, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// bindValue adapts coerced values for the sqlite driver.
func bindValue(v any) any {
	switch x := v.(type) {
	case uuid.UUID:
		return x.String()
	case map[string]any, []any:
		if b, err := json.Marshal(x); err == nil {
			return string(b)
		}
	}
	return v
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return relsync.ErrNotPersisted
	}
	return nil
}
