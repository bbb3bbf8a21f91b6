// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relpg

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/mobiletoly/go-relsync/relsync"
)

// DefaultSchema is used for table names given without a schema.
const DefaultSchema = "public"

// SchemaDiscovery reads column, primary key and foreign key structure from
// information_schema and caches it per table.
type SchemaDiscovery struct {
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*relsync.TableSchema
}

// NewSchemaDiscovery creates a new schema discovery instance
func NewSchemaDiscovery(logger *slog.Logger) *SchemaDiscovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchemaDiscovery{
		logger: logger,
		cache:  make(map[string]*relsync.TableSchema),
	}
}

// Key creates a normalized schema.table key
func Key(schema, table string) string {
	return strings.ToLower(schema + "." + table)
}

// SplitTable splits "schema.table", defaulting the schema to public.
func SplitTable(name string) (schema, table string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return DefaultSchema, name
}

// Table returns the structure of name ("table" or "schema.table"). A table that does
// not exist yields a schema with no columns and is not cached.
func (sd *SchemaDiscovery) Table(ctx context.Context, q querier, name string) (*relsync.TableSchema, error) {
	schemaName, tableName := SplitTable(name)
	key := Key(schemaName, tableName)

	sd.mu.RLock()
	if info, ok := sd.cache[key]; ok {
		sd.mu.RUnlock()
		return info, nil
	}
	sd.mu.RUnlock()

	sd.mu.Lock()
	defer sd.mu.Unlock()
	if info, ok := sd.cache[key]; ok {
		return info, nil
	}

	columns, err := sd.getColumns(ctx, q, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to get columns of %s: %w", key, err)
	}
	if len(columns) == 0 {
		return relsync.NewTableSchema(key, nil, nil), nil
	}

	fks, err := sd.getForeignKeys(ctx, q, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to get foreign key constraints of %s: %w", key, err)
	}

	info := relsync.NewTableSchema(key, columns, fks)
	sd.cache[key] = info

	sd.logger.Debug("Table discovered",
		"table", key,
		"columns", len(columns),
		"primary_key", info.PrimaryKey,
		"foreign_keys", len(fks))
	return info, nil
}

// Reset drops all cached tables.
func (sd *SchemaDiscovery) Reset() {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.cache = make(map[string]*relsync.TableSchema)
}

func (sd *SchemaDiscovery) getColumns(ctx context.Context, q querier, schemaName, tableName string) ([]relsync.Column, error) {
	const query = `
SELECT
  lower(c.column_name)::text AS column_name,
  lower(c.udt_name)::text    AS udt_name,
  c.is_nullable = 'NO'       AS not_null,
  (c.column_default IS NOT NULL OR c.is_identity = 'YES' OR c.is_generated = 'ALWAYS') AS has_default,
  COALESCE(pk.ordinal_position, 0)::int AS pk_ordinal
FROM information_schema.columns c
LEFT JOIN (
  SELECT kcu.column_name, kcu.ordinal_position
  FROM information_schema.table_constraints tc
  JOIN information_schema.key_column_usage kcu
    ON tc.constraint_name = kcu.constraint_name
   AND tc.constraint_schema = kcu.constraint_schema
   AND tc.table_name = kcu.table_name
  WHERE tc.constraint_type = 'PRIMARY KEY'
    AND tc.table_schema = @schema
    AND tc.table_name = @table
) pk ON pk.column_name = c.column_name
WHERE c.table_schema = @schema
  AND c.table_name = @table
ORDER BY c.ordinal_position`

	rows, err := q.Query(ctx, query, pgx.NamedArgs{
		"schema": schemaName,
		"table":  tableName,
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []relsync.Column
	for rows.Next() {
		var col relsync.Column
		if err := rows.Scan(&col.Name, &col.DeclaredType, &col.NotNull, &col.HasDefault, &col.PKOrdinal); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		col.Affinity = relsync.AffinityOf(col.DeclaredType)
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return columns, nil
}

func (sd *SchemaDiscovery) getForeignKeys(ctx context.Context, q querier, schemaName, tableName string) ([]relsync.ForeignKey, error) {
	const query = `
SELECT
  lower(kcu.column_name)::text              AS column_name,
  lower(rc.unique_constraint_schema)::text  AS referenced_table_schema,
  lower(kcu2.table_name)::text              AS referenced_table_name,
  lower(kcu2.column_name)::text             AS referenced_column_name
FROM information_schema.key_column_usage AS kcu
JOIN information_schema.referential_constraints AS rc
  ON kcu.constraint_name = rc.constraint_name
 AND kcu.constraint_schema = rc.constraint_schema
JOIN information_schema.key_column_usage AS kcu2
  ON rc.unique_constraint_name = kcu2.constraint_name
 AND rc.unique_constraint_schema = kcu2.constraint_schema
 AND kcu.ordinal_position = kcu2.ordinal_position
WHERE kcu.table_schema = @schema
  AND kcu.table_name = @table
ORDER BY kcu.constraint_name, kcu.ordinal_position`

	rows, err := q.Query(ctx, query, pgx.NamedArgs{
		"schema": schemaName,
		"table":  tableName,
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []relsync.ForeignKey
	for rows.Next() {
		var col, refSchema, refTable, refCol string
		if err := rows.Scan(&col, &refSchema, &refTable, &refCol); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key constraint: %w", err)
		}
		fks = append(fks, relsync.ForeignKey{
			Column:    col,
			RefTable:  Key(refSchema, refTable),
			RefColumn: refCol,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating foreign key constraints: %w", err)
	}
	return fks, nil
}
