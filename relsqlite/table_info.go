// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/mobiletoly/go-relsync/relsync"
)

type tableInfoQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TableInfoProvider manages cached table information
type TableInfoProvider struct {
	cache map[string]*relsync.TableSchema
	mutex sync.RWMutex
}

// NewTableInfoProvider creates a new TableInfoProvider
func NewTableInfoProvider() *TableInfoProvider {
	return &TableInfoProvider{
		cache: make(map[string]*relsync.TableSchema),
	}
}

// Get retrieves table information, using cache when available.
// A table that does not exist yields a schema with no columns and is not cached.
func (p *TableInfoProvider) Get(ctx context.Context, queryer tableInfoQueryer, tableName string) (*relsync.TableSchema, error) {
	key := strings.ToLower(tableName)

	// Check cache first
	p.mutex.RLock()
	if info, exists := p.cache[key]; exists {
		p.mutex.RUnlock()
		return info, nil
	}
	p.mutex.RUnlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Double-check in case another goroutine populated it
	if info, exists := p.cache[key]; exists {
		return info, nil
	}

	columns, err := readColumns(ctx, queryer, key)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return relsync.NewTableSchema(key, nil, nil), nil
	}

	fks, err := readForeignKeys(ctx, queryer, key)
	if err != nil {
		return nil, err
	}
	// PRAGMA foreign_key_list leaves "to" empty when the FK targets the parent's
	// primary key implicitly.
	for i := range fks {
		if fks[i].RefColumn != "" {
			continue
		}
		refCols, err := readColumns(ctx, queryer, fks[i].RefTable)
		if err != nil {
			return nil, err
		}
		ref := relsync.NewTableSchema(fks[i].RefTable, refCols, nil)
		if len(ref.PrimaryKey) != 1 {
			return nil, fmt.Errorf("foreign key %s.%s references %s without a single-column primary key",
				key, fks[i].Column, fks[i].RefTable)
		}
		fks[i].RefColumn = ref.PrimaryKey[0]
	}

	info := relsync.NewTableSchema(key, columns, fks)
	p.cache[key] = info
	return info, nil
}

func readColumns(ctx context.Context, queryer tableInfoQueryer, table string) ([]relsync.Column, error) {
	rows, err := queryer.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	var columns []relsync.Column
	for rows.Next() {
		var cid int
		var name, declaredType string
		var notNull, pk int
		var defaultValue sql.NullString

		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}

		columns = append(columns, relsync.Column{
			Name:         strings.ToLower(name),
			DeclaredType: declaredType,
			Affinity:     relsync.AffinityOf(declaredType),
			NotNull:      notNull == 1,
			HasDefault:   defaultValue.Valid,
			PKOrdinal:    pk,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return columns, nil
}

func readForeignKeys(ctx context.Context, queryer tableInfoQueryer, table string) ([]relsync.ForeignKey, error) {
	rows, err := queryer.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to get foreign keys for %s: %w", table, err)
	}
	defer rows.Close()

	var fks []relsync.ForeignKey
	for rows.Next() {
		var id, seq int
		var refTable, from string
		var to, onUpdate, onDelete, match sql.NullString

		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key info: %w", err)
		}
		fks = append(fks, relsync.ForeignKey{
			Column:    strings.ToLower(from),
			RefTable:  strings.ToLower(refTable),
			RefColumn: strings.ToLower(to.String),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating foreign keys: %w", err)
	}
	return fks, nil
}

// ClearCache clears the table info cache
func (p *TableInfoProvider) ClearCache() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.cache = make(map[string]*relsync.TableSchema)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
