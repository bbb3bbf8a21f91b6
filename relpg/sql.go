// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relpg

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mobiletoly/go-relsync/relsync"
)

// statement is a SQL text with its named arguments.
type statement struct {
	sql  string
	args pgx.NamedArgs
}

type argList struct {
	args pgx.NamedArgs
}

func newArgList() *argList {
	return &argList{args: pgx.NamedArgs{}}
}

// add registers a value for col and returns its placeholder.
func (a *argList) add(col *relsync.Column, v any) string {
	name := fmt.Sprintf("p%d", len(a.args))
	a.args[name] = bindValue(col, v)
	return "@" + name
}

func tableIdent(name string) string {
	schemaName, tableName := SplitTable(name)
	return pgx.Identifier{schemaName, tableName}.Sanitize()
}

func colIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func buildInsert(rec *relsync.Record, schema *relsync.TableSchema) statement {
	args := newArgList()
	var cols, vals []string
	for i := range schema.Columns {
		col := &schema.Columns[i]
		if !rec.Has(col.Name) {
			continue
		}
		v := rec.Get(col.Name)
		// A nil key column is left to its default (serial, identity).
		if v == nil && col.IsPrimaryKey() {
			continue
		}
		cols = append(cols, colIdent(col.Name))
		vals = append(vals, args.add(col, v))
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(tableIdent(schema.Name))
	if len(cols) == 0 {
		b.WriteString(" DEFAULT VALUES")
	} else {
		fmt.Fprintf(&b, " (%s) VALUES (%s)", strings.Join(cols, ", "), strings.Join(vals, ", "))
	}
	if len(schema.PrimaryKey) > 0 {
		b.WriteString(" RETURNING ")
		b.WriteString(joinIdents(schema.PrimaryKey))
	}
	return statement{sql: b.String(), args: args.args}
}

func buildUpdate(rec *relsync.Record, schema *relsync.TableSchema) (statement, bool, error) {
	args := newArgList()
	var sets []string
	for i := range schema.Columns {
		col := &schema.Columns[i]
		if col.IsPrimaryKey() || !rec.Has(col.Name) {
			continue
		}
		sets = append(sets, colIdent(col.Name)+" = "+args.add(col, rec.Get(col.Name)))
	}
	if len(sets) == 0 {
		return statement{}, false, nil
	}
	where, err := keyCondition(rec, schema, args)
	if err != nil {
		return statement{}, false, err
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s", tableIdent(schema.Name), strings.Join(sets, ", "), where)
	return statement{sql: sql, args: args.args}, true, nil
}

func buildDelete(rec *relsync.Record, schema *relsync.TableSchema) (statement, error) {
	args := newArgList()
	where, err := keyCondition(rec, schema, args)
	if err != nil {
		return statement{}, err
	}
	return statement{
		sql:  fmt.Sprintf("DELETE FROM %s WHERE %s", tableIdent(schema.Name), where),
		args: args.args,
	}, nil
}

// buildSelect renders a select of all columns filtered by attrs (nil as IS NULL),
// ordered by primary key. Filter columns are sorted so equal filters give equal SQL.
func buildSelect(schema *relsync.TableSchema, attrs map[string]any, limit int) (statement, error) {
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)

	args := newArgList()
	conds := make([]string, 0, len(names))
	for _, name := range names {
		col, ok := schema.Column(name)
		if !ok {
			return statement{}, fmt.Errorf("%w: %s has no column %s", relsync.ErrConfiguration, schema.Name, name)
		}
		v := attrs[name]
		if v == nil {
			conds = append(conds, colIdent(col.Name)+" IS NULL")
			continue
		}
		if cv, err := relsync.Coerce(col.Affinity, v); err == nil {
			v = cv
		}
		conds = append(conds, colIdent(col.Name)+" = "+args.add(col, v))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", joinIdents(schema.ColumnNames()), tableIdent(schema.Name))
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	if len(schema.PrimaryKey) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(joinIdents(schema.PrimaryKey))
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return statement{sql: b.String(), args: args.args}, nil
}

func keyCondition(rec *relsync.Record, schema *relsync.TableSchema, args *argList) (string, error) {
	if len(schema.PrimaryKey) == 0 {
		return "", fmt.Errorf("%w: %s has no primary key", relsync.ErrConfiguration, schema.Name)
	}
	key := rec.PrimaryKey(schema)
	if key.IsZero() {
		return "", fmt.Errorf("%s: primary key is unset", schema.Name)
	}
	parts := make([]string, len(schema.PrimaryKey))
	for i, name := range schema.PrimaryKey {
		col, _ := schema.Column(name)
		parts[i] = colIdent(name) + " = " + args.add(col, key[i])
	}
	return strings.Join(parts, " AND "), nil
}

func joinIdents(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = colIdent(n)
	}
	return strings.Join(out, ", ")
}

// bindValue converts canonical uuid strings back to uuid.UUID for uuid columns.
func bindValue(col *relsync.Column, v any) any {
	if col == nil || col.Affinity != relsync.AffinityUUID {
		return v
	}
	if s, ok := v.(string); ok {
		if id, err := uuid.Parse(s); err == nil {
			return id
		}
	}
	return v
}
