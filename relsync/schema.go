// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"sort"
	"strings"
)

// Affinity is the storage class a column's values are coerced to.
type Affinity int

const (
	AffinityNone Affinity = iota
	AffinityInteger
	AffinityReal
	AffinityNumeric
	AffinityText
	AffinityBlob
	AffinityBool
	AffinityTime
	AffinityUUID
)

var affinityNames = [...]string{"none", "integer", "real", "numeric", "text", "blob", "bool", "time", "uuid"}

func (a Affinity) String() string {
	if int(a) < len(affinityNames) {
		return affinityNames[a]
	}
	return "unknown"
}

// AffinityOf maps a declared column type (SQLite declared type or Postgres udt name)
// to an Affinity. SQLite's affinity rules apply after the well-known special types.
func AffinityOf(declaredType string) Affinity {
	t := strings.ToUpper(strings.TrimSpace(declaredType))
	switch {
	case t == "":
		return AffinityNone
	case strings.Contains(t, "UUID"):
		return AffinityUUID
	case strings.HasPrefix(t, "BOOL"):
		return AffinityBool
	case strings.Contains(t, "TIMESTAMP"), strings.Contains(t, "DATE"), t == "TIME", t == "TIMETZ":
		return AffinityTime
	case t == "BYTEA":
		return AffinityBlob
	case t == "JSON" || t == "JSONB":
		return AffinityNone
	case strings.Contains(t, "INT"):
		return AffinityInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return AffinityText
	case strings.Contains(t, "BLOB"):
		return AffinityBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return AffinityReal
	default:
		return AffinityNumeric
	}
}

// Column holds information about a table column
type Column struct {
	Name         string
	DeclaredType string
	Affinity     Affinity
	NotNull      bool
	HasDefault   bool
	PKOrdinal    int // 1-based position inside the primary key, 0 when not part of it
}

// IsPrimaryKey returns true if the column is part of the primary key
func (c *Column) IsPrimaryKey() bool {
	return c.PKOrdinal > 0
}

// IsRowIDAlias reports whether a sole primary key column is declared exactly INTEGER.
// SQLite only fills such columns from the rowid; BIGINT or INT keys stay NULL when unset.
func (c *Column) IsRowIDAlias() bool {
	return c.IsPrimaryKey() && strings.EqualFold(strings.TrimSpace(c.DeclaredType), "INTEGER")
}

// ForeignKey is a single-column foreign key constraint
type ForeignKey struct {
	Column    string // Column in the owning table (e.g., "order_id")
	RefTable  string // Referenced table (e.g., "orders")
	RefColumn string // Referenced column (e.g., "id")
}

// TableSchema is the reflected structure of one table.
type TableSchema struct {
	Name        string
	Columns     []Column
	PrimaryKey  []string // ordered; more than one entry for composite keys
	ForeignKeys []ForeignKey

	byName map[string]int
}

// NewTableSchema builds a TableSchema and derives the primary key order from Column.PKOrdinal.
func NewTableSchema(name string, columns []Column, fks []ForeignKey) *TableSchema {
	s := &TableSchema{
		Name:        name,
		Columns:     columns,
		ForeignKeys: fks,
		byName:      make(map[string]int, len(columns)),
	}

	var pkCols []Column
	for i, c := range columns {
		s.byName[strings.ToLower(c.Name)] = i
		if c.IsPrimaryKey() {
			pkCols = append(pkCols, c)
		}
	}
	sort.SliceStable(pkCols, func(i, j int) bool { return pkCols[i].PKOrdinal < pkCols[j].PKOrdinal })
	for _, c := range pkCols {
		s.PrimaryKey = append(s.PrimaryKey, c.Name)
	}
	return s
}

// Column looks a column up by name, case-insensitively.
func (s *TableSchema) Column(name string) (*Column, bool) {
	if s == nil {
		return nil, false
	}
	i, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return &s.Columns[i], true
}

// ColumnNames returns the column names in declaration order.
func (s *TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

func (s *TableSchema) IsPrimaryKey(column string) bool {
	c, ok := s.Column(column)
	return ok && c.IsPrimaryKey()
}

// ForeignKeysTo returns the foreign keys of this table that reference table.
func (s *TableSchema) ForeignKeysTo(table string) []ForeignKey {
	var out []ForeignKey
	for _, fk := range s.ForeignKeys {
		if SameTable(fk.RefTable, table) {
			out = append(out, fk)
		}
	}
	return out
}

// SameTable compares table names case-insensitively. An unqualified name matches a
// schema-qualified one with the same table part ("orders" matches "public.orders").
func SameTable(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	return strings.EqualFold(unqualified(a), unqualified(b)) && (!strings.Contains(a, ".") || !strings.Contains(b, "."))
}

func unqualified(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}
