// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"fmt"
	"sort"
	"strings"
)

// Key is a primary key value: one entry per primary key column, in key order.
type Key []any

// IsZero reports whether the key is unset (empty, or any part is nil).
func (k Key) IsZero() bool {
	if len(k) == 0 {
		return true
	}
	for _, v := range k {
		if v == nil {
			return true
		}
	}
	return false
}

// Equal compares two keys as ordered tuples using value equality.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if !ValuesEqual(k[i], other[i]) {
			return false
		}
	}
	return true
}

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = fmt.Sprint(normalize(v))
	}
	return strings.Join(parts, ",")
}

// Record is an active-record style row: attribute values of one table plus the
// in-memory relation slots of a parent. A Record is not safe for concurrent use.
type Record struct {
	table   string
	attrs   map[string]any
	isNew   bool
	related map[string]any
	errs    map[string][]string
}

// NewRecord creates a record that has not been persisted yet.
func NewRecord(table string) *Record {
	return &Record{
		table: table,
		attrs: make(map[string]any),
		isNew: true,
	}
}

// LoadedRecord creates a record for a row read from storage.
func LoadedRecord(table string, attrs map[string]any) *Record {
	r := &Record{
		table: table,
		attrs: make(map[string]any, len(attrs)),
	}
	for k, v := range attrs {
		r.attrs[strings.ToLower(k)] = v
	}
	return r
}

func (r *Record) Table() string { return r.table }

// IsNew returns true until the record has been inserted or was loaded from storage.
func (r *Record) IsNew() bool { return r.isNew }

// MarkPersisted records that the row exists in storage.
func (r *Record) MarkPersisted() { r.isNew = false }

func (r *Record) Get(name string) any {
	return r.attrs[strings.ToLower(name)]
}

// Has reports whether the attribute was ever assigned (nil counts as assigned).
func (r *Record) Has(name string) bool {
	_, ok := r.attrs[strings.ToLower(name)]
	return ok
}

func (r *Record) Set(name string, value any) {
	r.attrs[strings.ToLower(name)] = value
}

// SetTyped assigns value coerced to the column's affinity. Values that cannot be
// coerced are kept as given so validation can report them.
func (r *Record) SetTyped(schema *TableSchema, name string, value any) {
	if col, ok := schema.Column(name); ok {
		if cv, err := Coerce(col.Affinity, value); err == nil {
			value = cv
		}
		name = col.Name
	}
	r.Set(name, value)
}

// Attributes returns a copy of the attribute map.
func (r *Record) Attributes() map[string]any {
	out := make(map[string]any, len(r.attrs))
	for k, v := range r.attrs {
		out[k] = v
	}
	return out
}

// AttributeNames returns the assigned attribute names, sorted.
func (r *Record) AttributeNames() []string {
	names := make([]string, 0, len(r.attrs))
	for k := range r.attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SetAttributes bulk-assigns values. With a schema, only known columns are assigned
// and values are coerced to the column type; without one every key is assigned as is.
func (r *Record) SetAttributes(values map[string]any, schema *TableSchema) {
	for k, v := range values {
		if schema == nil {
			r.Set(k, v)
			continue
		}
		if _, ok := schema.Column(k); !ok {
			continue
		}
		r.SetTyped(schema, k, v)
	}
}

// PrimaryKey returns the key value according to schema.
func (r *Record) PrimaryKey(schema *TableSchema) Key {
	if len(schema.PrimaryKey) == 0 {
		return nil
	}
	key := make(Key, len(schema.PrimaryKey))
	for i, col := range schema.PrimaryKey {
		key[i] = r.Get(col)
	}
	return key
}

// HasPrimaryKey reports whether every key column holds a value.
func (r *Record) HasPrimaryKey(schema *TableSchema) bool {
	return !r.PrimaryKey(schema).IsZero()
}

// SetPrimaryKey assigns key parts in schema key order.
func (r *Record) SetPrimaryKey(schema *TableSchema, key Key) {
	for i, col := range schema.PrimaryKey {
		if i < len(key) {
			r.SetTyped(schema, col, key[i])
		}
	}
}

// Related returns the in-memory value of a relation slot: nil, *Record, []*Record,
// or raw form payload ([]map[string]any or []any).
func (r *Record) Related(name string) any {
	if r.related == nil {
		return nil
	}
	return r.related[name]
}

func (r *Record) SetRelated(name string, value any) {
	if r.related == nil {
		r.related = make(map[string]any)
	}
	r.related[name] = value
}

// Children returns the relation slot as a list; a single record becomes a one-element list.
func (r *Record) Children(name string) []*Record {
	switch v := r.Related(name).(type) {
	case []*Record:
		out := make([]*Record, len(v))
		copy(out, v)
		return out
	case *Record:
		if v == nil {
			return nil
		}
		return []*Record{v}
	}
	return nil
}

func (r *Record) AddError(attribute, message string) {
	if r.errs == nil {
		r.errs = make(map[string][]string)
	}
	r.errs[attribute] = append(r.errs[attribute], message)
}

// Errors returns a copy of the per-attribute error bucket.
func (r *Record) Errors() map[string][]string {
	out := make(map[string][]string, len(r.errs))
	for k, v := range r.errs {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (r *Record) HasErrors() bool { return len(r.errs) > 0 }

func (r *Record) ClearErrors() { r.errs = nil }

// ErrorSummary renders all errors as "attr: msg; attr: msg", attributes sorted.
func (r *Record) ErrorSummary() string {
	attrs := make([]string, 0, len(r.errs))
	for k := range r.errs {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)
	var parts []string
	for _, a := range attrs {
		for _, msg := range r.errs[a] {
			parts = append(parts, a+": "+msg)
		}
	}
	return strings.Join(parts, "; ")
}

// AttributesEqual compares desired against stored over every column of schema that
// desired has assigned. Rows loaded from storage carry every column, so for them
// this is a comparison over the whole row.
func AttributesEqual(schema *TableSchema, desired, stored *Record) bool {
	for _, col := range schema.Columns {
		if !desired.Has(col.Name) {
			continue
		}
		if !ValuesEqual(desired.Get(col.Name), stored.Get(col.Name)) {
			return false
		}
	}
	return true
}

// adopt makes a not-yet-persisted record stand for an existing row with the same key:
// attributes it never assigned are taken from the row.
func (r *Record) adopt(row *Record) {
	for k, v := range row.attrs {
		if _, ok := r.attrs[k]; !ok {
			r.attrs[k] = v
		}
	}
	r.isNew = false
}

type recordState struct {
	rec   *Record
	attrs map[string]any
	isNew bool
}

func captureState(r *Record) recordState {
	return recordState{rec: r, attrs: r.Attributes(), isNew: r.isNew}
}

func (s recordState) restore() {
	s.rec.attrs = s.attrs
	s.rec.isNew = s.isNew
}
