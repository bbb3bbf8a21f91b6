// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import "strings"

// Relation is a one-to-many association from a parent table to a child table.
type Relation struct {
	Name   string
	Target string // child table name

	// ForeignKey names the child columns that point at the parent. Empty means every
	// foreign key from Target to the parent table.
	ForeignKey []string

	// Builder constructs an empty child record. Defaults to NewRecord(Target).
	Builder func() *Record
}

func (r Relation) newChild() *Record {
	if r.Builder != nil {
		return r.Builder()
	}
	return NewRecord(r.Target)
}

// Model describes a parent table and the relations that can be synchronized on it.
type Model struct {
	Table     string
	Relations map[string]Relation
}

// NewModel creates a Model for table with the given relations keyed by their names.
func NewModel(table string, relations ...Relation) Model {
	m := Model{Table: table, Relations: make(map[string]Relation, len(relations))}
	for _, r := range relations {
		m.Relations[r.Name] = r
	}
	return m
}

func (m Model) relation(name string) (Relation, error) {
	rel, ok := m.Relations[name]
	if !ok {
		return Relation{}, configErrorf("relation %q is not defined on %s", name, m.Table)
	}
	if rel.Target == "" {
		return Relation{}, configErrorf("relation %q on %s has no target table", name, m.Table)
	}
	if rel.Name == "" {
		rel.Name = name
	}
	return rel, nil
}

// parentKeys returns the foreign keys linking child rows of r to the parent.
func (r Relation) parentKeys(childSchema, parentSchema *TableSchema) ([]ForeignKey, error) {
	fks := ForeignKeysToParent(childSchema, parentSchema)
	if len(r.ForeignKey) == 0 {
		return fks, nil
	}
	out := make([]ForeignKey, 0, len(r.ForeignKey))
	for _, name := range r.ForeignKey {
		found := false
		for _, fk := range fks {
			if strings.EqualFold(fk.Column, name) {
				out = append(out, fk)
				found = true
				break
			}
		}
		if !found {
			return nil, configErrorf("relation %q: %s.%s is not a foreign key to %s",
				r.Name, childSchema.Name, name, parentSchema.Name)
		}
	}
	return out, nil
}
