// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import "strings"

// ForeignKeysToParent returns the child's foreign keys that reference the parent table.
func ForeignKeysToParent(childSchema, parentSchema *TableSchema) []ForeignKey {
	return childSchema.ForeignKeysTo(parentSchema.Name)
}

// StampForeignKeys copies the parent's referenced key values into the child columns of fks.
func StampForeignKeys(parent, child *Record, childSchema *TableSchema, fks []ForeignKey) {
	for _, fk := range fks {
		child.SetTyped(childSchema, fk.Column, parent.Get(fk.RefColumn))
	}
}

func foreignKeyColumns(fks []ForeignKey) map[string]bool {
	cols := make(map[string]bool, len(fks))
	for _, fk := range fks {
		cols[strings.ToLower(fk.Column)] = true
	}
	return cols
}

// parentMatch builds the attribute filter selecting the parent's persisted children.
func parentMatch(relation string, parent *Record, fks []ForeignKey, childSchema *TableSchema) (map[string]any, error) {
	if len(fks) == 0 {
		return nil, configErrorf("relation %q: %s has no foreign key to the parent table", relation, childSchema.Name)
	}
	match := make(map[string]any, len(fks))
	for _, fk := range fks {
		v := parent.Get(fk.RefColumn)
		if v == nil {
			return nil, configErrorf("relation %q: parent %s is unset", relation, fk.RefColumn)
		}
		if col, ok := childSchema.Column(fk.Column); ok {
			if cv, err := Coerce(col.Affinity, v); err == nil {
				v = cv
			}
		}
		match[fk.Column] = v
	}
	return match, nil
}
