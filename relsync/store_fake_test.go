package relsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// memStore is an in-memory Store with snapshot transactions and write counters.
type memStore struct {
	schemas map[string]*TableSchema
	rows    map[string][]map[string]any
	nextID  map[string]int64

	inserts, updates, deletes int
	begins, commits, rollbacks int

	failOn func(op string, table string, rec *Record) error
}

type memTxKey struct{ s *memStore }

type memTx struct {
	s        *memStore
	snapshot map[string][]map[string]any
	nextID   map[string]int64
	done     bool
}

func newMemStore(schemas ...*TableSchema) *memStore {
	s := &memStore{
		schemas: make(map[string]*TableSchema),
		rows:    make(map[string][]map[string]any),
		nextID:  make(map[string]int64),
	}
	for _, sc := range schemas {
		s.schemas[sc.Name] = sc
	}
	return s
}

func (s *memStore) writes() int { return s.inserts + s.updates + s.deletes }

func (s *memStore) seed(table string, rows ...map[string]any) {
	for _, r := range rows {
		row := make(map[string]any, len(r))
		for k, v := range r {
			row[k] = normalize(v)
		}
		s.rows[table] = append(s.rows[table], row)
		if id, ok := row["id"].(int64); ok && id >= s.nextID[table] {
			s.nextID[table] = id
		}
	}
}

func (s *memStore) InTransaction(ctx context.Context) bool {
	return ctx.Value(memTxKey{s}) != nil
}

func (s *memStore) BeginTx(ctx context.Context) (context.Context, Tx, error) {
	s.begins++
	tx := &memTx{s: s, snapshot: s.copyRows(), nextID: make(map[string]int64)}
	for k, v := range s.nextID {
		tx.nextID[k] = v
	}
	return context.WithValue(ctx, memTxKey{s}, tx), tx, nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("tx already closed")
	}
	t.done = true
	t.s.commits++
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("tx already closed")
	}
	t.done = true
	t.s.rollbacks++
	t.s.rows = t.snapshot
	t.s.nextID = t.nextID
	return nil
}

func (s *memStore) copyRows() map[string][]map[string]any {
	out := make(map[string][]map[string]any, len(s.rows))
	for table, rows := range s.rows {
		for _, r := range rows {
			c := make(map[string]any, len(r))
			for k, v := range r {
				c[k] = v
			}
			out[table] = append(out[table], c)
		}
	}
	return out
}

func (s *memStore) Schema(ctx context.Context, table string) (*TableSchema, error) {
	sc, ok := s.schemas[table]
	if !ok {
		return nil, nil
	}
	return sc, nil
}

func (s *memStore) fail(op string, schema *TableSchema, rec *Record) error {
	if s.failOn == nil {
		return nil
	}
	return s.failOn(op, schema.Name, rec)
}

func (s *memStore) indexOf(schema *TableSchema, key Key) int {
	for i, row := range s.rows[schema.Name] {
		if LoadedRecord(schema.Name, row).PrimaryKey(schema).Equal(key) {
			return i
		}
	}
	return -1
}

func (s *memStore) Insert(ctx context.Context, rec *Record, schema *TableSchema) error {
	if err := s.fail("insert", schema, rec); err != nil {
		return err
	}
	if len(schema.PrimaryKey) == 1 && rec.Get(schema.PrimaryKey[0]) == nil {
		s.nextID[schema.Name]++
		rec.Set(schema.PrimaryKey[0], s.nextID[schema.Name])
	}
	key := rec.PrimaryKey(schema)
	if key.IsZero() {
		return fmt.Errorf("insert %s: key unset", schema.Name)
	}
	if s.indexOf(schema, key) >= 0 {
		return fmt.Errorf("insert %s: duplicate key %s", schema.Name, key)
	}
	row := make(map[string]any)
	for _, col := range schema.Columns {
		row[strings.ToLower(col.Name)] = normalize(rec.Get(col.Name))
	}
	s.rows[schema.Name] = append(s.rows[schema.Name], row)
	rec.MarkPersisted()
	s.inserts++
	return nil
}

func (s *memStore) Update(ctx context.Context, rec *Record, schema *TableSchema) error {
	if err := s.fail("update", schema, rec); err != nil {
		return err
	}
	i := s.indexOf(schema, rec.PrimaryKey(schema))
	if i < 0 {
		return ErrNotPersisted
	}
	for _, name := range rec.AttributeNames() {
		if _, ok := schema.Column(name); ok {
			s.rows[schema.Name][i][name] = normalize(rec.Get(name))
		}
	}
	s.updates++
	return nil
}

func (s *memStore) Delete(ctx context.Context, rec *Record, schema *TableSchema) error {
	if err := s.fail("delete", schema, rec); err != nil {
		return err
	}
	i := s.indexOf(schema, rec.PrimaryKey(schema))
	if i < 0 {
		return ErrNotPersisted
	}
	rows := s.rows[schema.Name]
	s.rows[schema.Name] = append(rows[:i:i], rows[i+1:]...)
	s.deletes++
	return nil
}

func (s *memStore) FindByPrimaryKey(ctx context.Context, schema *TableSchema, key Key) (*Record, error) {
	attrs := make(map[string]any, len(key))
	for i, col := range schema.PrimaryKey {
		attrs[col] = key[i]
	}
	return s.FindByAttributes(ctx, schema, attrs)
}

func (s *memStore) FindByAttributes(ctx context.Context, schema *TableSchema, attrs map[string]any) (*Record, error) {
	all, err := s.FindAllByAttributes(ctx, schema, attrs)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

func (s *memStore) FindAllByAttributes(ctx context.Context, schema *TableSchema, attrs map[string]any) ([]*Record, error) {
	var out []*Record
	for _, row := range s.rows[schema.Name] {
		matched := true
		for k, v := range attrs {
			if !ValuesEqual(row[strings.ToLower(k)], v) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, LoadedRecord(schema.Name, row))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return fmt.Sprint(out[i].PrimaryKey(schema)) < fmt.Sprint(out[j].PrimaryKey(schema))
	})
	return out, nil
}

// rowsOf returns the stored rows of table keyed by the "id" column.
func (s *memStore) rowsByID(table string) map[int64]map[string]any {
	out := make(map[int64]map[string]any)
	for _, r := range s.rows[table] {
		out[r["id"].(int64)] = r
	}
	return out
}

func ordersSchema() *TableSchema {
	return NewTableSchema("orders", []Column{
		{Name: "id", DeclaredType: "INTEGER", Affinity: AffinityInteger, PKOrdinal: 1},
		{Name: "title", DeclaredType: "TEXT", Affinity: AffinityText},
	}, nil)
}

func itemsSchema() *TableSchema {
	return NewTableSchema("order_items", []Column{
		{Name: "id", DeclaredType: "INTEGER", Affinity: AffinityInteger, PKOrdinal: 1},
		{Name: "order_id", DeclaredType: "INTEGER", Affinity: AffinityInteger, NotNull: true},
		{Name: "name", DeclaredType: "TEXT", Affinity: AffinityText, NotNull: true},
		{Name: "qty", DeclaredType: "INTEGER", Affinity: AffinityInteger},
	}, []ForeignKey{{Column: "order_id", RefTable: "orders", RefColumn: "id"}})
}

func notesSchema() *TableSchema {
	return NewTableSchema("order_notes", []Column{
		{Name: "id", DeclaredType: "INTEGER", Affinity: AffinityInteger, PKOrdinal: 1},
		{Name: "order_id", DeclaredType: "INTEGER", Affinity: AffinityInteger, NotNull: true},
		{Name: "body", DeclaredType: "TEXT", Affinity: AffinityText},
	}, []ForeignKey{{Column: "order_id", RefTable: "orders", RefColumn: "id"}})
}

func tagsSchema() *TableSchema {
	return NewTableSchema("order_tags", []Column{
		{Name: "order_id", DeclaredType: "INTEGER", Affinity: AffinityInteger, NotNull: true, PKOrdinal: 1},
		{Name: "tag", DeclaredType: "TEXT", Affinity: AffinityText, NotNull: true, PKOrdinal: 2},
		{Name: "weight", DeclaredType: "INTEGER", Affinity: AffinityInteger},
	}, []ForeignKey{{Column: "order_id", RefTable: "orders", RefColumn: "id"}})
}

func ordersModel() Model {
	return NewModel("orders",
		Relation{Name: "items", Target: "order_items"},
		Relation{Name: "notes", Target: "order_notes"},
		Relation{Name: "tags", Target: "order_tags"},
	)
}

func newOrderStore() *memStore {
	return newMemStore(ordersSchema(), itemsSchema(), notesSchema(), tagsSchema())
}

func item(id any, name string) *Record {
	rec := NewRecord("order_items")
	if id != nil {
		rec.Set("id", id)
		rec.MarkPersisted()
	}
	rec.Set("name", name)
	return rec
}

func parentOrder(id int64) *Record {
	p := LoadedRecord("orders", map[string]any{"id": id, "title": "order"})
	return p
}
