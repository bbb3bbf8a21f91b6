package relsync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSynchronizer(t *testing.T, store Store) *Synchronizer {
	t.Helper()
	s, err := New(store, ordersModel(), nil)
	require.NoError(t, err)
	return s
}

// TestSynchronize_MixedChanges covers the canonical case: one row deleted, one row
// updated and one row inserted with the parent's key stamped.
func TestSynchronize_MixedChanges(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	store.seed("order_items",
		map[string]any{"id": 5, "order_id": 1, "name": "old"},
		map[string]any{"id": 7, "order_id": 1, "name": "c"},
	)
	s := newTestSynchronizer(t, store)

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{item(nil, "a"), item(5, "b")})

	res, err := s.Synchronize(ctx, parent, []string{"items"})
	require.NoError(t, err)
	require.True(t, res.OK, parent.ErrorSummary())

	assert.Equal(t, 1, store.inserts)
	assert.Equal(t, 1, store.updates)
	assert.Equal(t, 1, store.deletes)
	assert.Equal(t, []RelationResult{{Relation: "items", Inserted: 1, Updated: 1, Deleted: 1}}, res.Relations)

	rows := store.rowsByID("order_items")
	require.Len(t, rows, 2)
	assert.NotContains(t, rows, int64(7))
	assert.Equal(t, "b", rows[5]["name"])

	inserted := parent.Children("items")[0]
	assert.False(t, inserted.IsNew())
	newID := inserted.Get("id").(int64)
	assert.Equal(t, "a", rows[newID]["name"])
	assert.Equal(t, int64(1), rows[newID]["order_id"])

	assert.Equal(t, 1, store.begins)
	assert.Equal(t, 1, store.commits)
	assert.Equal(t, 0, store.rollbacks)
}

func TestSynchronize_SecondCallWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	store.seed("order_items", map[string]any{"id": 3, "order_id": 1, "name": "keep", "qty": 2})
	s := newTestSynchronizer(t, store)

	parent := parentOrder(1)
	parent.SetRelated("items", []map[string]any{
		{"id": "3", "name": "keep", "qty": "4"},
		{"name": "fresh", "qty": "1"},
	})

	res, err := s.Synchronize(ctx, parent, []string{"items"})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, 2, store.writes())

	res, err = s.Synchronize(ctx, parent, []string{"items"})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 0, res.Writes())
	assert.Equal(t, 2, store.writes(), "second call must not write")
}

func TestSynchronize_UpdateSkippedWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	store.seed("order_items", map[string]any{"id": 9, "order_id": 1, "name": "same", "qty": 1})
	s := newTestSynchronizer(t, store)

	persisted, err := store.FindAllByAttributes(ctx, itemsSchema(), map[string]any{"order_id": 1})
	require.NoError(t, err)

	parent := parentOrder(1)
	parent.SetRelated("items", persisted)

	res, err := s.Synchronize(ctx, parent, []string{"items"})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Zero(t, store.writes())
}

func TestSynchronize_DeletesOnlyVanishedRows(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	store.seed("order_items",
		map[string]any{"id": 1, "order_id": 1, "name": "a"},
		map[string]any{"id": 2, "order_id": 1, "name": "b"},
		map[string]any{"id": 3, "order_id": 1, "name": "c"},
		map[string]any{"id": 4, "order_id": 2, "name": "other parent"},
	)
	s := newTestSynchronizer(t, store)

	all, err := store.FindAllByAttributes(ctx, itemsSchema(), map[string]any{"order_id": 1})
	require.NoError(t, err)

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{all[0], all[2]})

	res, err := s.Synchronize(ctx, parent, []string{"items"})
	require.NoError(t, err)
	require.True(t, res.OK)

	assert.Equal(t, 1, store.deletes)
	assert.Zero(t, store.updates)
	assert.Zero(t, store.inserts)
	rows := store.rowsByID("order_items")
	assert.Len(t, rows, 3)
	assert.NotContains(t, rows, int64(2))
	assert.Contains(t, rows, int64(4))
}

func TestSynchronize_EmptyListDeletesAll_NilSlotIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	store.seed("order_items",
		map[string]any{"id": 1, "order_id": 1, "name": "a"},
		map[string]any{"id": 2, "order_id": 1, "name": "b"},
	)
	store.seed("order_notes", map[string]any{"id": 1, "order_id": 1, "body": "n"})
	s := newTestSynchronizer(t, store)

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{})

	res, err := s.Synchronize(ctx, parent, []string{"items", "notes"})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Empty(t, store.rows["order_items"])
	assert.Len(t, store.rows["order_notes"], 1)
}

func TestSynchronize_ValidationFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	store.seed("order_items", map[string]any{"id": 1, "order_id": 1, "name": "a"})
	s := newTestSynchronizer(t, store)

	bad := item(nil, "")
	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{bad, item(nil, "fine")})

	res, err := s.Synchronize(ctx, parent, []string{"items"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Zero(t, store.writes())
	assert.Zero(t, store.begins, "transaction must not be opened")
	assert.Contains(t, bad.Errors(), "name")

	// FK was still stamped during normalization.
	assert.Equal(t, int64(1), bad.Get("order_id"))
}

func TestSynchronize_StrictValidationFailureReturnsFalse(t *testing.T) {
	store := newOrderStore()
	s := newTestSynchronizer(t, store)

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{item(nil, "fine"), item(nil, "")})

	res, err := s.Synchronize(context.Background(), parent, []string{"items"}, WithStrict(true))
	require.NoError(t, err, "validation failures are reported through OK, even in strict mode")
	assert.False(t, res.OK)
	assert.Zero(t, store.begins)
	assert.Zero(t, store.writes())

	verr := ValidationError(parent, []string{"items"})
	require.ErrorIs(t, verr, ErrValidation)
	assert.Contains(t, verr.Error(), "items[1]: name: cannot be blank")
	assert.NotContains(t, verr.Error(), "items[0]")
}

func TestValidationError_NilWhenChildrenValid(t *testing.T) {
	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{item(nil, "fine")})
	assert.NoError(t, ValidationError(parent, []string{"items", "tags"}))
}

func TestValidate_ExcludesParentForeignKeys(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	s := newTestSynchronizer(t, store)

	// The parent has no key yet, so order_id stays nil; it is NOT NULL but must not
	// be validated because it is derived from the parent.
	parent := NewRecord("orders")
	child := item(nil, "widget")
	parent.SetRelated("items", []*Record{child})

	ok, err := s.Validate(ctx, parent, []string{"items"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, child.HasErrors())
}

func TestSynchronize_ValidationCanBeSkipped(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	s := newTestSynchronizer(t, store)

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{item(nil, "")})

	res, err := s.Synchronize(ctx, parent, []string{"items"}, WithoutValidation())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, store.inserts)
}

// TestSynchronize_FailureRollsBackEarlierRelations checks that a failure in the second
// relation undoes the first one when the call owns the transaction.
func TestSynchronize_FailureRollsBackEarlierRelations(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	store.seed("order_items", map[string]any{"id": 1, "order_id": 1, "name": "a"})
	store.failOn = func(op, table string, rec *Record) error {
		if table == "order_notes" && op == "insert" {
			return errors.New("disk full")
		}
		return nil
	}
	s := newTestSynchronizer(t, store)

	newItem := item(nil, "b")
	note := NewRecord("order_notes")
	note.Set("body", "hello")

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{newItem})
	parent.SetRelated("notes", []*Record{note})

	res, err := s.Synchronize(ctx, parent, []string{"items", "notes"})
	require.NoError(t, err)
	assert.False(t, res.OK)

	assert.Equal(t, 1, store.rollbacks)
	assert.Zero(t, store.commits)
	rows := store.rowsByID("order_items")
	require.Len(t, rows, 1, "item changes must be rolled back")
	assert.Equal(t, "a", rows[1]["name"])

	assert.True(t, newItem.IsNew(), "inserted record must revert to new")
	assert.Nil(t, newItem.Get("id"))

	errs := parent.Errors()["all"]
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `relation "notes"`)
	assert.Contains(t, errs[0], "disk full")
}

func TestSynchronize_StrictReturnsOriginalError(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	store.seed("order_items", map[string]any{"id": 1, "order_id": 1, "name": "a"})
	boom := errors.New("constraint violated")
	store.failOn = func(op, table string, rec *Record) error {
		if op == "delete" {
			return boom
		}
		return nil
	}
	s := newTestSynchronizer(t, store)

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{})

	res, err := s.Synchronize(ctx, parent, []string{"items"}, WithStrict(true))
	require.Error(t, err)
	assert.False(t, res.OK)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrPersistence)

	var relErr *RelationError
	require.ErrorAs(t, err, &relErr)
	assert.Equal(t, "items", relErr.Relation)
	assert.Equal(t, "delete", relErr.Op)

	assert.Equal(t, 1, store.rollbacks)
	assert.Empty(t, parent.Errors())
}

func TestSynchronize_NotPersistedIsFailure(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	store.seed("order_items", map[string]any{"id": 1, "order_id": 1, "name": "a"})
	store.failOn = func(op, table string, rec *Record) error {
		if op == "update" {
			return ErrNotPersisted
		}
		return nil
	}
	s := newTestSynchronizer(t, store)

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{item(1, "changed")})

	res, err := s.Synchronize(ctx, parent, []string{"items"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, parent.Errors()["all"][0], ErrNotPersisted.Error())
}

// TestSynchronize_OuterTransactionIsNotTouched checks ownership: a transaction begun
// by the caller is neither committed nor rolled back by Synchronize.
func TestSynchronize_OuterTransactionIsNotTouched(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	store.failOn = func(op, table string, rec *Record) error {
		if table == "order_notes" {
			return errors.New("nope")
		}
		return nil
	}
	s := newTestSynchronizer(t, store)

	txCtx, outer, err := store.BeginTx(ctx)
	require.NoError(t, err)

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{item(nil, "a")})
	note := NewRecord("order_notes")
	note.Set("body", "x")
	parent.SetRelated("notes", []*Record{note})

	res, err := s.Synchronize(txCtx, parent, []string{"items", "notes"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 1, store.begins, "no nested transaction")
	assert.Zero(t, store.rollbacks)
	assert.Zero(t, store.commits)

	// The item written before the failure stays within the caller's transaction.
	assert.Len(t, store.rows["order_items"], 1)
	assert.False(t, parent.Children("items")[0].IsNew())

	require.NoError(t, outer.Rollback(txCtx))
	assert.Empty(t, store.rows["order_items"])
}

func TestSynchronize_OuterTransactionSuccessLeavesCommitToCaller(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	s := newTestSynchronizer(t, store)

	txCtx, outer, err := store.BeginTx(ctx)
	require.NoError(t, err)

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{item(nil, "a")})

	res, err := s.Synchronize(txCtx, parent, []string{"items"})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Zero(t, store.commits)

	require.NoError(t, outer.Commit(txCtx))
	assert.Equal(t, 1, store.commits)
}

func TestSynchronize_UnknownRelationIsHardError(t *testing.T) {
	ctx := context.Background()
	s := newTestSynchronizer(t, newOrderStore())

	parent := parentOrder(1)
	_, err := s.Synchronize(ctx, parent, []string{"missing"})
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))

	_, err = s.Synchronize(ctx, parent, []string{"missing"}, WithoutValidation())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSynchronize_UnsetParentKeyIsHardError(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	s := newTestSynchronizer(t, store)

	parent := NewRecord("orders")
	parent.SetRelated("items", []*Record{item(nil, "a")})

	_, err := s.Synchronize(ctx, parent, []string{"items"})
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 1, store.rollbacks)
	assert.Zero(t, store.writes())
}

func TestSynchronize_NewRecordWithExistingKeyIsAdopted(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	store.seed("order_items", map[string]any{"id": 5, "order_id": 1, "name": "old", "qty": 3})
	s := newTestSynchronizer(t, store)

	rec := NewRecord("order_items")
	rec.Set("id", 5)
	rec.Set("name", "renamed")

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{rec})

	res, err := s.Synchronize(ctx, parent, []string{"items"})
	require.NoError(t, err)
	require.True(t, res.OK, parent.ErrorSummary())
	assert.Equal(t, 1, store.updates)
	assert.Zero(t, store.inserts)
	assert.Equal(t, "renamed", store.rowsByID("order_items")[5]["name"])
	assert.Equal(t, int64(3), store.rowsByID("order_items")[5]["qty"])
}

func TestSynchronize_NewRecordWithUnknownKeyIsInserted(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	s := newTestSynchronizer(t, store)

	rec := NewRecord("order_items")
	rec.Set("id", 42)
	rec.Set("name", "explicit")

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{rec})

	res, err := s.Synchronize(ctx, parent, []string{"items"})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 1, store.inserts)
	assert.Contains(t, store.rowsByID("order_items"), int64(42))
}

func TestSynchronize_CompositeKeys(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	store.seed("order_tags",
		map[string]any{"order_id": 1, "tag": "red", "weight": 1},
		map[string]any{"order_id": 1, "tag": "blue", "weight": 1},
	)
	s := newTestSynchronizer(t, store)

	parent := parentOrder(1)
	parent.SetRelated("tags", []any{
		map[string]any{"order_id": "1", "tag": "red", "weight": "5"},
		map[string]any{"tag": "green"},
	})

	res, err := s.Synchronize(ctx, parent, []string{"tags"})
	require.NoError(t, err)
	require.True(t, res.OK, parent.ErrorSummary())
	assert.Equal(t, []RelationResult{{Relation: "tags", Inserted: 1, Updated: 1, Deleted: 1}}, res.Relations)

	byTag := map[string]map[string]any{}
	for _, r := range store.rows["order_tags"] {
		byTag[r["tag"].(string)] = r
	}
	assert.Len(t, byTag, 2)
	assert.Equal(t, int64(5), byTag["red"]["weight"])
	assert.Equal(t, int64(1), byTag["green"]["order_id"])
	assert.NotContains(t, byTag, "blue")
}

func transferStore() *memStore {
	accounts := NewTableSchema("accounts", []Column{
		{Name: "id", DeclaredType: "INTEGER", Affinity: AffinityInteger, PKOrdinal: 1},
	}, nil)
	transfers := NewTableSchema("transfers", []Column{
		{Name: "id", DeclaredType: "INTEGER", Affinity: AffinityInteger, PKOrdinal: 1},
		{Name: "from_id", DeclaredType: "INTEGER", Affinity: AffinityInteger, NotNull: true},
		{Name: "to_id", DeclaredType: "INTEGER", Affinity: AffinityInteger, NotNull: true},
		{Name: "amount", DeclaredType: "INTEGER", Affinity: AffinityInteger},
	}, []ForeignKey{
		{Column: "from_id", RefTable: "accounts", RefColumn: "id"},
		{Column: "to_id", RefTable: "accounts", RefColumn: "id"},
	})
	return newMemStore(accounts, transfers)
}

func TestSynchronize_RelationForeignKeyPicksParentColumn(t *testing.T) {
	ctx := context.Background()
	store := transferStore()
	store.seed("transfers",
		map[string]any{"id": 1, "from_id": 1, "to_id": 2, "amount": 10},
		map[string]any{"id": 2, "from_id": 2, "to_id": 1, "amount": 5},
	)
	model := NewModel("accounts", Relation{Name: "outgoing", Target: "transfers", ForeignKey: []string{"from_id"}})
	s, err := New(store, model, nil)
	require.NoError(t, err)

	desired := NewRecord("transfers")
	desired.Set("id", int64(1))
	desired.Set("to_id", int64(2))
	desired.Set("amount", int64(99))
	desired.MarkPersisted()

	parent := LoadedRecord("accounts", map[string]any{"id": int64(1)})
	parent.SetRelated("outgoing", []*Record{desired})

	res, err := s.Synchronize(ctx, parent, []string{"outgoing"})
	require.NoError(t, err)
	require.True(t, res.OK, parent.ErrorSummary())
	assert.Equal(t, []RelationResult{{Relation: "outgoing", Updated: 1}}, res.Relations)

	assert.Equal(t, int64(1), desired.Get("from_id"))
	assert.Equal(t, int64(2), desired.Get("to_id"), "other foreign keys to the parent table are left alone")

	rows := store.rowsByID("transfers")
	require.Len(t, rows, 2, "incoming transfer is not part of the relation")
	assert.Equal(t, int64(99), rows[1]["amount"])
	assert.Equal(t, int64(2), rows[1]["to_id"])
	assert.Equal(t, int64(5), rows[2]["amount"])
}

func TestSynchronize_RelationForeignKeyMustReferenceParent(t *testing.T) {
	store := transferStore()
	model := NewModel("accounts", Relation{Name: "outgoing", Target: "transfers", ForeignKey: []string{"amount"}})
	s, err := New(store, model, nil)
	require.NoError(t, err)

	parent := LoadedRecord("accounts", map[string]any{"id": int64(1)})
	parent.SetRelated("outgoing", []*Record{NewRecord("transfers")})

	_, err = s.Synchronize(context.Background(), parent, []string{"outgoing"})
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "transfers.amount is not a foreign key to accounts")
	assert.Zero(t, store.begins)
}

func TestSynchronize_DuplicateRelationNamesProcessedOnce(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	s := newTestSynchronizer(t, store)

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{item(nil, "a")})

	res, err := s.Synchronize(ctx, parent, []string{"items", "items"})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Len(t, res.Relations, 1)
	assert.Equal(t, 1, store.inserts)
}

func TestSynchronize_SingleRecordSlot(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()
	store.seed("order_notes", map[string]any{"id": 1, "order_id": 1, "body": "old"})
	s := newTestSynchronizer(t, store)

	note := NewRecord("order_notes")
	note.Set("body", "only")
	parent := parentOrder(1)
	parent.SetRelated("notes", note)

	res, err := s.Synchronize(ctx, parent, []string{"notes"})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 1, store.deletes)
	assert.Equal(t, 1, store.inserts)
	assert.Equal(t, int64(1), note.Get("order_id"))
}

func TestSynchronize_StageMetrics(t *testing.T) {
	ctx := context.Background()
	store := newOrderStore()

	var stages []string
	opts := DefaultOptions()
	opts.StageMetrics = StageMetricsRecorderFunc(func(ctx context.Context, timing StageTiming) {
		stages = append(stages, fmt.Sprintf("%s:%s", timing.Stage, timing.Relation))
	})
	s, err := New(store, ordersModel(), opts)
	require.NoError(t, err)

	parent := parentOrder(1)
	parent.SetRelated("items", []*Record{item(nil, "a")})
	res, err := s.Synchronize(ctx, parent, []string{"items"})
	require.NoError(t, err)
	require.True(t, res.OK)

	assert.Equal(t, []string{"validate:", "prepare:", "merge:items", "commit:"}, stages)
}

func TestNew_RejectsBadModels(t *testing.T) {
	_, err := New(nil, ordersModel(), nil)
	require.Error(t, err)

	_, err = New(newOrderStore(), Model{}, nil)
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = New(newOrderStore(), NewModel("orders", Relation{Name: "items"}), nil)
	require.ErrorIs(t, err, ErrConfiguration)
}
