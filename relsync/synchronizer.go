// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Synchronizer reconciles a parent's in-memory child collections with stored rows.
// It holds no per-call state and may be shared; a given parent Record must not be
// synchronized from several goroutines at once.
type Synchronizer struct {
	store     Store
	model     Model
	opts      Options
	logger    *slog.Logger
	validator Validator
}

// RelationResult counts the writes issued for one relation.
type RelationResult struct {
	Relation string
	Inserted int
	Updated  int
	Deleted  int
}

func (r RelationResult) writes() int {
	return r.Inserted + r.Updated + r.Deleted
}

// Result describes a Synchronize call. When OK is false and the call owned the
// transaction, the writes listed in Relations were rolled back.
type Result struct {
	OK        bool
	Relations []RelationResult
}

// Writes returns the total number of inserts, updates and deletes issued.
func (r *Result) Writes() int {
	n := 0
	for _, rr := range r.Relations {
		n += rr.writes()
	}
	return n
}

// New creates a Synchronizer for parents of model stored in store.
// A nil opts uses DefaultOptions().
func New(store Store, model Model, opts *Options) (*Synchronizer, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if model.Table == "" {
		return nil, configErrorf("model table must be provided")
	}
	for name := range model.Relations {
		if _, err := model.relation(name); err != nil {
			return nil, err
		}
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	s := &Synchronizer{
		store:     store,
		model:     model,
		opts:      *opts,
		logger:    opts.Logger,
		validator: opts.Validator,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.validator == nil {
		s.validator = SchemaValidator{}
	}
	return s, nil
}

// Model returns the parent model this synchronizer was built for.
func (s *Synchronizer) Model() Model {
	return s.model
}

// Synchronize validates, binds and stamps the named relations of parent, then inside
// one transaction updates changed children, deletes vanished ones and inserts new ones.
//
// A transaction is begun only when ctx does not already carry one; a transaction
// owned by the caller is never committed or rolled back here.
//
// Validation failures return OK=false with a nil error and no writes, in strict mode
// too; the errors stay on the children (see ValidationError). Persistence failures
// roll back, attach a message to the parent under "all" and return OK=false with a
// nil error, or the failure itself in strict mode.
// Configuration and transaction infrastructure errors are always returned.
func (s *Synchronizer) Synchronize(ctx context.Context, parent *Record, relations []string, opts ...SyncOption) (*Result, error) {
	call := callOptions{validate: s.opts.Validate, strict: s.opts.Strict}
	for _, o := range opts {
		o(&call)
	}
	relations = uniqueNames(relations)
	result := &Result{}

	if call.validate {
		start := s.stageStart()
		ok, err := s.Validate(ctx, parent, relations)
		s.observeStage(ctx, MetricsStageValidate, "", start, len(relations), err != nil || !ok)
		if err != nil {
			return result, err
		}
		if !ok {
			s.logger.Debug("Relation validation failed", "table", s.model.Table, "relations", relations)
			return result, nil
		}
	}

	start := s.stageStart()
	err := s.PrepareRelations(ctx, parent, relations)
	s.observeStage(ctx, MetricsStagePrepare, "", start, len(relations), err != nil)
	if err != nil {
		return result, err
	}

	scope, err := beginScope(ctx, s.store)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Releases the transaction on panics; a no-op after commit or rollback.
	defer func() { _ = scope.rollback() }()

	var merged []relationSnapshot
	for _, name := range relations {
		merged = append(merged, captureRelation(parent, name))

		start := s.stageStart()
		rr, err := s.mergeRelation(scope.ctx, parent, name)
		s.observeStage(scope.ctx, MetricsStageMerge, name, start, rr.writes(), err != nil)
		result.Relations = append(result.Relations, rr)
		if err != nil {
			return result, s.fail(scope, parent, merged, err, call.strict)
		}
	}

	start = s.stageStart()
	err = scope.commit()
	s.observeStage(ctx, MetricsStageCommit, "", start, result.Writes(), err != nil)
	if err != nil {
		for _, snap := range merged {
			snap.restore(parent)
		}
		return result, fmt.Errorf("failed to commit transaction: %w", err)
	}

	result.OK = true
	s.logger.Debug("Relations synchronized",
		"table", s.model.Table,
		"relations", relations,
		"owned_tx", scope.owned,
		"writes", result.Writes())
	return result, nil
}

// fail restores in-memory state, rolls back an owned transaction and decides whether
// the cause is returned or recorded on the parent.
func (s *Synchronizer) fail(scope *txScope, parent *Record, merged []relationSnapshot, cause error, strict bool) error {
	if scope.owned {
		// Everything written in this call is undone, so every merged relation reverts.
		for _, snap := range merged {
			snap.restore(parent)
		}
	} else {
		merged[len(merged)-1].restore(parent)
	}

	if rbErr := scope.rollback(); rbErr != nil {
		s.logger.Error("Failed to roll back relation transaction", "table", s.model.Table, "error", rbErr)
		return errors.Join(cause, fmt.Errorf("rollback: %w", rbErr))
	}

	s.logger.Warn("Relation synchronization failed",
		"table", s.model.Table,
		"owned_tx", scope.owned,
		"error", cause)

	if strict || IsConfigurationError(cause) {
		return cause
	}
	parent.AddError("all", cause.Error())
	return nil
}

// Validate binds and stamps the named relations, then validates every child over its
// attributes except the foreign keys pointing at the parent. Errors are recorded on
// the children. No storage writes happen.
func (s *Synchronizer) Validate(ctx context.Context, parent *Record, relations []string) (bool, error) {
	if err := s.PrepareRelations(ctx, parent, relations); err != nil {
		return false, err
	}
	parentSchema, err := s.schema(ctx, s.model.Table)
	if err != nil {
		return false, err
	}

	valid := true
	for _, name := range uniqueNames(relations) {
		rel, err := s.model.relation(name)
		if err != nil {
			return false, err
		}
		childSchema, err := s.schema(ctx, rel.Target)
		if err != nil {
			return false, err
		}
		fks, err := rel.parentKeys(childSchema, parentSchema)
		if err != nil {
			return false, err
		}
		fkCols := foreignKeyColumns(fks)

		for _, child := range parent.Children(name) {
			fields := make([]string, 0, len(childSchema.Columns))
			for _, col := range childSchema.Columns {
				if !fkCols[strings.ToLower(col.Name)] {
					fields = append(fields, col.Name)
				}
			}
			child.ClearErrors()
			if !s.validator.Validate(child, childSchema, fields) {
				valid = false
			}
		}
	}
	return valid, nil
}

// PrepareRelations turns raw form payloads into child records and stamps foreign keys
// from the parent onto every child. Running it again on prepared data changes nothing.
func (s *Synchronizer) PrepareRelations(ctx context.Context, parent *Record, relations []string) error {
	var parentSchema *TableSchema
	for _, name := range uniqueNames(relations) {
		rel, err := s.model.relation(name)
		if err != nil {
			return err
		}

		slot, raw, err := normalizeSlot(name, parent.Related(name))
		if err != nil {
			return err
		}
		if raw != nil {
			if err := s.FillRelation(ctx, parent, name, raw); err != nil {
				return err
			}
		} else if slot != nil {
			parent.SetRelated(name, slot)
		}

		value := parent.Related(name)
		if value == nil {
			continue
		}
		if parentSchema == nil {
			if parentSchema, err = s.schema(ctx, s.model.Table); err != nil {
				return err
			}
		}
		childSchema, err := s.schema(ctx, rel.Target)
		if err != nil {
			return err
		}

		fks, err := rel.parentKeys(childSchema, parentSchema)
		if err != nil {
			return err
		}

		switch v := value.(type) {
		case []*Record:
			for _, child := range v {
				StampForeignKeys(parent, child, childSchema, fks)
			}
			parent.SetRelated(name, v)
		case *Record:
			if v != nil {
				StampForeignKeys(parent, v, childSchema, fks)
			}
		}
	}
	return nil
}

// FillRelation binds raw form items to child records. Items carrying the full primary
// key reuse the stored row so reconciliation sees them as updates; the rest become
// new records. The result replaces the parent's relation slot.
func (s *Synchronizer) FillRelation(ctx context.Context, parent *Record, name string, raw []map[string]any) error {
	rel, err := s.model.relation(name)
	if err != nil {
		return err
	}
	childSchema, err := s.schema(ctx, rel.Target)
	if err != nil {
		return err
	}
	if len(childSchema.PrimaryKey) == 0 {
		return configErrorf("relation %q: %s has no primary key", name, childSchema.Name)
	}

	models := make([]*Record, 0, len(raw))
	for _, data := range raw {
		model, err := s.findForPayload(ctx, childSchema, data)
		if err != nil {
			return fmt.Errorf("relation %q: lookup %s: %w", name, childSchema.Name, err)
		}
		if model == nil {
			if model = rel.newChild(); model == nil {
				return configErrorf("relation %q: builder returned no record", name)
			}
		}
		model.SetAttributes(data, childSchema)
		models = append(models, model)
	}
	parent.SetRelated(name, models)
	return nil
}

func (s *Synchronizer) findForPayload(ctx context.Context, schema *TableSchema, data map[string]any) (*Record, error) {
	lower := make(map[string]any, len(data))
	for k, v := range data {
		lower[strings.ToLower(k)] = v
	}

	if len(schema.PrimaryKey) > 1 {
		attrs := make(map[string]any, len(schema.PrimaryKey))
		for _, pk := range schema.PrimaryKey {
			v, ok := lower[strings.ToLower(pk)]
			if !ok || isBlank(v) {
				return nil, nil
			}
			cv, err := coerceColumn(schema, pk, v)
			if err != nil {
				return nil, nil
			}
			attrs[pk] = cv
		}
		return s.store.FindByAttributes(ctx, schema, attrs)
	}

	pk := schema.PrimaryKey[0]
	v := lower[strings.ToLower(pk)]
	if !truthy(v) {
		return nil, nil
	}
	cv, err := coerceColumn(schema, pk, v)
	if err != nil {
		return nil, nil
	}
	return s.store.FindByPrimaryKey(ctx, schema, Key{cv})
}

// mergeRelation reconciles one relation: updates and deletes first, then inserts.
func (s *Synchronizer) mergeRelation(ctx context.Context, parent *Record, name string) (RelationResult, error) {
	rr := RelationResult{Relation: name}

	rel, err := s.model.relation(name)
	if err != nil {
		return rr, err
	}
	value := parent.Related(name)
	switch v := value.(type) {
	case nil:
		// Never loaded or assigned: nothing to reconcile.
		return rr, nil
	case *Record:
		if v == nil {
			return rr, nil
		}
	case []*Record:
	default:
		return rr, configErrorf("relation %q holds unsupported value %T", name, value)
	}

	parentSchema, err := s.schema(ctx, s.model.Table)
	if err != nil {
		return rr, err
	}
	childSchema, err := s.schema(ctx, rel.Target)
	if err != nil {
		return rr, err
	}
	if len(childSchema.PrimaryKey) == 0 {
		return rr, configErrorf("relation %q: %s has no primary key", name, childSchema.Name)
	}

	fks, err := rel.parentKeys(childSchema, parentSchema)
	if err != nil {
		return rr, err
	}
	match, err := parentMatch(name, parent, fks, childSchema)
	if err != nil {
		return rr, err
	}
	current := parent.Children(name)
	persisted, err := s.store.FindAllByAttributes(ctx, childSchema, match)
	if err != nil {
		return rr, &RelationError{Relation: name, Op: "load", Table: childSchema.Name, Err: err}
	}

	if err := s.updateRelationData(ctx, name, childSchema, current, persisted, &rr); err != nil {
		return rr, err
	}
	if err := s.addRelationData(ctx, name, childSchema, current, &rr); err != nil {
		return rr, err
	}

	s.logger.Debug("Relation merged",
		"relation", name,
		"table", childSchema.Name,
		"desired", len(current),
		"persisted", len(persisted),
		"inserted", rr.Inserted,
		"updated", rr.Updated,
		"deleted", rr.Deleted)
	return rr, nil
}

// updateRelationData walks the stored rows: rows with a key-equal desired record are
// updated when their attributes differ, rows without one are deleted.
func (s *Synchronizer) updateRelationData(ctx context.Context, name string, schema *TableSchema, current, persisted []*Record, rr *RelationResult) error {
	for _, row := range persisted {
		key := row.PrimaryKey(schema)
		desired := findByKey(current, schema, key)

		if desired == nil {
			if err := s.store.Delete(ctx, row, schema); err != nil {
				return &RelationError{Relation: name, Op: "delete", Table: schema.Name, Key: key, Err: err}
			}
			rr.Deleted++
			continue
		}

		if desired.IsNew() {
			desired.adopt(row)
		}
		if AttributesEqual(schema, desired, row) {
			continue
		}
		if err := s.store.Update(ctx, desired, schema); err != nil {
			return &RelationError{Relation: name, Op: "update", Table: schema.Name, Key: key, Err: err}
		}
		rr.Updated++
	}
	return nil
}

// addRelationData inserts every desired record that is still new.
func (s *Synchronizer) addRelationData(ctx context.Context, name string, schema *TableSchema, current []*Record, rr *RelationResult) error {
	for _, rec := range current {
		if !rec.IsNew() {
			continue
		}
		if err := s.store.Insert(ctx, rec, schema); err != nil {
			return &RelationError{Relation: name, Op: "insert", Table: schema.Name, Err: err}
		}
		rr.Inserted++
	}
	return nil
}

func (s *Synchronizer) schema(ctx context.Context, table string) (*TableSchema, error) {
	schema, err := s.store.Schema(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema for %s: %w", table, err)
	}
	if schema == nil || len(schema.Columns) == 0 {
		return nil, configErrorf("table %s does not exist", table)
	}
	return schema, nil
}

// ValidationError summarizes the errors recorded on the children of relations as an
// ErrValidation. It returns nil when no child has errors.
func ValidationError(parent *Record, relations []string) error {
	var parts []string
	for _, name := range relations {
		for i, child := range parent.Children(name) {
			if child.HasErrors() {
				parts = append(parts, fmt.Sprintf("%s[%d]: %s", name, i, child.ErrorSummary()))
			}
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, "; "))
}

func findByKey(records []*Record, schema *TableSchema, key Key) *Record {
	for _, rec := range records {
		if rec.HasPrimaryKey(schema) && rec.PrimaryKey(schema).Equal(key) {
			return rec
		}
	}
	return nil
}

func coerceColumn(schema *TableSchema, name string, v any) (any, error) {
	col, ok := schema.Column(name)
	if !ok {
		return v, nil
	}
	return Coerce(col.Affinity, v)
}

// normalizeSlot recognizes unbound form input in a relation slot and converts
// untyped lists of records to []*Record.
func normalizeSlot(name string, value any) (slot any, raw []map[string]any, err error) {
	switch v := value.(type) {
	case []map[string]any:
		return v, v, nil
	case []any:
		if len(v) == 0 {
			return v, []map[string]any{}, nil
		}
		if _, ok := v[0].(map[string]any); ok {
			raw = make([]map[string]any, len(v))
			for i, item := range v {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, nil, configErrorf("relation %q mixes form items with %T", name, item)
				}
				raw[i] = m
			}
			return v, raw, nil
		}
		records := make([]*Record, len(v))
		for i, item := range v {
			rec, ok := item.(*Record)
			if !ok {
				return nil, nil, configErrorf("relation %q holds unsupported element %T", name, item)
			}
			records[i] = rec
		}
		return records, nil, nil
	}
	return value, nil, nil
}

type relationSnapshot struct {
	name   string
	value  any
	states []recordState
}

func captureRelation(parent *Record, name string) relationSnapshot {
	snap := relationSnapshot{name: name, value: parent.Related(name)}
	for _, rec := range parent.Children(name) {
		snap.states = append(snap.states, captureState(rec))
	}
	return snap
}

func (s relationSnapshot) restore(parent *Record) {
	parent.SetRelated(s.name, s.value)
	for _, st := range s.states {
		st.restore()
	}
}

func uniqueNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
