// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import "context"

// Store is the storage layer the synchronizer reconciles against.
// Implementations run every call inside the transaction carried by ctx, if any.
type Store interface {
	Transactor

	// Schema returns the reflected structure of table. Name in the result is the
	// store's canonical table name and is what foreign keys reference.
	Schema(ctx context.Context, table string) (*TableSchema, error)

	// Insert persists a new record and assigns generated key values back onto it.
	Insert(ctx context.Context, rec *Record, schema *TableSchema) error
	// Update writes the record's assigned non-key attributes. Returns ErrNotPersisted
	// when no row matched the key.
	Update(ctx context.Context, rec *Record, schema *TableSchema) error
	// Delete removes the row identified by the record's key. Returns ErrNotPersisted
	// when no row matched.
	Delete(ctx context.Context, rec *Record, schema *TableSchema) error

	// FindByPrimaryKey returns nil, nil when no row has the key.
	FindByPrimaryKey(ctx context.Context, schema *TableSchema, key Key) (*Record, error)
	// FindByAttributes returns the first matching row, or nil, nil.
	FindByAttributes(ctx context.Context, schema *TableSchema, attrs map[string]any) (*Record, error)
	// FindAllByAttributes returns every matching row, ordered by primary key.
	// Results are never cached.
	FindAllByAttributes(ctx context.Context, schema *TableSchema, attrs map[string]any) ([]*Record, error)
}

// Transactor begins transactions that travel inside a context.
type Transactor interface {
	// InTransaction reports whether ctx already carries a transaction of this store.
	InTransaction(ctx context.Context) bool
	// BeginTx starts a transaction and returns a context carrying it.
	BeginTx(ctx context.Context) (context.Context, Tx, error)
}

// Tx is a transaction handle.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// txScope ties a transaction to the synchronize call that may or may not own it.
// A call only commits or rolls back a transaction it began itself.
type txScope struct {
	ctx   context.Context
	tx    Tx
	owned bool
	done  bool
}

func beginScope(ctx context.Context, t Transactor) (*txScope, error) {
	if t.InTransaction(ctx) {
		return &txScope{ctx: ctx}, nil
	}
	txCtx, tx, err := t.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &txScope{ctx: txCtx, tx: tx, owned: true}, nil
}

func (s *txScope) commit() error {
	if s.done {
		return nil
	}
	s.done = true
	if !s.owned {
		return nil
	}
	return s.tx.Commit(s.ctx)
}

func (s *txScope) rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	if !s.owned {
		return nil
	}
	return s.tx.Rollback(context.WithoutCancel(s.ctx))
}
