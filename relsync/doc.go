// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package relsync saves a parent record's one-to-many child collections.
//
// A Synchronizer takes the children a caller wants stored for each named relation
// (records, or raw nested form items it binds into records), stamps the parent's key
// into the children's foreign key columns, validates them, and then reconciles them
// against the stored rows inside one transaction: key-equal rows whose attributes
// changed are updated, rows missing from the desired set are deleted and new records
// are inserted. Storage is reached through the Store interface; see the relsqlite and
// relpg packages for implementations.
package relsync
