// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🔗 go-relsync - Related Record Synchronization")
	fmt.Println("==============================================")
	fmt.Println()
	fmt.Println("go-relsync saves a parent's one-to-many child collections in one transaction:")
	fmt.Println("changed children are updated, vanished ones deleted and new ones inserted.")
	fmt.Println()

	fmt.Println("📦 Packages:")
	fmt.Println("   relsync   - synchronizer, records, validators, YAML model registry")
	fmt.Println("   relsqlite - SQLite store (database/sql + go-sqlite3)")
	fmt.Println("   relpg     - PostgreSQL store (pgx pool)")
	fmt.Println()

	fmt.Println("📚 Example:")
	fmt.Println("   Order form synchronized against in-memory SQLite (examples/orders/)")
	fmt.Println("   Run: go run ./examples/orders -v")
	fmt.Println()
}
