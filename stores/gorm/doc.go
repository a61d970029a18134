//go:build !wasm
// +build !wasm

// Package gorm provides GORM-based implementations of the oneid store interfaces.
// It supports any database that GORM supports (PostgreSQL, SQLite, MySQL, etc.)
// and is suitable for production deployments requiring relational storage.
//
// # Database Schema
//
// The package auto-migrates the following tables:
//   - users: one row per email, with an optimistic locking version
//   - credentials: passkeys, unique on external_id
//   - challenges: pending ceremony challenges keyed by (kind, scope_key)
//
// Sign counters and challenges are only ever changed with conditional
// UPDATE/DELETE statements, so concurrent ceremonies cannot both succeed.
//
// # Usage
//
//	db, _ := gormstore.OpenPostgres(dsn)
//	users := gormstore.NewUserStore(db)
//	credentials := gormstore.NewCredentialStore(db)
//	challenges := gormstore.NewChallengeStore(db)
//
// NewUserRowChallengeStore keeps a single pending challenge on the user row
// instead of a separate table. It only supports ceremonies tied to a user.
package gorm
