//go:build ignore

// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and row-level atomic updates.
package postgres

// Legacy stub file intentionally ignored by the Go build.
// Real implementations live in: conn.go, conversations_repo.go, batches_repo.go, tasks_repo.go, nodes_repo.go, cleanup.go
