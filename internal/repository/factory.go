// Package repository provides the data access layer for wpic.
// This file contains the aggregate types shared by the database-specific
// subpackages; the concrete wiring happens in cmd/wpic-server.
package repository

import (
	"context"
)

// Repositories holds all repository instances.
type Repositories struct {
	Owner  OwnerRepository
	Object ObjectRepository
	File   FileRepository
}

// DatabaseHealth is an interface for database health checks.
// Both the pgx pool and the SQLite wrapper satisfy it.
type DatabaseHealth interface {
	Ping(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}
