package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record revision conflict")
)

// RecordRepository is a document store keyed by record id. Every method
// touches exactly one record and each write is atomic on its own.
type RecordRepository interface {
	Insert(ctx context.Context, rec Record) (string, error)
	FindByID(ctx context.Context, id string) (Record, error)
	UpdateFields(ctx context.Context, id string, patch Patch) error
	Delete(ctx context.Context, id string) error
}

// Lister backs the owner-scoped listing endpoints.
type Lister interface {
	ListByOwner(ctx context.Context, opts ListOptions) ([]Record, error)
}

// Repository is what the service layer is wired with.
type Repository interface {
	RecordRepository
	Lister
	Ping(ctx context.Context) error
}
