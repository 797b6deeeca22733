// Package store defines the persistence port of the idempotency layer.
package store

import (
	"context"
	"time"

	"github.com/plaenen/exactlyonce/pkg/domain"
)

// CommandStore persists command attempts and their outcomes.
type CommandStore interface {
	// FindExact returns the record for id, or nil if the identity was never seen.
	FindExact(ctx context.Context, id domain.CommandIdentity) (*domain.CommandRecord, error)

	// FindSemantic returns every attempt sharing the partial key, ordered by
	// request time.
	FindSemantic(ctx context.Context, key domain.SemanticKey) ([]*domain.CommandRecord, error)

	// Save inserts a new record with the request fields populated.
	// Returns domain.ErrDuplicateKey if the identity already exists.
	Save(ctx context.Context, id domain.CommandIdentity, requestDigest []byte, requestedAt time.Time) (*domain.CommandRecord, error)

	// AttachResponse sets the response fields of an existing record.
	// Returns domain.ErrNotFound if the identity is unknown and
	// domain.ErrConcurrentUpdate if the record moved past expectedVersion or
	// already carries a response.
	AttachResponse(ctx context.Context, id domain.CommandIdentity, responseDigest, response []byte, respondedAt time.Time, expectedVersion int64) error
}

// ExecutionStore persists the guard-only execution records.
type ExecutionStore interface {
	// FindExecution returns the record for id, or nil if it does not exist.
	FindExecution(ctx context.Context, id domain.ExecutionID) (*domain.ExecutionRecord, error)

	// SaveExecution inserts a new record.
	// Returns domain.ErrDuplicateKey if the id already exists.
	SaveExecution(ctx context.Context, id domain.ExecutionID, digest []byte, createdAt time.Time) (*domain.ExecutionRecord, error)
}

// Repository gives access to both record kinds.
type Repository interface {
	CommandStore
	ExecutionStore
}

// UnitOfWork runs fn inside one atomic transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}

// Store is a repository that can also open transactions.
type Store interface {
	Repository
	UnitOfWork
	Close() error
}

// Stats summarises the command store for operators.
type Stats struct {
	Commands   int64
	Completed  int64
	Pending    int64
	Executions int64
}
