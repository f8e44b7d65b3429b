// Package app implements the stream ledger use cases and defines the ports
// (store, authorization, token transfer, clock) they run against.
package app

import (
	"context"

	"github.com/fluxora/streamledger/internal/domain"
)

// StreamStore persists stream records, the id counter and the ledger config.
// Implementations: internal/repository/sqlite, internal/repository/redis.
type StreamStore interface {
	// Update runs fn in a read-write transaction. Writes are committed only
	// when fn returns nil.
	Update(ctx context.Context, fn func(StreamTx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(StreamTx) error) error
	Close() error
}

// StreamTx is the view of the store inside one transaction.
type StreamTx interface {
	HasConfig() (bool, error)
	// Config returns domain.ErrNotInitialized when no config was written.
	Config() (*domain.Config, error)
	PutConfig(cfg domain.Config) error
	// AllocateID returns the current counter value (1 on a fresh store) and
	// advances it.
	AllocateID() (uint64, error)
	// Get returns domain.ErrNotFound for unknown ids.
	Get(id uint64) (*domain.Stream, error)
	// Put writes s and, while s is not terminal, extends its storage lifetime.
	Put(s *domain.Stream) error
}
