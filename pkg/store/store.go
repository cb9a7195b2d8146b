// Package store defines the entity store capability used by indexer runtimes.
package store

import (
	"context"
	"errors"

	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
)

// ErrNotFound is returned when an entity or block does not exist.
var ErrNotFound = errors.New("not found")

// Entity is a typed record derived by handlers.
type Entity struct {
	Type string         `json:"type"`
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// Query selects entities of one type. Where matches top-level data fields by equality.
type Query struct {
	Type   string         `json:"type"`
	Where  map[string]any `json:"where,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
}

// DynamicDataSource is a data source created by a handler, persisted with the block that created it.
type DynamicDataSource struct {
	BlockNumber uint64         `json:"block_number"`
	Template    string         `json:"template"`
	Name        string         `json:"name"`
	Address     string         `json:"address"`
	Context     map[string]any `json:"context,omitempty"`
}

// Store is the versioned entity store of a single deployment.
//
// Save, Remove and AddDataSource stage changes; Flush commits every staged change together with
// the new block pointer atomically. Reads observe staged changes.
type Store interface {
	Get(ctx context.Context, entityType, id string) (*Entity, error)
	Query(ctx context.Context, q Query) ([]Entity, error)
	Save(ctx context.Context, entity Entity) error
	Remove(ctx context.Context, entityType, id string) error
	AddDataSource(ctx context.Context, ds DynamicDataSource) error

	// Flush commits staged changes and advances the block pointer.
	Flush(ctx context.Context, ptr chain.BlockPtr) error
	// Discard drops staged changes.
	Discard()

	// BlockPtr returns the last committed block pointer.
	BlockPtr(ctx context.Context) (*chain.BlockPtr, error)
	// BlockHash returns the committed hash at the given height, or ErrNotFound.
	BlockHash(ctx context.Context, number uint64) (string, error)
	// Revert removes every change committed above the given block and rewinds the block pointer to it.
	Revert(ctx context.Context, to chain.BlockPtr) error
	// DataSources returns persisted dynamic data sources in creation order.
	DataSources(ctx context.Context) ([]DynamicDataSource, error)

	Close() error
}
