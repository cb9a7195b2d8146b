// Package handler defines the ABI between the indexer and mapping code.
//
// A native handler library is a Go plugin exporting a RegisterHandlers symbol of type RegisterFunc.
// The host calls it once when the library is loaded and the plugin registers one handler per
// (chain type, data kind, name) it supports.
package handler

import (
	"context"
	"encoding/json"

	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
)

// RegisterSymbol is the name of the symbol a native handler library must export.
const RegisterSymbol = "RegisterHandlers"

// RegisterFunc is the type of the RegisterHandlers symbol.
type RegisterFunc = func(Registrar) error

// Trigger is one matched occurrence handed to a handler.
type Trigger struct {
	ChainType  chain.ChainType `json:"chain_type"`
	DataKind   chain.DataKind  `json:"data_kind"`
	Handler    string          `json:"handler"`
	DataSource string          `json:"data_source"`
	Address    string          `json:"address,omitempty"`
	Block      chain.BlockPtr  `json:"block"`
	Timestamp  uint64          `json:"timestamp"`

	// Payload is the deterministic JSON encoding of the matched element
	Payload json.RawMessage `json:"payload"`

	// Context is the context of the data source, set for data sources created at runtime
	Context map[string]any `json:"context,omitempty"`
}

// DataSourceRequest asks the host to instantiate a template at runtime.
type DataSourceRequest struct {
	Template string         `json:"template"`
	Name     string         `json:"name"`
	Address  string         `json:"address"`
	Context  map[string]any `json:"context,omitempty"`
}

// Host is the capability handlers use to read and mutate entities.
// Mutations are buffered per trigger and discarded when the handler returns an error.
type Host interface {
	Get(ctx context.Context, entityType, id string) (*store.Entity, error)
	Query(ctx context.Context, q store.Query) ([]store.Entity, error)
	Save(ctx context.Context, entity store.Entity) error
	Remove(ctx context.Context, entityType, id string) error
	CreateDataSource(ctx context.Context, req DataSourceRequest) error
}

// Func is a handler implementation.
type Func func(ctx context.Context, trigger Trigger, host Host) error

// Registrar is passed to RegisterHandlers.
type Registrar interface {
	Register(chainType chain.ChainType, kind chain.DataKind, name string, fn Func) error
}
