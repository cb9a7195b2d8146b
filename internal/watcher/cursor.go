package watcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/db"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/metrics"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/russross/meddler"
)

// ChainCursor is the last block a watcher published.
// Uses meddler tags for automatic struct-to-db mapping.
type ChainCursor struct {
	ChainType   string `meddler:"chain_type"`
	Network     string `meddler:"network"`
	BlockNumber uint64 `meddler:"block_number"`
	BlockHash   string `meddler:"block_hash"`
	UpdatedAt   int64  `meddler:"updated_at"`
}

// Ptr returns the pointer of the cursor's block.
func (c *ChainCursor) Ptr() chain.BlockPtr {
	return chain.BlockPtr{Number: c.BlockNumber, Hash: c.BlockHash}
}

// CursorStore persists chain cursors.
type CursorStore struct {
	db          *sql.DB
	maintenance db.Maintenance
	log         *logger.Logger
}

// NewCursorStore creates a new CursorStore instance.
func NewCursorStore(sqlDB *sql.DB, maintenance db.Maintenance, log *logger.Logger) *CursorStore {
	if maintenance == nil {
		maintenance = &db.NoOpMaintenance{}
	}

	return &CursorStore{
		db:          sqlDB,
		maintenance: maintenance,
		log:         log.WithComponent(common.ComponentChainCursor),
	}
}

// Get returns the cursor of a chain, or nil if the chain was never published.
func (s *CursorStore) Get(ctx context.Context, chainType chain.ChainType, network string) (*ChainCursor, error) {
	unlock := s.maintenance.AcquireOperationLock()
	defer unlock()

	metrics.DBQueryInc("chain_cursors", "get")

	var cursor ChainCursor
	err := meddler.QueryRow(s.db, &cursor,
		`SELECT * FROM chain_cursors WHERE chain_type = ? AND network = ?`, chainType, network)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		metrics.DBErrorsInc("chain_cursors", "get")
		return nil, fmt.Errorf("failed to get chain cursor: %w", err)
	}

	s.log.Debugf("retrieved chain cursor: chain=%s, network=%s, block=%d, block_hash=%s",
		cursor.ChainType, cursor.Network, cursor.BlockNumber, cursor.BlockHash)

	return &cursor, nil
}

// Save stores the cursor of a chain.
func (s *CursorStore) Save(ctx context.Context, chainType chain.ChainType, network string, ptr chain.BlockPtr) error {
	unlock := s.maintenance.AcquireOperationLock()
	defer unlock()

	metrics.DBQueryInc("chain_cursors", "save")

	const query = `
		INSERT INTO chain_cursors (chain_type, network, block_number, block_hash, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chain_type, network) DO UPDATE SET
			block_number = excluded.block_number,
			block_hash = excluded.block_hash,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query,
		chainType, network, ptr.Number, ptr.Hash, time.Now().Unix()); err != nil {
		metrics.DBErrorsInc("chain_cursors", "save")
		return fmt.Errorf("failed to save chain cursor: %w", err)
	}

	s.log.Debugf("saved chain cursor: chain=%s, network=%s, block=%d, block_hash=%s",
		chainType, network, ptr.Number, ptr.Hash)

	return nil
}

// List returns every persisted cursor.
func (s *CursorStore) List(ctx context.Context) ([]*ChainCursor, error) {
	unlock := s.maintenance.AcquireOperationLock()
	defer unlock()

	var cursors []*ChainCursor
	if err := meddler.QueryAll(s.db, &cursors,
		`SELECT * FROM chain_cursors ORDER BY chain_type, network`); err != nil {
		return nil, fmt.Errorf("failed to list chain cursors: %w", err)
	}

	return cursors, nil
}
