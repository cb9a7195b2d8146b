package reorg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/db"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/metrics"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/russross/meddler"
)

const dbName = "block_hashes"

// HashSource returns the canonical hash of a block as currently seen by the node.
// An empty hash means the height holds no block (a skipped slot).
type HashSource interface {
	Hash(ctx context.Context, n uint64) (string, error)
}

// StoredBlock represents a published block stored in the database.
// Uses meddler tags for automatic struct-to-db mapping.
type StoredBlock struct {
	ChainType    string `meddler:"chain_type"`
	Network      string `meddler:"network"`
	BlockNumber  uint64 `meddler:"block_number"`
	BlockHash    string `meddler:"block_hash"`
	ParentNumber uint64 `meddler:"parent_number"`
	ParentHash   string `meddler:"parent_hash"`
}

// Ptr returns the pointer of the stored block.
func (b *StoredBlock) Ptr() chain.BlockPtr {
	return chain.BlockPtr{Number: b.BlockNumber, Hash: b.BlockHash}
}

// Detector detects reorganizations of one chain by tracking the hashes of the last published blocks.
type Detector struct {
	db          *sql.DB
	chainType   chain.ChainType
	network     string
	window      uint64
	maintenance db.Maintenance
	log         *logger.Logger
}

// NewDetector creates a detector keeping the hashes of the last window published blocks.
func NewDetector(
	sqlDB *sql.DB,
	chainType chain.ChainType,
	network string,
	window uint64,
	maintenance db.Maintenance,
	log *logger.Logger,
) *Detector {
	if maintenance == nil {
		maintenance = &db.NoOpMaintenance{}
	}

	return &Detector{
		db:          sqlDB,
		chainType:   chainType,
		network:     network,
		window:      window,
		maintenance: maintenance,
		log:         log.WithComponent(common.ComponentReorgDetector),
	}
}

// Verify checks that env extends the stored chain. A parent that is not stored (first block, pruned
// or a skipped slot) is accepted. A stored block between the parent and env means env belongs to a
// fork that orphaned it.
func (d *Detector) Verify(ctx context.Context, env *chain.RawEnvelope) error {
	latest, err := d.Latest(ctx)
	if err != nil {
		return err
	}
	if latest != nil && latest.BlockNumber > env.ParentNumber && latest.BlockNumber < env.BlockNumber {
		d.log.Warnw("reorg detected, stored block orphaned by new parent",
			"block", env.BlockNumber,
			"parent_number", env.ParentNumber,
			"stored_block", latest.BlockNumber,
		)

		return NewReorgError(env.ParentNumber+1, fmt.Sprintf("block %d builds on %d, orphaning stored block %d",
			env.BlockNumber, env.ParentNumber, latest.BlockNumber))
	}

	parent, err := d.get(ctx, env.ParentNumber)
	if err != nil {
		return err
	}
	if parent == nil || parent.BlockHash == env.ParentHash {
		return nil
	}

	d.log.Warnw("reorg detected",
		"block", env.BlockNumber,
		"parent_number", env.ParentNumber,
		"stored_parent_hash", parent.BlockHash,
		"parent_hash", env.ParentHash,
	)

	return NewReorgError(env.ParentNumber, fmt.Sprintf("block %d parent hash %s does not match stored hash %s",
		env.BlockNumber, env.ParentHash, parent.BlockHash))
}

// Record stores the hash of a published block, replacing anything stored at or above its height,
// and prunes blocks that fell out of the window.
func (d *Detector) Record(ctx context.Context, env *chain.RawEnvelope) error {
	unlock := d.maintenance.AcquireOperationLock()
	defer unlock()

	metrics.DBQueryInc(dbName, "record")

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			d.log.Errorw("failed to rollback transaction", "error", err)
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM block_hashes WHERE chain_type = ? AND network = ? AND block_number >= ?`,
		d.chainType, d.network, env.BlockNumber); err != nil {
		return fmt.Errorf("failed to clear block %d: %w", env.BlockNumber, err)
	}

	block := &StoredBlock{
		ChainType:    d.chainType.String(),
		Network:      d.network,
		BlockNumber:  env.BlockNumber,
		BlockHash:    env.BlockHash,
		ParentNumber: env.ParentNumber,
		ParentHash:   env.ParentHash,
	}
	if err := meddler.Insert(tx, "block_hashes", block); err != nil {
		return fmt.Errorf("failed to insert block %d: %w", env.BlockNumber, err)
	}

	if env.BlockNumber > d.window {
		if err := d.pruneTx(ctx, tx, env.BlockNumber-d.window); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// pruneTx removes block hashes older than the given block number using a transaction.
func (d *Detector) pruneTx(ctx context.Context, tx *sql.Tx, keepFromBlock uint64) error {
	result, err := tx.ExecContext(ctx,
		`DELETE FROM block_hashes WHERE chain_type = ? AND network = ? AND block_number < ?`,
		d.chainType, d.network, keepFromBlock)
	if err != nil {
		return fmt.Errorf("failed to prune old blocks: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows > 0 {
		d.log.Debugw("pruned old block hashes",
			"keep_from_block", keepFromBlock,
			"deleted_count", rows,
		)
	}

	return nil
}

// FindCommonAncestor walks stored blocks from the highest down and returns the first one whose hash
// still matches the canonical chain. When none matches, it returns the block below the window floor
// with found == false.
func (d *Detector) FindCommonAncestor(ctx context.Context, src HashSource) (chain.BlockPtr, bool, error) {
	blocks, err := d.all(ctx)
	if err != nil {
		return chain.BlockPtr{}, false, err
	}
	if len(blocks) == 0 {
		return chain.BlockPtr{}, false, nil
	}

	head := blocks[0].BlockNumber
	for _, block := range blocks {
		canonical, err := src.Hash(ctx, block.BlockNumber)
		if err != nil {
			return chain.BlockPtr{}, false, fmt.Errorf("failed to get canonical hash of block %d: %w",
				block.BlockNumber, err)
		}

		if canonical == block.BlockHash {
			ReorgDetectedLog(d.chainType.String(), head-block.BlockNumber)
			d.log.Infow("found common ancestor",
				"ancestor", block.BlockNumber,
				"hash", block.BlockHash,
				"depth", head-block.BlockNumber,
			)
			return block.Ptr(), true, nil
		}
	}

	floor := blocks[len(blocks)-1].ParentNumber
	if blocks[len(blocks)-1].BlockNumber == 0 {
		floor = 0
	}

	ReorgDetectedLog(d.chainType.String(), head-floor)
	ReorgBeyondWindowInc(d.chainType.String())
	d.log.Errorw("reorg deeper than the stored window, rewinding to window floor",
		"head", head,
		"floor", floor,
		"window", d.window,
	)

	return chain.BlockPtr{Number: floor}, false, nil
}

// Rewind deletes every stored block above to.
func (d *Detector) Rewind(ctx context.Context, to uint64) error {
	unlock := d.maintenance.AcquireOperationLock()
	defer unlock()

	metrics.DBQueryInc(dbName, "rewind")

	result, err := d.db.ExecContext(ctx,
		`DELETE FROM block_hashes WHERE chain_type = ? AND network = ? AND block_number > ?`,
		d.chainType, d.network, to)
	if err != nil {
		metrics.DBErrorsInc(dbName, "rewind")
		return fmt.Errorf("failed to rewind block hashes to %d: %w", to, err)
	}

	rows, _ := result.RowsAffected()
	d.log.Infow("rewound block hashes", "to_block", to, "deleted_count", rows)

	return nil
}

// Latest returns the highest stored block, or nil if nothing is stored.
func (d *Detector) Latest(ctx context.Context) (*StoredBlock, error) {
	unlock := d.maintenance.AcquireOperationLock()
	defer unlock()

	metrics.DBQueryInc(dbName, "latest")

	var block StoredBlock
	err := meddler.QueryRow(d.db, &block,
		`SELECT * FROM block_hashes WHERE chain_type = ? AND network = ? ORDER BY block_number DESC LIMIT 1`,
		d.chainType, d.network)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		metrics.DBErrorsInc(dbName, "latest")
		return nil, fmt.Errorf("failed to get latest block hash: %w", err)
	}

	return &block, nil
}

func (d *Detector) get(ctx context.Context, n uint64) (*StoredBlock, error) {
	unlock := d.maintenance.AcquireOperationLock()
	defer unlock()

	metrics.DBQueryInc(dbName, "get")

	var block StoredBlock
	err := meddler.QueryRow(d.db, &block,
		`SELECT * FROM block_hashes WHERE chain_type = ? AND network = ? AND block_number = ?`,
		d.chainType, d.network, n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		metrics.DBErrorsInc(dbName, "get")
		return nil, fmt.Errorf("failed to get block hash %d: %w", n, err)
	}

	return &block, nil
}

func (d *Detector) all(ctx context.Context) ([]*StoredBlock, error) {
	unlock := d.maintenance.AcquireOperationLock()
	defer unlock()

	metrics.DBQueryInc(dbName, "list")

	var blocks []*StoredBlock
	err := meddler.QueryAll(d.db, &blocks,
		`SELECT * FROM block_hashes WHERE chain_type = ? AND network = ? ORDER BY block_number DESC`,
		d.chainType, d.network)
	if err != nil {
		return nil, fmt.Errorf("failed to list block hashes: %w", err)
	}

	return blocks, nil
}
