package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/db"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
	"github.com/russross/meddler"
)

var _ store.Store = (*SQLiteStore)(nil)

type entityRow struct {
	Deployment  string         `meddler:"deployment"`
	EntityType  string         `meddler:"entity_type"`
	EntityID    string         `meddler:"entity_id"`
	BlockNumber uint64         `meddler:"block_number"`
	Data        map[string]any `meddler:"data,json"`
	Deleted     bool           `meddler:"deleted"`
}

type blockPointerRow struct {
	Deployment  string `meddler:"deployment"`
	BlockNumber uint64 `meddler:"block_number"`
	BlockHash   string `meddler:"block_hash"`
	CommittedAt int64  `meddler:"committed_at"`
}

type dataSourceRow struct {
	ID          int64          `meddler:"id,pk"`
	Deployment  string         `meddler:"deployment"`
	BlockNumber uint64         `meddler:"block_number"`
	Template    string         `meddler:"template"`
	Name        string         `meddler:"name"`
	Address     string         `meddler:"address"`
	Context     map[string]any `meddler:"context,json"`
}

// SQLiteStore is the entity store of one deployment backed by the shared SQLite database.
// Every flushed change is a new row versioned by block number, so reverting a block range is a delete.
type SQLiteStore struct {
	db          *sql.DB
	deployment  string
	window      uint64
	maintenance db.Maintenance
	log         *logger.Logger

	batch *batch
}

// NewSQLiteStore creates the store of a deployment. Versions older than window blocks behind the
// head are pruned on flush.
func NewSQLiteStore(
	sqlDB *sql.DB,
	deployment string,
	window uint64,
	maintenance db.Maintenance,
	log *logger.Logger,
) *SQLiteStore {
	if maintenance == nil {
		maintenance = &db.NoOpMaintenance{}
	}

	return &SQLiteStore{
		db:          sqlDB,
		deployment:  deployment,
		window:      window,
		maintenance: maintenance,
		log:         log.WithComponent(common.ComponentStore),
		batch:       newBatch(),
	}
}

// Get returns the latest version of an entity, or nil if it does not exist.
func (s *SQLiteStore) Get(ctx context.Context, entityType, id string) (*store.Entity, error) {
	if ch, ok := s.batch.lookup(entityType, id); ok {
		if ch.deleted {
			return nil, nil
		}
		return &ch.entity, nil
	}

	unlock := s.maintenance.AcquireOperationLock()
	defer unlock()

	const query = `
		SELECT * FROM entities
		WHERE deployment = ? AND entity_type = ? AND entity_id = ?
		ORDER BY block_number DESC
		LIMIT 1
	`

	var row entityRow
	err := meddler.QueryRow(s.db, &row, query, s.deployment, entityType, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entity %s/%s: %w", entityType, id, err)
	}

	if row.Deleted {
		return nil, nil
	}

	return &store.Entity{Type: row.EntityType, ID: row.EntityID, Data: row.Data}, nil
}

// Query returns the latest version of every live entity of a type matching q.
func (s *SQLiteStore) Query(ctx context.Context, q store.Query) ([]store.Entity, error) {
	const query = `
		SELECT e.* FROM entities e
		WHERE e.deployment = ? AND e.entity_type = ? AND e.block_number = (
			SELECT MAX(x.block_number) FROM entities x
			WHERE x.deployment = e.deployment AND x.entity_type = e.entity_type AND x.entity_id = e.entity_id
		)
		ORDER BY e.entity_id
	`

	unlock := s.maintenance.AcquireOperationLock()
	var rows []*entityRow
	err := meddler.QueryAll(s.db, &rows, query, s.deployment, q.Type)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to query entities of type %s: %w", q.Type, err)
	}

	committed := make([]store.Entity, 0, len(rows))
	for _, row := range rows {
		if row.Deleted {
			continue
		}
		committed = append(committed, store.Entity{Type: row.EntityType, ID: row.EntityID, Data: row.Data})
	}

	staged, _ := s.batch.snapshot()

	return applyQuery(committed, staged, q)
}

// Save stages an entity.
func (s *SQLiteStore) Save(_ context.Context, entity store.Entity) error {
	if entity.Type == "" || entity.ID == "" {
		return fmt.Errorf("entity type and id are required")
	}

	s.batch.save(entity)
	return nil
}

// Remove stages the removal of an entity.
func (s *SQLiteStore) Remove(_ context.Context, entityType, id string) error {
	if entityType == "" || id == "" {
		return fmt.Errorf("entity type and id are required")
	}

	s.batch.remove(entityType, id)
	return nil
}

// AddDataSource stages a dynamic data source.
func (s *SQLiteStore) AddDataSource(_ context.Context, ds store.DynamicDataSource) error {
	s.batch.addSource(ds)
	return nil
}

// Discard drops every staged change.
func (s *SQLiteStore) Discard() {
	s.batch.reset()
}

// Flush writes the staged changes at ptr.Number and records ptr in a single transaction.
// Staged changes are kept if the flush fails so it can be retried.
func (s *SQLiteStore) Flush(ctx context.Context, ptr chain.BlockPtr) error {
	start := time.Now()

	unlock := s.maintenance.AcquireOperationLock()
	defer unlock()

	changes, sources := s.batch.snapshot()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	// a retried flush of the same block replaces what it wrote before
	if err := s.deleteFromTx(tx, ptr.Number); err != nil {
		return err
	}

	for _, ch := range changes {
		row := &entityRow{
			Deployment:  s.deployment,
			EntityType:  ch.entity.Type,
			EntityID:    ch.entity.ID,
			BlockNumber: ptr.Number,
			Data:        ch.entity.Data,
			Deleted:     ch.deleted,
		}
		if row.Data == nil {
			row.Data = map[string]any{}
		}
		if err := meddler.Insert(tx, "entities", row); err != nil {
			return fmt.Errorf("failed to write entity %s/%s: %w", ch.entity.Type, ch.entity.ID, err)
		}
	}

	for _, ds := range sources {
		row := &dataSourceRow{
			Deployment:  s.deployment,
			BlockNumber: ptr.Number,
			Template:    ds.Template,
			Name:        ds.Name,
			Address:     ds.Address,
			Context:     ds.Context,
		}
		if row.Context == nil {
			row.Context = map[string]any{}
		}
		if err := meddler.Insert(tx, "dynamic_data_sources", row); err != nil {
			return fmt.Errorf("failed to write data source %s: %w", ds.Name, err)
		}
	}

	pointer := &blockPointerRow{
		Deployment:  s.deployment,
		BlockNumber: ptr.Number,
		BlockHash:   ptr.Hash,
		CommittedAt: time.Now().UTC().Unix(),
	}
	if err := meddler.Insert(tx, "block_pointers", pointer); err != nil {
		return fmt.Errorf("failed to write block pointer: %w", err)
	}

	if err := s.pruneTx(tx, ptr.Number); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.batch.reset()

	StoreFlushLog(s.deployment, len(changes), time.Since(start))
	s.log.Debugf("flushed %d entity changes and %d data sources at block %s", len(changes), len(sources), ptr)

	return nil
}

// deleteFromTx removes every row of the deployment at or above block n.
func (s *SQLiteStore) deleteFromTx(tx *sql.Tx, n uint64) error {
	for _, table := range []string{"entities", "dynamic_data_sources", "block_pointers"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE deployment = ? AND block_number >= ?`, table)
		if _, err := tx.Exec(query, s.deployment, n); err != nil {
			return fmt.Errorf("failed to delete from %s from block %d: %w", table, n, err)
		}
	}

	return nil
}

// pruneTx drops block pointers and superseded entity versions that fell out of the reorg window.
func (s *SQLiteStore) pruneTx(tx *sql.Tx, head uint64) error {
	if s.window == 0 || head <= s.window {
		return nil
	}
	floor := head - s.window

	if _, err := tx.Exec(`DELETE FROM block_pointers WHERE deployment = ? AND block_number < ?`,
		s.deployment, floor); err != nil {
		return fmt.Errorf("failed to prune block pointers: %w", err)
	}

	const pruneEntities = `
		DELETE FROM entities
		WHERE deployment = ? AND block_number < ? AND EXISTS (
			SELECT 1 FROM entities n
			WHERE n.deployment = entities.deployment
			  AND n.entity_type = entities.entity_type
			  AND n.entity_id = entities.entity_id
			  AND n.block_number > entities.block_number
			  AND n.block_number <= ?
		)
	`
	res, err := tx.Exec(pruneEntities, s.deployment, floor, floor)
	if err != nil {
		return fmt.Errorf("failed to prune entity versions: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		StorePrunedInc(s.deployment, uint64(n))
	}

	return nil
}

// BlockPtr returns the last committed block pointer, or nil if nothing was committed yet.
func (s *SQLiteStore) BlockPtr(ctx context.Context) (*chain.BlockPtr, error) {
	unlock := s.maintenance.AcquireOperationLock()
	defer unlock()

	const query = `
		SELECT * FROM block_pointers WHERE deployment = ? ORDER BY block_number DESC LIMIT 1
	`

	var row blockPointerRow
	if err := meddler.QueryRow(s.db, &row, query, s.deployment); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get block pointer: %w", err)
	}

	return &chain.BlockPtr{Number: row.BlockNumber, Hash: row.BlockHash}, nil
}

// BlockHash returns the committed hash at a height.
func (s *SQLiteStore) BlockHash(ctx context.Context, number uint64) (string, error) {
	unlock := s.maintenance.AcquireOperationLock()
	defer unlock()

	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT block_hash FROM block_pointers WHERE deployment = ? AND block_number = ?`,
		s.deployment, number).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("failed to get block hash at %d: %w", number, err)
	}

	return hash, nil
}

// Revert removes every change committed above to.Number. A zero pointer reverts everything.
func (s *SQLiteStore) Revert(ctx context.Context, to chain.BlockPtr) error {
	unlock := s.maintenance.AcquireOperationLock()
	defer unlock()

	s.batch.reset()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	from := to.Number + 1
	if to.IsZero() {
		from = 0
	}
	if err := s.deleteFromTx(tx, from); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	StoreRevertInc(s.deployment)
	s.log.Infof("reverted deployment %s to block %s", s.deployment, to)

	return nil
}

// DataSources returns the persisted dynamic data sources in creation order.
func (s *SQLiteStore) DataSources(ctx context.Context) ([]store.DynamicDataSource, error) {
	unlock := s.maintenance.AcquireOperationLock()
	defer unlock()

	var rows []*dataSourceRow
	err := meddler.QueryAll(s.db, &rows,
		`SELECT * FROM dynamic_data_sources WHERE deployment = ? ORDER BY id`, s.deployment)
	if err != nil {
		return nil, fmt.Errorf("failed to load data sources: %w", err)
	}

	out := make([]store.DynamicDataSource, 0, len(rows))
	for _, row := range rows {
		out = append(out, store.DynamicDataSource{
			BlockNumber: row.BlockNumber,
			Template:    row.Template,
			Name:        row.Name,
			Address:     row.Address,
			Context:     row.Context,
		})
	}

	return out, nil
}

// Close drops staged changes. The database is owned by the caller.
func (s *SQLiteStore) Close() error {
	s.batch.reset()
	return nil
}
