package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/db"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed pgmigrations/001_entity_store.sql
var pgMigration001 string

var _ store.Store = (*PostgresStore)(nil)

// PostgresDB is a pgx pool shared by the postgres stores of all deployments.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB connects to postgres and applies the entity store migrations.
func NewPostgresDB(ctx context.Context, url string, maxConns int32, log *logger.Logger) (*PostgresDB, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	migs := []db.Migration{{ID: "001_entity_store.sql", SQL: pgMigration001}}
	if err := db.RunPostgresMigrationsDB(log.WithComponent(common.ComponentStore), sqlDB, migs); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the pool.
func (p *PostgresDB) Close() {
	p.pool.Close()
}

// WithTx executes fn within a transaction that is committed if fn returns nil.
func (p *PostgresDB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// PostgresStore is the entity store of one deployment backed by postgres.
// It keeps the same versioning scheme as SQLiteStore.
type PostgresStore struct {
	db         *PostgresDB
	deployment string
	window     uint64
	log        *logger.Logger

	batch *batch
}

// NewPostgresStore creates the store of a deployment on a shared pool.
func NewPostgresStore(pg *PostgresDB, deployment string, window uint64, log *logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:         pg,
		deployment: deployment,
		window:     window,
		log:        log.WithComponent(common.ComponentStore),
		batch:      newBatch(),
	}
}

func (s *PostgresStore) Get(ctx context.Context, entityType, id string) (*store.Entity, error) {
	if ch, ok := s.batch.lookup(entityType, id); ok {
		if ch.deleted {
			return nil, nil
		}
		return &ch.entity, nil
	}

	const query = `
		SELECT data, deleted FROM entities
		WHERE deployment = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY block_number DESC
		LIMIT 1
	`

	var (
		data    map[string]any
		deleted bool
	)
	err := s.db.pool.QueryRow(ctx, query, s.deployment, entityType, id).Scan(&data, &deleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entity %s/%s: %w", entityType, id, err)
	}

	if deleted {
		return nil, nil
	}

	return &store.Entity{Type: entityType, ID: id, Data: data}, nil
}

func (s *PostgresStore) Query(ctx context.Context, q store.Query) ([]store.Entity, error) {
	const query = `
		SELECT DISTINCT ON (entity_id) entity_id, data, deleted
		FROM entities
		WHERE deployment = $1 AND entity_type = $2
		ORDER BY entity_id, block_number DESC
	`

	rows, err := s.db.pool.Query(ctx, query, s.deployment, q.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities of type %s: %w", q.Type, err)
	}
	defer rows.Close()

	var committed []store.Entity
	for rows.Next() {
		var (
			id      string
			data    map[string]any
			deleted bool
		)
		if err := rows.Scan(&id, &data, &deleted); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if deleted {
			continue
		}
		committed = append(committed, store.Entity{Type: q.Type, ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query entities of type %s: %w", q.Type, err)
	}

	staged, _ := s.batch.snapshot()

	return applyQuery(committed, staged, q)
}

func (s *PostgresStore) Save(_ context.Context, entity store.Entity) error {
	if entity.Type == "" || entity.ID == "" {
		return fmt.Errorf("entity type and id are required")
	}

	s.batch.save(entity)
	return nil
}

func (s *PostgresStore) Remove(_ context.Context, entityType, id string) error {
	if entityType == "" || id == "" {
		return fmt.Errorf("entity type and id are required")
	}

	s.batch.remove(entityType, id)
	return nil
}

func (s *PostgresStore) AddDataSource(_ context.Context, ds store.DynamicDataSource) error {
	s.batch.addSource(ds)
	return nil
}

func (s *PostgresStore) Discard() {
	s.batch.reset()
}

// Flush writes the staged changes and the block pointer in one transaction.
func (s *PostgresStore) Flush(ctx context.Context, ptr chain.BlockPtr) error {
	start := time.Now()
	changes, sources := s.batch.snapshot()

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.deleteFromTx(ctx, tx, ptr.Number); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, ch := range changes {
			data := ch.entity.Data
			if data == nil {
				data = map[string]any{}
			}
			batch.Queue(`
				INSERT INTO entities (deployment, entity_type, entity_id, block_number, data, deleted)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				s.deployment, ch.entity.Type, ch.entity.ID, ptr.Number, data, ch.deleted)
		}
		for _, ds := range sources {
			dsCtx := ds.Context
			if dsCtx == nil {
				dsCtx = map[string]any{}
			}
			batch.Queue(`
				INSERT INTO dynamic_data_sources (deployment, block_number, template, name, address, context)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				s.deployment, ptr.Number, ds.Template, ds.Name, ds.Address, dsCtx)
		}
		batch.Queue(`INSERT INTO block_pointers (deployment, block_number, block_hash) VALUES ($1, $2, $3)`,
			s.deployment, ptr.Number, ptr.Hash)

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to write block %s: %w", ptr, err)
		}

		return s.pruneTx(ctx, tx, ptr.Number)
	})
	if err != nil {
		return err
	}

	s.batch.reset()

	StoreFlushLog(s.deployment, len(changes), time.Since(start))
	s.log.Debugf("flushed %d entity changes and %d data sources at block %s", len(changes), len(sources), ptr)

	return nil
}

func (s *PostgresStore) deleteFromTx(ctx context.Context, tx pgx.Tx, n uint64) error {
	for _, table := range []string{"entities", "dynamic_data_sources", "block_pointers"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE deployment = $1 AND block_number >= $2`, table)
		if _, err := tx.Exec(ctx, query, s.deployment, n); err != nil {
			return fmt.Errorf("failed to delete from %s from block %d: %w", table, n, err)
		}
	}

	return nil
}

func (s *PostgresStore) pruneTx(ctx context.Context, tx pgx.Tx, head uint64) error {
	if s.window == 0 || head <= s.window {
		return nil
	}
	floor := head - s.window

	if _, err := tx.Exec(ctx, `DELETE FROM block_pointers WHERE deployment = $1 AND block_number < $2`,
		s.deployment, floor); err != nil {
		return fmt.Errorf("failed to prune block pointers: %w", err)
	}

	const pruneEntities = `
		DELETE FROM entities e
		WHERE e.deployment = $1 AND e.block_number < $2 AND EXISTS (
			SELECT 1 FROM entities n
			WHERE n.deployment = e.deployment
			  AND n.entity_type = e.entity_type
			  AND n.entity_id = e.entity_id
			  AND n.block_number > e.block_number
			  AND n.block_number <= $2
		)
	`
	tag, err := tx.Exec(ctx, pruneEntities, s.deployment, floor)
	if err != nil {
		return fmt.Errorf("failed to prune entity versions: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		StorePrunedInc(s.deployment, uint64(n))
	}

	return nil
}

func (s *PostgresStore) BlockPtr(ctx context.Context) (*chain.BlockPtr, error) {
	var ptr chain.BlockPtr
	err := s.db.pool.QueryRow(ctx,
		`SELECT block_number, block_hash FROM block_pointers WHERE deployment = $1
		 ORDER BY block_number DESC LIMIT 1`, s.deployment).Scan(&ptr.Number, &ptr.Hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get block pointer: %w", err)
	}

	return &ptr, nil
}

func (s *PostgresStore) BlockHash(ctx context.Context, number uint64) (string, error) {
	var hash string
	err := s.db.pool.QueryRow(ctx,
		`SELECT block_hash FROM block_pointers WHERE deployment = $1 AND block_number = $2`,
		s.deployment, number).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("failed to get block hash at %d: %w", number, err)
	}

	return hash, nil
}

func (s *PostgresStore) Revert(ctx context.Context, to chain.BlockPtr) error {
	s.batch.reset()

	from := to.Number + 1
	if to.IsZero() {
		from = 0
	}

	if err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return s.deleteFromTx(ctx, tx, from)
	}); err != nil {
		return err
	}

	StoreRevertInc(s.deployment)
	s.log.Infof("reverted deployment %s to block %s", s.deployment, to)

	return nil
}

func (s *PostgresStore) DataSources(ctx context.Context) ([]store.DynamicDataSource, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT block_number, template, name, address, context
		FROM dynamic_data_sources WHERE deployment = $1 ORDER BY id`, s.deployment)
	if err != nil {
		return nil, fmt.Errorf("failed to load data sources: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.DynamicDataSource, error) {
		var ds store.DynamicDataSource
		err := row.Scan(&ds.BlockNumber, &ds.Template, &ds.Name, &ds.Address, &ds.Context)
		return ds, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load data sources: %w", err)
	}

	return out, nil
}

// Close drops staged changes. The pool is owned by the caller.
func (s *PostgresStore) Close() error {
	s.batch.reset()
	return nil
}
