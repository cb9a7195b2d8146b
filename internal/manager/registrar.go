package manager

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
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/russross/meddler"
)

var (
	// ErrDeploymentNotFound is returned when no deployment matches a locator or name.
	ErrDeploymentNotFound = errors.New("deployment not found")

	// ErrManifestNotFound is returned when a deployment references a manifest that was never added.
	ErrManifestNotFound = errors.New("manifest not found")

	// ErrNameTaken is returned when a running deployment would be redeployed under another hash.
	ErrNameTaken = errors.New("deployment name is used by a running deployment")
)

type manifestRow struct {
	Hash      string `meddler:"hash"`
	Body      []byte `meddler:"body"`
	BaseDir   string `meddler:"base_dir"`
	CreatedAt int64  `meddler:"created_at"`
}

type deploymentRow struct {
	ID        int64  `meddler:"id,pk"`
	Name      string `meddler:"name"`
	Hash      string `meddler:"hash"`
	ChainType string `meddler:"chain_type"`
	Network   string `meddler:"network"`
	Status    string `meddler:"status"`
	Failure   string `meddler:"failure"`
	CreatedAt int64  `meddler:"created_at"`
	UpdatedAt int64  `meddler:"updated_at"`
}

// Deployment is a registered indexer.
type Deployment struct {
	Name      string                    `json:"name"`
	Locator   indexer.DeploymentLocator `json:"locator"`
	ChainType chain.ChainType           `json:"chain_type"`
	Network   string                    `json:"network"`
	Status    indexer.IndexerStatus     `json:"status"`
	Failure   string                    `json:"failure,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

func (r *deploymentRow) toDeployment() *Deployment {
	return &Deployment{
		Name:      r.Name,
		Locator:   indexer.DeploymentLocator{ID: r.ID, Hash: indexer.DeploymentHash(r.Hash)},
		ChainType: chain.ChainType(r.ChainType),
		Network:   r.Network,
		Status:    indexer.IndexerStatus(r.Status),
		Failure:   r.Failure,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

// Registrar persists manifests and the deployments created from them.
type Registrar struct {
	db          *sql.DB
	maintenance db.Maintenance
	log         *logger.Logger
}

// NewRegistrar creates a registrar on a migrated database.
func NewRegistrar(sqlDB *sql.DB, maintenance db.Maintenance, log *logger.Logger) *Registrar {
	if maintenance == nil {
		maintenance = &db.NoOpMaintenance{}
	}

	return &Registrar{
		db:          sqlDB,
		maintenance: maintenance,
		log:         log.WithComponent(common.ComponentRegistrar),
	}
}

// AddManifest validates and stores a manifest. Manifests are content addressed so adding the same
// body twice is a no-op that returns the same hash.
func (r *Registrar) AddManifest(ctx context.Context, body []byte, baseDir string) (indexer.DeploymentHash, error) {
	m, err := indexer.ParseManifest(body)
	if err != nil {
		return "", err
	}

	unlock := r.maintenance.AcquireOperationLock()
	defer unlock()

	hash := m.Hash()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO manifests (hash, body, base_dir, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (hash) DO NOTHING`,
		hash.String(), body, baseDir, time.Now().UTC().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to store manifest %s: %w", hash, err)
	}

	r.log.Debugw("manifest added", "hash", hash.String(), "data_sources", len(m.DataSources))

	return hash, nil
}

// Manifest loads a stored manifest with its base directory restored.
func (r *Registrar) Manifest(ctx context.Context, hash indexer.DeploymentHash) (*indexer.Manifest, error) {
	unlock := r.maintenance.AcquireOperationLock()
	defer unlock()

	var row manifestRow
	err := meddler.QueryRow(r.db, &row, `SELECT * FROM manifests WHERE hash = ?`, hash.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, hash)
		}
		return nil, fmt.Errorf("failed to load manifest %s: %w", hash, err)
	}

	m, err := indexer.ParseManifest(row.Body)
	if err != nil {
		return nil, fmt.Errorf("stored manifest %s is invalid: %w", hash, err)
	}
	m.SetBaseDir(row.BaseDir)

	return m, nil
}

// CreateIndexer registers name as a deployment of the manifest with the given hash.
// Creating the same name and hash again returns the existing locator. A name may be moved to a
// new hash only while its deployment is not running; the deployment then starts over as a draft.
func (r *Registrar) CreateIndexer(
	ctx context.Context,
	name string,
	hash indexer.DeploymentHash,
) (indexer.DeploymentLocator, error) {
	if name == "" {
		return indexer.DeploymentLocator{}, errors.New("deployment name is required")
	}

	m, err := r.Manifest(ctx, hash)
	if err != nil {
		return indexer.DeploymentLocator{}, err
	}

	unlock := r.maintenance.AcquireOperationLock()
	defer unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return indexer.DeploymentLocator{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	now := time.Now().UTC().Unix()

	var row deploymentRow
	err = meddler.QueryRow(tx, &row, `SELECT * FROM deployments WHERE name = ?`, name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		row = deploymentRow{
			Name:      name,
			Hash:      hash.String(),
			ChainType: m.ChainType().String(),
			Network:   m.Network(),
			Status:    indexer.StatusDraft.String(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := meddler.Insert(tx, "deployments", &row); err != nil {
			return indexer.DeploymentLocator{}, fmt.Errorf("failed to create deployment %s: %w", name, err)
		}
		r.log.Infow("deployment created", "name", name, "id", row.ID, "hash", hash.String())

	case err != nil:
		return indexer.DeploymentLocator{}, fmt.Errorf("failed to look up deployment %s: %w", name, err)

	case row.Hash == hash.String():
		return indexer.DeploymentLocator{ID: row.ID, Hash: hash}, nil

	default:
		if indexer.IndexerStatus(row.Status).IsRunning() {
			return indexer.DeploymentLocator{}, fmt.Errorf("%w: %s", ErrNameTaken, name)
		}

		previous := row.Hash
		row.Hash = hash.String()
		row.ChainType = m.ChainType().String()
		row.Network = m.Network()
		row.Status = indexer.StatusDraft.String()
		row.Failure = ""
		row.UpdatedAt = now
		if err := meddler.Update(tx, "deployments", &row); err != nil {
			return indexer.DeploymentLocator{}, fmt.Errorf("failed to redeploy %s: %w", name, err)
		}
		r.log.Infow("deployment redeployed", "name", name, "id", row.ID, "from", previous, "to", hash.String())
	}

	if err := tx.Commit(); err != nil {
		return indexer.DeploymentLocator{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return indexer.DeploymentLocator{ID: row.ID, Hash: hash}, nil
}

// Get returns the deployment with the given id.
func (r *Registrar) Get(ctx context.Context, id int64) (*Deployment, error) {
	return r.getBy(ctx, "id", id)
}

// GetByName returns the deployment with the given name.
func (r *Registrar) GetByName(ctx context.Context, name string) (*Deployment, error) {
	return r.getBy(ctx, "name", name)
}

func (r *Registrar) getBy(_ context.Context, column string, value any) (*Deployment, error) {
	unlock := r.maintenance.AcquireOperationLock()
	defer unlock()

	var row deploymentRow
	err := meddler.QueryRow(r.db, &row, `SELECT * FROM deployments WHERE `+column+` = ?`, value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", ErrDeploymentNotFound, value)
		}
		return nil, fmt.Errorf("failed to get deployment %v: %w", value, err)
	}

	return row.toDeployment(), nil
}

// List returns every deployment ordered by id.
func (r *Registrar) List(_ context.Context) ([]*Deployment, error) {
	unlock := r.maintenance.AcquireOperationLock()
	defer unlock()

	var rows []*deploymentRow
	if err := meddler.QueryAll(r.db, &rows, `SELECT * FROM deployments ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	out := make([]*Deployment, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDeployment())
	}

	return out, nil
}

// SetStatus moves a deployment to status. Setting the current status again only updates the
// failure; any other change must be a legal transition.
func (r *Registrar) SetStatus(
	ctx context.Context,
	loc indexer.DeploymentLocator,
	status indexer.IndexerStatus,
	failure string,
) error {
	unlock := r.maintenance.AcquireOperationLock()
	defer unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	var row deploymentRow
	if err := meddler.QueryRow(tx, &row, `SELECT * FROM deployments WHERE id = ?`, loc.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrDeploymentNotFound, loc)
		}
		return fmt.Errorf("failed to get deployment %s: %w", loc, err)
	}

	if row.Hash != loc.Hash.String() {
		return fmt.Errorf("%w: %s was redeployed as %s", ErrDeploymentNotFound, loc, row.Hash)
	}

	current := indexer.IndexerStatus(row.Status)
	if current != status && !indexer.CanTransition(current, status) {
		return fmt.Errorf("invalid status transition for %s: %s -> %s", row.Name, current, status)
	}

	row.Status = status.String()
	row.Failure = failure
	row.UpdatedAt = time.Now().UTC().Unix()
	if err := meddler.Update(tx, "deployments", &row); err != nil {
		return fmt.Errorf("failed to update deployment %s: %w", row.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.log.Debugw("deployment status changed", "name", row.Name, "from", current.String(), "to", status.String())

	return nil
}

// RecoverInterrupted marks deployments left deploying or deployed by a previous process as stopped.
func (r *Registrar) RecoverInterrupted(ctx context.Context) (int64, error) {
	unlock := r.maintenance.AcquireOperationLock()
	defer unlock()

	res, err := r.db.ExecContext(ctx,
		`UPDATE deployments SET status = ?, failure = ?, updated_at = ? WHERE status IN (?, ?)`,
		indexer.StatusStopped.String(), "interrupted", time.Now().UTC().Unix(),
		indexer.StatusDeploying.String(), indexer.StatusDeployed.String())
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted deployments: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered deployments: %w", err)
	}

	if n > 0 {
		r.log.Warnw("recovered interrupted deployments", "count", n)
	}

	return n, nil
}
