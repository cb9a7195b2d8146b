package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
)

// Provider is the control surface used by the CLI, the admin API and startup.
// Registering a deployment and starting it are separate steps.
type Provider struct {
	registrar *Registrar
	manager   *Manager
	stores    StoreOpener
	window    uint64
	log       *logger.Logger
}

// NewProvider creates a provider. stores is used for entity lookups of any deployment.
func NewProvider(registrar *Registrar, manager *Manager, stores StoreOpener, window uint64, log *logger.Logger) *Provider {
	return &Provider{
		registrar: registrar,
		manager:   manager,
		stores:    stores,
		window:    window,
		log:       log.WithComponent(common.ComponentManager),
	}
}

// AddManifest stores a manifest and returns its hash. Relative handler paths in the manifest
// resolve against baseDir.
func (p *Provider) AddManifest(ctx context.Context, body []byte, baseDir string) (indexer.DeploymentHash, error) {
	return p.registrar.AddManifest(ctx, body, baseDir)
}

// CreateIndexer registers name as a deployment of a stored manifest.
func (p *Provider) CreateIndexer(
	ctx context.Context,
	name string,
	hash indexer.DeploymentHash,
) (indexer.DeploymentLocator, error) {
	return p.manager.CreateIndexer(ctx, name, hash)
}

// Deploy adds the manifest at path and registers it under name.
func (p *Provider) Deploy(ctx context.Context, name, path string) (indexer.DeploymentLocator, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return indexer.DeploymentLocator{}, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return indexer.DeploymentLocator{}, fmt.Errorf("failed to resolve manifest directory: %w", err)
	}

	hash, err := p.AddManifest(ctx, body, baseDir)
	if err != nil {
		return indexer.DeploymentLocator{}, err
	}

	return p.CreateIndexer(ctx, name, hash)
}

// Start starts a deployment.
func (p *Provider) Start(ctx context.Context, loc indexer.DeploymentLocator) error {
	return p.manager.Start(ctx, loc)
}

// Stop stops a deployment.
func (p *Provider) Stop(ctx context.Context, loc indexer.DeploymentLocator) error {
	return p.manager.Stop(ctx, loc)
}

// Status returns the status of a deployment.
func (p *Provider) Status(ctx context.Context, loc indexer.DeploymentLocator) (*DeploymentStatus, error) {
	return p.manager.Status(ctx, loc)
}

// List returns the status of every deployment.
func (p *Provider) List(ctx context.Context) ([]*DeploymentStatus, error) {
	return p.manager.List(ctx)
}

// Resolve returns the current locator of the deployment called name.
func (p *Provider) Resolve(ctx context.Context, name string) (indexer.DeploymentLocator, error) {
	d, err := p.registrar.GetByName(ctx, name)
	if err != nil {
		return indexer.DeploymentLocator{}, err
	}

	return d.Locator, nil
}

// Entity returns the latest committed version of an entity of a deployment.
func (p *Provider) Entity(
	ctx context.Context,
	loc indexer.DeploymentLocator,
	entityType, id string,
) (*store.Entity, error) {
	s := p.stores(loc, p.window)
	defer s.Close()

	e, err := s.Get(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrNotFound, entityType, id)
	}

	return e, nil
}

// Entities lists the latest committed entities of a deployment matching q.
func (p *Provider) Entities(ctx context.Context, loc indexer.DeploymentLocator, q store.Query) ([]store.Entity, error) {
	s := p.stores(loc, p.window)
	defer s.Close()

	return s.Query(ctx, q)
}

// Bootstrap recovers deployments interrupted by a previous process, then registers the
// configured indexers and starts those marked to start.
func (p *Provider) Bootstrap(ctx context.Context, indexers []config.IndexerConfig) error {
	if _, err := p.registrar.RecoverInterrupted(ctx); err != nil {
		return err
	}

	for _, ic := range indexers {
		loc, err := p.Deploy(ctx, ic.Name, ic.Manifest)
		if err != nil {
			return fmt.Errorf("failed to deploy indexer %s: %w", ic.Name, err)
		}

		p.log.Infow("indexer registered", "name", ic.Name, "locator", loc.String())

		if !ic.Start {
			continue
		}

		if err := p.Start(ctx, loc); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			if errors.Is(err, ErrInvalidDeployment) {
				p.log.Warnw("indexer not started", "name", ic.Name, "error", err)
				continue
			}
			return fmt.Errorf("failed to start indexer %s: %w", ic.Name, err)
		}
	}

	return nil
}
