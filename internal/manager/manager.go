// Package manager owns the lifecycle of indexer deployments: it registers them, starts one
// runtime per running deployment and records their status.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/hub"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/metrics"
	"github.com/goran-ethernal/MultiChainIndexor/internal/runtime"
	"github.com/goran-ethernal/MultiChainIndexor/internal/trigger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyRunning is returned when starting a deployment that already has a runtime.
	ErrAlreadyRunning = errors.New("deployment is already running")

	// ErrNotRunning is returned when stopping a deployment that has no runtime.
	ErrNotRunning = errors.New("deployment is not running")

	// ErrInvalidDeployment is returned when starting a deployment that failed deterministically.
	ErrInvalidDeployment = errors.New("deployment is invalid and must be redeployed")

	// ErrManagerClosed is returned when starting a deployment after Close.
	ErrManagerClosed = errors.New("manager is closed")
)

var _ runtime.Observer = (*Manager)(nil)

// Components are the shared collaborators every runtime is built from.
// Locker and Notifier are optional.
type Components struct {
	Hub      hub.Subscriber
	Scanner  runtime.Scanner
	Stores   StoreOpener
	Handlers func() runtime.Handlers
	Locker   Locker
	Notifier Notifier
}

// DeploymentStatus is a deployment as registered, overlaid with the state of its runtime.
type DeploymentStatus struct {
	*Deployment
	Running  bool            `json:"running"`
	BlockPtr *chain.BlockPtr `json:"block_ptr,omitempty"`
}

type instance struct {
	name     string
	rt       *runtime.Runtime
	store    store.Store
	handlers runtime.Handlers
	cancel   context.CancelFunc
	done     chan struct{}
}

// Manager runs at most one runtime per deployment. A failing runtime only affects its own
// deployment.
type Manager struct {
	registrar *Registrar
	comps     Components
	cfg       config.RuntimeConfig
	log       *logger.Logger

	// regMu orders name to hash changes against starts so a start never claims a locator that a
	// concurrent redeploy is replacing. It is taken before mu.
	regMu sync.Mutex

	mu        sync.Mutex
	instances map[indexer.DeploymentLocator]*instance
	closed    bool
}

// New creates a manager.
func New(registrar *Registrar, comps Components, cfg config.RuntimeConfig, log *logger.Logger) *Manager {
	cfg.ApplyDefaults()

	if comps.Locker == nil {
		comps.Locker = NoopLocker{}
	}
	if comps.Notifier == nil {
		comps.Notifier = NoopNotifier{}
	}

	return &Manager{
		registrar: registrar,
		comps:     comps,
		cfg:       cfg,
		log:       log.WithComponent(common.ComponentManager),
		instances: make(map[indexer.DeploymentLocator]*instance),
	}
}

// Start launches the runtime of a registered deployment and returns without waiting for it to
// index anything. Starting a running deployment returns ErrAlreadyRunning and changes nothing.
func (m *Manager) Start(ctx context.Context, loc indexer.DeploymentLocator) error {
	d, inst, runCtx, err := m.claim(ctx, loc)
	if err != nil {
		return err
	}

	lease, err := m.comps.Locker.Acquire(ctx, d.Name)
	if err != nil {
		m.remove(loc, inst)
		m.discard(inst)
		close(inst.done)
		DeploymentStartInc("locked")
		return err
	}

	DeploymentStartInc("started")
	DeploymentRunningInc()
	m.log.Infow("starting deployment", "name", d.Name, "locator", loc.String())

	go m.run(runCtx, loc, inst, lease)

	return nil
}

// claim validates loc against the registrar and reserves it in the instance map.
func (m *Manager) claim(
	ctx context.Context,
	loc indexer.DeploymentLocator,
) (*Deployment, *instance, context.Context, error) {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	d, err := m.registrar.Get(ctx, loc.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if d.Locator != loc {
		return nil, nil, nil, fmt.Errorf("%w: %s was redeployed as %s", ErrDeploymentNotFound, loc, d.Locator)
	}
	if d.Status.IsTerminal() {
		return nil, nil, nil, fmt.Errorf("%w: %s (%s)", ErrInvalidDeployment, d.Name, d.Failure)
	}

	manifest, err := m.registrar.Manifest(ctx, loc.Hash)
	if err != nil {
		return nil, nil, nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		name:     d.Name,
		store:    m.comps.Stores(loc, m.cfg.ReorgWindow),
		handlers: m.comps.Handlers(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	inst.rt = runtime.New(loc, manifest, runtime.Deps{
		Store:    inst.store,
		Hub:      m.comps.Hub,
		Scanner:  m.comps.Scanner,
		Handlers: inst.handlers,
		Observer: m,
	}, m.cfg, m.log)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.discard(inst)
		return nil, nil, nil, ErrManagerClosed
	}
	if _, ok := m.instances[loc]; ok {
		m.mu.Unlock()
		m.discard(inst)
		DeploymentStartInc("duplicate")
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, d.Name)
	}
	m.instances[loc] = inst
	m.mu.Unlock()

	return d, inst, runCtx, nil
}

// CreateIndexer registers name as a deployment of hash. Re-pointing a name that has a running
// deployment under another hash fails with ErrNameTaken.
func (m *Manager) CreateIndexer(
	ctx context.Context,
	name string,
	hash indexer.DeploymentHash,
) (indexer.DeploymentLocator, error) {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	m.mu.Lock()
	for loc, inst := range m.instances {
		if inst.name == name && loc.Hash != hash {
			m.mu.Unlock()
			return indexer.DeploymentLocator{}, fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
	}
	m.mu.Unlock()

	return m.registrar.CreateIndexer(ctx, name, hash)
}

func (m *Manager) run(ctx context.Context, loc indexer.DeploymentLocator, inst *instance, lease Lease) {
	defer close(inst.done)

	go func() {
		select {
		case <-lease.Lost():
			m.log.Errorw("deployment lock lost, stopping", "name", inst.name)
			inst.rt.Stop()
		case <-ctx.Done():
		}
	}()

	err := inst.rt.Run(ctx)
	inst.cancel()
	lease.Release()

	if cerr := inst.store.Close(); cerr != nil {
		m.log.Warnw("failed to close store", "name", inst.name, "error", cerr)
	}

	status, _ := inst.rt.Status()
	DeploymentExitLog(status.String())

	m.remove(loc, inst)

	if err != nil {
		m.log.Warnw("deployment exited", "name", inst.name, "status", status.String(), "error", err)
	} else {
		m.log.Infow("deployment exited", "name", inst.name, "status", status.String())
	}
}

// discard releases an instance whose runtime never ran.
func (m *Manager) discard(inst *instance) {
	inst.cancel()
	if err := inst.handlers.Close(); err != nil {
		m.log.Warnw("failed to close handlers", "name", inst.name, "error", err)
	}
	if err := inst.store.Close(); err != nil {
		m.log.Warnw("failed to close store", "name", inst.name, "error", err)
	}
}

func (m *Manager) remove(loc indexer.DeploymentLocator, inst *instance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.instances[loc] == inst {
		delete(m.instances, loc)
	}
}

func (m *Manager) lookup(loc indexer.DeploymentLocator) *instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[loc]
}

// Stop asks the runtime of a deployment to stop and waits for it. A runtime that does not stop
// within the stop timeout is cancelled.
func (m *Manager) Stop(ctx context.Context, loc indexer.DeploymentLocator) error {
	inst := m.lookup(loc)
	if inst == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, loc)
	}

	inst.rt.Stop()

	timer := time.NewTimer(m.cfg.StopTimeout.Duration)
	defer timer.Stop()

	select {
	case <-inst.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	ForcedStopInc()
	m.log.Warnw("deployment did not stop in time, cancelling; shutdown may be inconsistent",
		"name", inst.name, "timeout", m.cfg.StopTimeout.Duration)
	inst.cancel()

	select {
	case <-inst.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll stops every running deployment concurrently.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	locs := make([]indexer.DeploymentLocator, 0, len(m.instances))
	for loc := range m.instances {
		locs = append(locs, loc)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, loc := range locs {
		g.Go(func() error {
			if err := m.Stop(gctx, loc); err != nil && !errors.Is(err, ErrNotRunning) {
				return fmt.Errorf("failed to stop %s: %w", loc, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// Close refuses new starts, stops every deployment and closes the notifier.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	err := m.StopAll(ctx)
	m.comps.Notifier.Close()

	return err
}

// Running reports whether a deployment has a live runtime.
func (m *Manager) Running(loc indexer.DeploymentLocator) bool {
	return m.lookup(loc) != nil
}

// Status returns the status of a deployment.
func (m *Manager) Status(ctx context.Context, loc indexer.DeploymentLocator) (*DeploymentStatus, error) {
	d, err := m.registrar.Get(ctx, loc.ID)
	if err != nil {
		return nil, err
	}

	return m.status(ctx, d)
}

// List returns the status of every registered deployment.
func (m *Manager) List(ctx context.Context) ([]*DeploymentStatus, error) {
	deployments, err := m.registrar.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*DeploymentStatus, 0, len(deployments))
	counts := make(map[string]int)
	for _, d := range deployments {
		st, err := m.status(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
		counts[st.Status.String()]++
	}
	metrics.DeploymentsByStatusSet(counts)

	sort.Slice(out, func(i, j int) bool { return out[i].Locator.ID < out[j].Locator.ID })

	return out, nil
}

func (m *Manager) status(ctx context.Context, d *Deployment) (*DeploymentStatus, error) {
	st := &DeploymentStatus{Deployment: d}

	if inst := m.lookup(d.Locator); inst != nil {
		status, err := inst.rt.Status()
		st.Running = true
		st.Status = status
		if err != nil {
			st.Failure = err.Error()
		}
		st.BlockPtr = inst.rt.BlockPtr()
		return st, nil
	}

	s := m.comps.Stores(d.Locator, m.cfg.ReorgWindow)
	defer s.Close()

	ptr, err := s.BlockPtr(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read block pointer of %s: %w", d.Name, err)
	}
	st.BlockPtr = ptr

	return st, nil
}

// StatusChanged persists a runtime status change and publishes it.
func (m *Manager) StatusChanged(loc indexer.DeploymentLocator, status indexer.IndexerStatus, err error) {
	failure := ""
	if err != nil {
		failure = err.Error()
	}

	if serr := m.registrar.SetStatus(context.Background(), loc, status, failure); serr != nil {
		m.log.Errorw("failed to persist deployment status", "locator", loc.String(), "status", status, "error", serr)
	}

	event := newEvent(EventStatusChanged, loc)
	event.Status = status
	event.Error = failure
	m.comps.Notifier.Publish(event)
}

// BlockCommitted publishes a committed block.
func (m *Manager) BlockCommitted(loc indexer.DeploymentLocator, block trigger.Block, triggers int) {
	event := newEvent(EventBlockCommitted, loc)
	event.BlockNumber = block.Number
	event.BlockHash = block.Hash
	event.Triggers = triggers
	m.comps.Notifier.Publish(event)
}
