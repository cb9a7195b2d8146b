// Package runtime runs a single indexer deployment: it follows the hub from the deployment's block
// pointer, scans every envelope for triggers, dispatches them to the mapping handlers and commits
// the resulting entity changes together with the new block pointer.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/hub"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/rpc"
	internalstore "github.com/goran-ethernal/MultiChainIndexor/internal/store"
	"github.com/goran-ethernal/MultiChainIndexor/internal/trigger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/handler"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
)

var (
	// ErrReorgTooDeep is returned when a rollback would cross the reorg window.
	ErrReorgTooDeep = errors.New("reorg deeper than the reorg window")

	errStopped = errors.New("runtime stopped")
)

// Scanner builds trigger filters and scans envelopes. It is implemented by trigger.Registry.
type Scanner interface {
	NewFilter(chainType chain.ChainType) (*trigger.Filter, error)
	Scan(env *chain.RawEnvelope, filter *trigger.Filter) (*trigger.BlockWithTriggers, error)
}

// Handlers runs mapping handlers. It is implemented by dispatch.Set.
type Handlers interface {
	Prepare(ctx context.Context, mapping indexer.Mapping) error
	Dispatch(ctx context.Context, mapping indexer.Mapping, trigger handler.Trigger, host handler.Host) error
	Close() error
}

// Observer is told about status changes and committed blocks.
type Observer interface {
	StatusChanged(loc indexer.DeploymentLocator, status indexer.IndexerStatus, err error)
	BlockCommitted(loc indexer.DeploymentLocator, block trigger.Block, triggers int)
}

// Deps are the collaborators of a runtime. Observer is optional.
type Deps struct {
	Store    store.Store
	Hub      hub.Subscriber
	Scanner  Scanner
	Handlers Handlers
	Observer Observer
}

// action tells the follow loop how to continue after an envelope.
type action int

const (
	actNext action = iota
	actResubscribe
	actBackoff
)

// Runtime indexes one deployment. Run must be called at most once.
type Runtime struct {
	loc      indexer.DeploymentLocator
	manifest *indexer.Manifest
	deps     Deps
	cfg      config.RuntimeConfig
	backoff  *config.RetryConfig
	log      *logger.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu     sync.RWMutex
	status indexer.IndexerStatus
	err    error
	ptr    *chain.BlockPtr

	// owned by the Run goroutine
	filter   *trigger.Filter
	sources  map[string]indexer.DataSource
	pending  []indexer.DataSource
	failures int
}

// New creates a runtime in the draft status.
func New(
	loc indexer.DeploymentLocator,
	manifest *indexer.Manifest,
	deps Deps,
	cfg config.RuntimeConfig,
	log *logger.Logger,
) *Runtime {
	cfg.ApplyDefaults()

	return &Runtime{
		loc:      loc,
		manifest: manifest,
		deps:     deps,
		cfg:      cfg,
		backoff: &config.RetryConfig{
			InitialBackoff:    cfg.RetryBackoff,
			MaxBackoff:        cfg.MaxRetryBackoff,
			BackoffMultiplier: 2, //nolint:mnd
		},
		log: log.WithComponent(common.ComponentRuntime).WithFields(
			"deployment", loc.Hash.String(),
			"chain", manifest.ChainType().String(),
		),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		status: indexer.StatusDraft,
	}
}

// Locator returns the deployment the runtime indexes.
func (r *Runtime) Locator() indexer.DeploymentLocator {
	return r.loc
}

// Status returns the current status and the error that caused it, if any.
func (r *Runtime) Status() (indexer.IndexerStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status, r.err
}

// BlockPtr returns the last committed block, or nil before the first commit.
func (r *Runtime) BlockPtr() *chain.BlockPtr {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.ptr == nil {
		return nil
	}
	ptr := *r.ptr
	return &ptr
}

// Stop asks the runtime to stop between blocks. It does not wait; use Done.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Done is closed when Run returns.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Run indexes until Stop is called, ctx is cancelled or the deployment fails.
// A graceful stop returns nil; a cancelled ctx returns its error.
func (r *Runtime) Run(ctx context.Context) error {
	defer close(r.done)
	defer func() {
		if err := r.deps.Handlers.Close(); err != nil {
			r.log.Warnw("failed to close handlers", "error", err)
		}
	}()

	r.setStatus(indexer.StatusDeploying, nil)

	if err := r.init(ctx); err != nil {
		return r.finish(ctx, err)
	}

	r.setStatus(indexer.StatusDeployed, nil)
	r.log.Infow("deployment started", "from_block", r.nextBlock(), "data_sources", len(r.sources))

	return r.finish(ctx, r.loop(ctx))
}

// finish discards uncommitted work and records the final status. Deterministic failures make the
// deployment invalid; everything else leaves it stopped and resumable.
func (r *Runtime) finish(ctx context.Context, err error) error {
	r.deps.Store.Discard()

	switch {
	case err == nil || errors.Is(err, errStopped):
		r.setStatus(indexer.StatusStopped, nil)
		r.log.Infow("deployment stopped", "block", r.BlockPtr())
		return nil
	case ctx.Err() != nil:
		r.setStatus(indexer.StatusStopped, ctx.Err())
		r.log.Warnw("deployment cancelled", "block", r.BlockPtr())
		return ctx.Err()
	case handler.IsNonDeterministic(err):
		r.setStatus(indexer.StatusStopped, err)
		r.log.Errorw("deployment stopped on infrastructure failure", "error", err)
		return err
	default:
		r.setStatus(indexer.StatusInvalid, err)
		r.log.Errorw("deployment failed", "error", err)
		return err
	}
}

func (r *Runtime) setStatus(status indexer.IndexerStatus, err error) {
	r.mu.Lock()
	r.status, r.err = status, err
	r.mu.Unlock()

	if r.deps.Observer != nil {
		r.deps.Observer.StatusChanged(r.loc, status, err)
	}
}

func (r *Runtime) setPtr(ptr *chain.BlockPtr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ptr = ptr
}

func (r *Runtime) init(ctx context.Context) error {
	ptr, err := r.deps.Store.BlockPtr(ctx)
	if err != nil {
		return handler.NonDeterministic(fmt.Errorf("failed to load block pointer: %w", err))
	}
	r.setPtr(ptr)

	if err := r.buildFilter(ctx); err != nil {
		return err
	}

	for _, mapping := range r.mappings() {
		if err := r.deps.Handlers.Prepare(ctx, mapping); err != nil {
			return err
		}
	}

	return nil
}

// mappings returns every distinct mapping of the manifest, templates included, with resolved files.
func (r *Runtime) mappings() []indexer.Mapping {
	seen := make(map[string]struct{})
	var out []indexer.Mapping

	add := func(m indexer.Mapping) {
		m.File = r.manifest.ResolvePath(m.File)
		key := m.Kind + ":" + m.File
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}

	for _, ds := range r.manifest.DataSources {
		add(ds.Mapping)
	}
	for _, tpl := range r.manifest.Templates {
		add(tpl.Mapping)
	}

	return out
}

// buildFilter builds the trigger filter from the manifest and the persisted dynamic data sources.
func (r *Runtime) buildFilter(ctx context.Context) error {
	filter, err := r.deps.Scanner.NewFilter(r.manifest.ChainType())
	if err != nil {
		return fmt.Errorf("failed to create trigger filter: %w", err)
	}

	all := append([]indexer.DataSource(nil), r.manifest.DataSources...)

	dynamic, err := r.deps.Store.DataSources(ctx)
	if err != nil {
		return handler.NonDeterministic(fmt.Errorf("failed to load data sources: %w", err))
	}
	for _, d := range dynamic {
		tpl, ok := r.manifest.Template(d.Template)
		if !ok {
			return fmt.Errorf("data source %s uses unknown template %s", d.Name, d.Template)
		}
		all = append(all, tpl.Instantiate(d.Name, d.Address, d.BlockNumber+1, d.Context))
	}

	if err := filter.Extend(all); err != nil {
		return fmt.Errorf("failed to build trigger filter: %w", err)
	}

	sources := make(map[string]indexer.DataSource, len(all))
	for _, ds := range all {
		sources[ds.Name] = ds
	}

	r.filter, r.sources, r.pending = filter, sources, nil

	return nil
}

// nextBlock is the first block the runtime needs.
func (r *Runtime) nextBlock() uint64 {
	if ptr := r.BlockPtr(); ptr != nil {
		return ptr.Number + 1
	}
	return r.manifest.StartBlock()
}

func (r *Runtime) loop(ctx context.Context) error {
	for {
		backoff, err := r.follow(ctx)
		if err != nil {
			return err
		}

		if backoff {
			r.failures++
			if err := r.wait(ctx, r.backoffFor(r.failures)); err != nil {
				return err
			}
		}
	}
}

// follow consumes one subscription until it has to be replaced. It reports whether the next
// subscription should wait first.
func (r *Runtime) follow(ctx context.Context) (bool, error) {
	from := r.nextBlock()

	sub, err := r.deps.Hub.Subscribe(ctx, hub.Request{
		ChainType: r.manifest.ChainType(),
		Network:   r.manifest.Network(),
		FromBlock: from,
	})
	if err != nil {
		if errors.Is(err, hub.ErrUnknownChain) || errors.Is(err, hub.ErrNetworkMismatch) {
			return false, handler.NonDeterministic(fmt.Errorf("failed to subscribe: %w", err))
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.log.Warnw("failed to subscribe, retrying", "from_block", from, "error", err)
		return true, nil
	}
	defer sub.Close()

	r.log.Debugw("subscribed to hub", "subscription", sub.ID(), "from_block", from)

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-r.stop:
			return false, errStopped
		case env, ok := <-sub.C():
			if !ok {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				r.log.Warnw("block stream ended, resubscribing", "subscription", sub.ID(), "error", sub.Err())
				return true, nil
			}

			act, err := r.handle(ctx, env)
			if err != nil {
				return false, err
			}

			switch act {
			case actResubscribe:
				return false, nil
			case actBackoff:
				return true, nil
			}
		}
	}
}

// handle decides what to do with an envelope given the committed block pointer.
func (r *Runtime) handle(ctx context.Context, env *chain.RawEnvelope) (action, error) {
	ptr := r.BlockPtr()

	if ptr == nil {
		start := r.manifest.StartBlock()
		if env.BlockNumber < start {
			return actNext, nil
		}
		if env.BlockNumber > start && env.ParentNumber >= start {
			return r.gap(env, start)
		}
		return actNext, r.process(ctx, env)
	}

	if env.BlockNumber <= ptr.Number {
		return r.handleOld(ctx, env, ptr)
	}

	switch {
	case env.ParentNumber == ptr.Number && env.ParentHash == ptr.Hash:
		return actNext, r.process(ctx, env)
	case env.ParentNumber > ptr.Number:
		return r.gap(env, ptr.Number+1)
	default:
		// the block builds on a different head or below it
		return r.rollback(ctx, env, ptr)
	}
}

// handleOld handles an envelope at or below the committed head: a duplicate is skipped, a
// different block at a retained height is a reorg.
func (r *Runtime) handleOld(ctx context.Context, env *chain.RawEnvelope, ptr *chain.BlockPtr) (action, error) {
	if env.BlockNumber < r.floor(ptr) {
		return actNext, nil
	}

	hash, found, err := r.blockHash(ctx, env.BlockNumber)
	if err != nil {
		return actNext, err
	}
	if found && hash == env.BlockHash {
		return actNext, nil
	}

	return r.rollback(ctx, env, ptr)
}

func (r *Runtime) gap(env *chain.RawEnvelope, want uint64) (action, error) {
	GapInc(r.loc.Hash.String())
	r.log.Infow("gap in block stream, resubscribing",
		"block", env.BlockNumber, "parent", env.ParentNumber, "want", want)

	return actBackoff, nil
}

// floor is the lowest height whose block pointer is still retained.
func (r *Runtime) floor(ptr *chain.BlockPtr) uint64 {
	start := r.manifest.StartBlock()
	if ptr.Number > r.cfg.ReorgWindow && ptr.Number-r.cfg.ReorgWindow > start {
		return ptr.Number - r.cfg.ReorgWindow
	}
	return start
}

func (r *Runtime) blockHash(ctx context.Context, n uint64) (string, bool, error) {
	var (
		hash  string
		found bool
	)

	err := r.retry(ctx, "block_hash", func() error {
		h, err := r.deps.Store.BlockHash(ctx, n)
		switch {
		case errors.Is(err, store.ErrNotFound):
			hash, found = "", false
			return nil
		case err != nil:
			return err
		}
		hash, found = h, true
		return nil
	})

	return hash, found, err
}

// ancestor returns the block to roll back to for env. A zero pointer means everything is reverted.
func (r *Runtime) ancestor(ctx context.Context, env *chain.RawEnvelope, ptr *chain.BlockPtr) (chain.BlockPtr, error) {
	floor := r.floor(ptr)

	if env.ParentNumber < env.BlockNumber && env.ParentNumber >= floor {
		hash, found, err := r.blockHash(ctx, env.ParentNumber)
		if err != nil {
			return chain.BlockPtr{}, err
		}
		if found && hash == env.ParentHash {
			return env.Parent(), nil
		}
	}

	// the parent is unknown or on the abandoned fork; step below it and let the replay prove the rest
	for n := min(env.ParentNumber, ptr.Number); n > floor; n-- {
		hash, found, err := r.blockHash(ctx, n-1)
		if err != nil {
			return chain.BlockPtr{}, err
		}
		if found {
			return chain.BlockPtr{Number: n - 1, Hash: hash}, nil
		}
	}

	start := r.manifest.StartBlock()
	if ptr.Number-start < r.cfg.ReorgWindow {
		return chain.BlockPtr{}, nil
	}

	return chain.BlockPtr{}, fmt.Errorf("%w: block %d (%s) forks below block %d",
		ErrReorgTooDeep, env.BlockNumber, env.BlockHash, floor)
}

// rollback reverts the store to the common ancestor with env's chain and resubscribes after it.
func (r *Runtime) rollback(ctx context.Context, env *chain.RawEnvelope, ptr *chain.BlockPtr) (action, error) {
	target, err := r.ancestor(ctx, env, ptr)
	if err != nil {
		return actNext, err
	}

	depth := ptr.Number - target.Number
	if target.IsZero() {
		depth = ptr.Number - r.manifest.StartBlock() + 1
	}

	r.log.Warnw("reorg detected, reverting",
		"head", ptr.String(),
		"block", env.BlockNumber,
		"hash", env.BlockHash,
		"parent", env.Parent().String(),
		"revert_to", target.String(),
		"depth", depth,
	)

	if err := r.retry(ctx, "revert", func() error { return r.deps.Store.Revert(ctx, target) }); err != nil {
		return actNext, err
	}

	if target.IsZero() {
		r.setPtr(nil)
	} else {
		r.setPtr(&target)
	}

	// reverted dynamic data sources leave the filter
	if err := r.buildFilter(ctx); err != nil {
		return actNext, err
	}

	ReorgLog(r.loc.Hash.String(), depth)

	return actResubscribe, nil
}

// process runs every trigger of a block and commits the block.
func (r *Runtime) process(ctx context.Context, env *chain.RawEnvelope) error {
	started := time.Now()

	result, err := r.deps.Scanner.Scan(env, r.filter)
	if err != nil {
		return fmt.Errorf("failed to scan block %d: %w", env.BlockNumber, err)
	}

	r.pending = nil
	for _, occ := range result.Triggers {
		if err := r.runTrigger(ctx, result.Block, occ); err != nil {
			r.deps.Store.Discard()
			return err
		}
	}

	ptr := result.Block.Ptr()
	if err := r.retry(ctx, "flush", func() error { return r.deps.Store.Flush(ctx, ptr) }); err != nil {
		r.deps.Store.Discard()
		return err
	}
	r.setPtr(&ptr)
	r.failures = 0

	if len(r.pending) > 0 {
		if err := r.filter.Extend(r.pending); err != nil {
			return fmt.Errorf("failed to add data sources at block %d: %w", ptr.Number, err)
		}
		for _, ds := range r.pending {
			r.sources[ds.Name] = ds
			r.log.Infow("data source created", "name", ds.Name, "template", ds.Template,
				"address", ds.Source.Address, "start_block", ds.Source.StartBlock)
		}
		r.pending = nil
	}

	BlockCommittedLog(r.loc.Hash.String(), ptr.Number, len(result.Triggers), time.Since(started))
	if r.deps.Observer != nil {
		r.deps.Observer.BlockCommitted(r.loc, result.Block, len(result.Triggers))
	}

	if len(result.Triggers) > 0 {
		r.log.Debugw("block committed", "block", ptr.String(), "triggers", len(result.Triggers))
	}

	return nil
}

// runTrigger dispatches one trigger. Deterministic failures are retried HandlerRetries times,
// non-deterministic ones until they succeed or the runtime is stopped.
func (r *Runtime) runTrigger(ctx context.Context, block trigger.Block, occ trigger.Occurrence) error {
	ds, ok := r.sources[occ.DataSource]
	if !ok {
		return fmt.Errorf("trigger for unknown data source %s at block %d", occ.DataSource, block.Number)
	}

	mapping := ds.Mapping
	mapping.File = r.manifest.ResolvePath(mapping.File)

	trig := handler.Trigger{
		ChainType:  r.manifest.ChainType(),
		DataKind:   occ.Kind,
		Handler:    occ.Handler,
		DataSource: occ.DataSource,
		Address:    occ.Address,
		Block:      block.Ptr(),
		Timestamp:  block.Timestamp,
		Payload:    occ.Payload,
		Context:    occ.Context,
	}

	deterministic := 0
	for attempt := 1; ; attempt++ {
		host := internalstore.NewHandle(r.deps.Store, r.validateDataSource)

		err := r.deps.Handlers.Dispatch(ctx, mapping, trig, host)
		if err == nil {
			requests, err := host.Commit(ctx)
			if err != nil {
				return fmt.Errorf("failed to stage changes of %s: %w", occ.Handler, err)
			}
			return r.addDataSources(ctx, block, requests)
		}
		host.Discard()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		nonDeterministic := handler.IsNonDeterministic(err)
		HandlerErrorInc(r.loc.Hash.String(), nonDeterministic)

		if !nonDeterministic {
			deterministic++
			if deterministic > r.cfg.HandlerRetries {
				return fmt.Errorf("handler %s failed at block %d: %w", occ.Handler, block.Number, err)
			}
		}

		r.log.Warnw("handler failed, retrying",
			"handler", occ.Handler,
			"data_source", occ.DataSource,
			"block", block.Number,
			"attempt", attempt,
			"non_deterministic", nonDeterministic,
			"error", err,
		)
		RetryInc(r.loc.Hash.String(), "handler")

		if err := r.wait(ctx, r.backoffFor(attempt)); err != nil {
			return err
		}
	}
}

// validateDataSource checks a data source request when the handler makes it.
func (r *Runtime) validateDataSource(req handler.DataSourceRequest) error {
	if req.Name == "" {
		return errors.New("data source name is required")
	}
	if _, ok := r.manifest.Template(req.Template); !ok {
		return fmt.Errorf("unknown data source template %q", req.Template)
	}
	if r.sourceExists(req.Name) {
		return fmt.Errorf("data source %q already exists", req.Name)
	}

	return nil
}

func (r *Runtime) sourceExists(name string) bool {
	if _, ok := r.sources[name]; ok {
		return true
	}
	for _, ds := range r.pending {
		if ds.Name == name {
			return true
		}
	}
	return false
}

// addDataSources stages data sources created by a handler. They join the filter after the block commits.
func (r *Runtime) addDataSources(ctx context.Context, block trigger.Block, requests []handler.DataSourceRequest) error {
	for _, req := range requests {
		if err := r.validateDataSource(req); err != nil {
			return fmt.Errorf("invalid data source at block %d: %w", block.Number, err)
		}

		tpl, _ := r.manifest.Template(req.Template)
		ds := tpl.Instantiate(req.Name, req.Address, block.Number+1, req.Context)

		err := r.deps.Store.AddDataSource(ctx, store.DynamicDataSource{
			BlockNumber: block.Number,
			Template:    req.Template,
			Name:        req.Name,
			Address:     req.Address,
			Context:     req.Context,
		})
		if err != nil {
			return handler.NonDeterministic(fmt.Errorf("failed to stage data source %s: %w", req.Name, err))
		}

		r.pending = append(r.pending, ds)
	}

	return nil
}

// retry runs fn until it succeeds, the runtime is stopped or ctx is cancelled.
func (r *Runtime) retry(ctx context.Context, operation string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.log.Warnw("store operation failed, retrying", "operation", operation, "attempt", attempt, "error", err)
		RetryInc(r.loc.Hash.String(), operation)

		if err := r.wait(ctx, r.backoffFor(attempt)); err != nil {
			return err
		}
	}
}

func (r *Runtime) backoffFor(attempt int) time.Duration {
	return rpc.Backoff(attempt+1, r.backoff)
}

// wait sleeps for d unless the runtime is stopped or ctx is cancelled first.
func (r *Runtime) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return errStopped
	case <-timer.C:
		return nil
	}
}
