package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/db"
	"github.com/goran-ethernal/MultiChainIndexor/internal/hub"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/migrations"
	internalstore "github.com/goran-ethernal/MultiChainIndexor/internal/store"
	"github.com/goran-ethernal/MultiChainIndexor/internal/trigger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/handler"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
	"github.com/stretchr/testify/require"
)

const testManifest = `
spec_version: "1"
data_sources:
  - kind: ethereum
    name: Token
    network: mainnet
    source:
      address: "0xtoken"
      start_block: 1
    mapping:
      kind: native
      file: ./handlers.so
      event_handlers:
        - event: Transfer
          handler: handleTransfer
        - event: PairCreated
          handler: handlePairCreated
templates:
  - kind: ethereum
    name: Pair
    network: mainnet
    mapping:
      kind: native
      file: ./pair.so
      event_handlers:
        - event: Sync
          handler: handleSync
`

const waitFor = 5 * time.Second

type testEvent struct {
	Address string `json:"address"`
	Event   string `json:"event"`
}

func ev(address, event string) testEvent {
	return testEvent{Address: address, Event: event}
}

func hashOf(fork string, n uint64) string {
	return fmt.Sprintf("0x%s%d", fork, n)
}

// blockOn builds block n of fork on top of parent.
func blockOn(n uint64, fork string, parent chain.BlockPtr, events ...testEvent) *chain.RawEnvelope {
	if events == nil {
		events = []testEvent{}
	}
	payload, _ := json.Marshal(events)

	return &chain.RawEnvelope{
		ChainType:    chain.Ethereum,
		DataKind:     chain.KindBlock,
		Network:      "mainnet",
		BlockNumber:  n,
		BlockHash:    hashOf(fork, n),
		ParentNumber: parent.Number,
		ParentHash:   parent.Hash,
		Version:      chain.EnvelopeVersion,
		Payload:      payload,
	}
}

// block builds block n of fork on top of block n-1 of the same fork.
func block(n uint64, fork string, events ...testEvent) *chain.RawEnvelope {
	return blockOn(n, fork, chain.BlockPtr{Number: n - 1, Hash: hashOf(fork, n-1)}, events...)
}

type identityNormalizer struct{}

func (identityNormalizer) Address(addr string) (string, error) { return strings.ToLower(addr), nil }
func (identityNormalizer) Event(event string) (string, error)  { return event, nil }
func (identityNormalizer) Call(fn string) (string, error)      { return fn, nil }

// eventScanner decodes a JSON list of events.
type eventScanner struct{}

func (eventScanner) ChainType() chain.ChainType         { return chain.Ethereum }
func (eventScanner) Normalizer() trigger.Normalizer     { return identityNormalizer{} }
func (eventScanner) Scan(env *chain.RawEnvelope, f *trigger.Filter) (*trigger.BlockWithTriggers, error) {
	var events []testEvent
	if err := json.Unmarshal(env.Payload, &events); err != nil {
		return nil, err
	}

	result := trigger.NewBlockWithTriggers(trigger.BlockFromEnvelope(env))
	for i, e := range events {
		payload, _ := json.Marshal(e)
		result.Add(chain.KindEvent, i, f.MatchEvent(env.BlockNumber, strings.ToLower(e.Address), e.Event), payload)
	}

	return result, nil
}

type fakeHandlers struct {
	mu         sync.Mutex
	fns        map[string]handler.Func
	calls      map[string]int
	prepared   []string
	prepareErr error
	closed     bool
}

func newFakeHandlers() *fakeHandlers {
	return &fakeHandlers{fns: make(map[string]handler.Func), calls: make(map[string]int)}
}

func (f *fakeHandlers) on(name string, fn handler.Func) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns[name] = fn
}

func (f *fakeHandlers) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeHandlers) Prepare(_ context.Context, mapping indexer.Mapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, mapping.File)
	return f.prepareErr
}

func (f *fakeHandlers) Dispatch(ctx context.Context, _ indexer.Mapping, t handler.Trigger, host handler.Host) error {
	f.mu.Lock()
	f.calls[t.Handler]++
	fn := f.fns[t.Handler]
	f.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx, t, host)
}

func (f *fakeHandlers) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type recordingObserver struct {
	mu        sync.Mutex
	statuses  []indexer.IndexerStatus
	committed []uint64
}

func (o *recordingObserver) StatusChanged(_ indexer.DeploymentLocator, status indexer.IndexerStatus, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *recordingObserver) BlockCommitted(_ indexer.DeploymentLocator, b trigger.Block, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.committed = append(o.committed, b.Number)
}

func (o *recordingObserver) snapshot() ([]indexer.IndexerStatus, []uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]indexer.IndexerStatus(nil), o.statuses...), append([]uint64(nil), o.committed...)
}

// testChain is the replay source of the test hub.
type testChain struct {
	mu     sync.Mutex
	blocks map[uint64]*chain.RawEnvelope
	head   uint64
}

func (c *testChain) Head(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *testChain) Replay(_ context.Context, from, to uint64, emit func(*chain.RawEnvelope) error) error {
	for n := from; n <= to; n++ {
		c.mu.Lock()
		b, ok := c.blocks[n]
		c.mu.Unlock()
		if !ok {
			continue
		}
		if err := emit(b); err != nil {
			return err
		}
	}
	return nil
}

type harness struct {
	hub      *hub.Hub
	chain    *testChain
	store    *internalstore.SQLiteStore
	handlers *fakeHandlers
	observer *recordingObserver
	manifest *indexer.Manifest
	cfg      config.RuntimeConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	sqlDB, err := db.NewSQLiteDB(filepath.Join(t.TempDir(), "runtime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, migrations.RunMigrationsDB(logger.NewNopLogger(), sqlDB))

	manifest, err := indexer.ParseManifest([]byte(testManifest))
	require.NoError(t, err)

	tc := &testChain{blocks: make(map[uint64]*chain.RawEnvelope)}
	h := hub.New(config.HubConfig{}, logger.NewNopLogger())
	t.Cleanup(h.Close)
	require.NoError(t, h.Register(chain.Ethereum, "mainnet", tc))

	return &harness{
		hub:      h,
		chain:    tc,
		store:    internalstore.NewSQLiteStore(sqlDB, manifest.Hash().String(), 16, nil, logger.NewNopLogger()),
		handlers: newFakeHandlers(),
		observer: &recordingObserver{},
		manifest: manifest,
		cfg: config.RuntimeConfig{
			HandlerRetries:  2,
			RetryBackoff:    common.NewDuration(time.Millisecond),
			MaxRetryBackoff: common.NewDuration(5 * time.Millisecond),
			ReorgWindow:     16,
		},
	}
}

func (e *harness) publish(t *testing.T, envs ...*chain.RawEnvelope) {
	t.Helper()

	for _, b := range envs {
		e.chain.mu.Lock()
		e.chain.blocks[b.BlockNumber] = b
		e.chain.head = b.BlockNumber
		e.chain.mu.Unlock()

		require.NoError(t, e.hub.Publish(context.Background(), b))
	}
}

func (e *harness) runtime() *Runtime {
	return e.runtimeWith(e.hub)
}

func (e *harness) runtimeWith(sub hub.Subscriber) *Runtime {
	loc := indexer.DeploymentLocator{ID: 1, Hash: e.manifest.Hash()}
	return New(loc, e.manifest, Deps{
		Store:    e.store,
		Hub:      sub,
		Scanner:  trigger.NewRegistry(logger.NewNopLogger(), eventScanner{}),
		Handlers: e.handlers,
		Observer: e.observer,
	}, e.cfg, logger.NewNopLogger())
}

// start runs r in the background and returns a channel with Run's result.
func start(ctx context.Context, r *Runtime) <-chan error {
	result := make(chan error, 1)
	go func() { result <- r.Run(ctx) }()
	return result
}

func waitBlock(t *testing.T, r *Runtime, want chain.BlockPtr) {
	t.Helper()
	require.Eventually(t, func() bool {
		ptr := r.BlockPtr()
		return ptr != nil && *ptr == want
	}, waitFor, time.Millisecond, "want %s, have %v", want, r.BlockPtr())
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(waitFor):
		t.Fatal("runtime did not return")
		return nil
	}
}

func countTransfers(fork string) handler.Func {
	return func(ctx context.Context, t handler.Trigger, host handler.Host) error {
		return host.Save(ctx, store.Entity{
			Type: "Transfer",
			ID:   t.Block.Hash,
			Data: map[string]any{"block": t.Block.Number, "fork": fork},
		})
	}
}

func TestRuntime_IndexesBlocks(t *testing.T) {
	e := newHarness(t)
	e.handlers.on("handleTransfer", countTransfers("a"))

	e.publish(t,
		block(1, "a"),
		block(2, "a", ev("0xToken", "Transfer"), ev("0xother", "Transfer")),
		block(3, "a"),
		block(4, "a", ev("0xtoken", "Transfer")),
	)

	r := e.runtime()
	result := start(context.Background(), r)
	waitBlock(t, r, chain.BlockPtr{Number: 4, Hash: "0xa4"})

	status, err := r.Status()
	require.Equal(t, indexer.StatusDeployed, status)
	require.NoError(t, err)

	require.Equal(t, 2, e.handlers.count("handleTransfer"))

	ctx := context.Background()
	for _, id := range []string{"0xa2", "0xa4"} {
		entity, err := e.store.Get(ctx, "Transfer", id)
		require.NoError(t, err)
		require.NotNil(t, entity, id)
	}

	// live blocks keep flowing
	e.publish(t, block(5, "a", ev("0xtoken", "Transfer")))
	waitBlock(t, r, chain.BlockPtr{Number: 5, Hash: "0xa5"})

	r.Stop()
	require.NoError(t, waitResult(t, result))

	status, err = r.Status()
	require.Equal(t, indexer.StatusStopped, status)
	require.NoError(t, err)

	statuses, committed := e.observer.snapshot()
	require.Equal(t, []indexer.IndexerStatus{
		indexer.StatusDeploying, indexer.StatusDeployed, indexer.StatusStopped,
	}, statuses)
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, committed)

	require.True(t, e.handlers.closed)
	require.Equal(t, []string{"./handlers.so", "./pair.so"}, e.handlers.prepared)
}

func TestRuntime_ResumesFromBlockPtr(t *testing.T) {
	e := newHarness(t)
	ctx := context.Background()
	require.NoError(t, e.store.Flush(ctx, chain.BlockPtr{Number: 2, Hash: "0xa2"}))

	e.publish(t,
		block(1, "a", ev("0xtoken", "Transfer")),
		block(2, "a", ev("0xtoken", "Transfer")),
		block(3, "a", ev("0xtoken", "Transfer")),
	)

	r := e.runtime()
	result := start(ctx, r)
	waitBlock(t, r, chain.BlockPtr{Number: 3, Hash: "0xa3"})

	require.Equal(t, 1, e.handlers.count("handleTransfer"))

	r.Stop()
	require.NoError(t, waitResult(t, result))
}

func TestRuntime_Reorg(t *testing.T) {
	e := newHarness(t)
	e.handlers.on("handleTransfer", countTransfers("a"))

	e.publish(t,
		block(1, "a"),
		block(2, "a"),
		block(3, "a"),
		block(4, "a", ev("0xtoken", "Transfer")),
		block(5, "a", ev("0xtoken", "Transfer")),
	)

	r := e.runtime()
	result := start(context.Background(), r)
	waitBlock(t, r, chain.BlockPtr{Number: 5, Hash: "0xa5"})

	e.handlers.on("handleTransfer", countTransfers("b"))
	e.publish(t,
		blockOn(4, "b", chain.BlockPtr{Number: 3, Hash: "0xa3"}, ev("0xtoken", "Transfer")),
		block(5, "b"),
		block(6, "b", ev("0xtoken", "Transfer")),
	)
	waitBlock(t, r, chain.BlockPtr{Number: 6, Hash: "0xb6"})

	ctx := context.Background()
	for _, id := range []string{"0xa4", "0xa5"} {
		entity, err := e.store.Get(ctx, "Transfer", id)
		require.NoError(t, err)
		require.Nil(t, entity, "%s should be reverted", id)
	}
	for _, id := range []string{"0xb4", "0xb6"} {
		entity, err := e.store.Get(ctx, "Transfer", id)
		require.NoError(t, err)
		require.NotNil(t, entity, id)
		require.Equal(t, "b", entity.Data["fork"])
	}

	hash, err := e.store.BlockHash(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, "0xb4", hash)

	r.Stop()
	require.NoError(t, waitResult(t, result))
}

func TestRuntime_ReorgTooDeep(t *testing.T) {
	e := newHarness(t)
	e.cfg.ReorgWindow = 2

	for n := uint64(1); n <= 6; n++ {
		e.publish(t, block(n, "a"))
	}

	r := e.runtime()
	result := start(context.Background(), r)
	waitBlock(t, r, chain.BlockPtr{Number: 6, Hash: "0xa6"})

	// fork from block 1, four blocks below the head
	e.publish(t,
		blockOn(2, "c", chain.BlockPtr{Number: 1, Hash: "0xa1"}),
		block(3, "c"),
		block(4, "c"),
	)

	err := waitResult(t, result)
	require.ErrorIs(t, err, ErrReorgTooDeep)

	status, statusErr := r.Status()
	require.Equal(t, indexer.StatusInvalid, status)
	require.ErrorIs(t, statusErr, ErrReorgTooDeep)
	require.Equal(t, uint64(6), r.BlockPtr().Number)
}

func TestRuntime_DeterministicFailureInvalidates(t *testing.T) {
	e := newHarness(t)
	e.handlers.on("handleTransfer", func(ctx context.Context, _ handler.Trigger, host handler.Host) error {
		if err := host.Save(ctx, store.Entity{Type: "Partial", ID: "1"}); err != nil {
			return err
		}
		return errors.New("division by zero")
	})

	e.publish(t, block(1, "a"), block(2, "a", ev("0xtoken", "Transfer")))

	r := e.runtime()
	err := waitResult(t, start(context.Background(), r))
	require.ErrorContains(t, err, "division by zero")

	status, statusErr := r.Status()
	require.Equal(t, indexer.StatusInvalid, status)
	require.Error(t, statusErr)

	// one call plus HandlerRetries retries
	require.Equal(t, 3, e.handlers.count("handleTransfer"))
	require.Equal(t, chain.BlockPtr{Number: 1, Hash: "0xa1"}, *r.BlockPtr())

	entity, err := e.store.Get(context.Background(), "Partial", "1")
	require.NoError(t, err)
	require.Nil(t, entity)
}

func TestRuntime_FailedTriggerDiscardsWholeBlock(t *testing.T) {
	e := newHarness(t)
	e.handlers.on("handleTransfer", countTransfers("a"))
	e.handlers.on("handlePairCreated", func(context.Context, handler.Trigger, handler.Host) error {
		return errors.New("boom")
	})

	e.publish(t, block(1, "a", ev("0xtoken", "Transfer"), ev("0xtoken", "PairCreated")))

	r := e.runtime()
	err := waitResult(t, start(context.Background(), r))
	require.ErrorContains(t, err, "boom")

	status, statusErr := r.Status()
	require.Equal(t, indexer.StatusInvalid, status)
	require.Error(t, statusErr)

	// the first trigger succeeded once, before the second one exhausted its retries
	require.Equal(t, 1, e.handlers.count("handleTransfer"))
	require.Equal(t, 3, e.handlers.count("handlePairCreated"))

	require.Nil(t, r.BlockPtr())

	ctx := context.Background()
	entity, err := e.store.Get(ctx, "Transfer", "0xa1")
	require.NoError(t, err)
	require.Nil(t, entity, "mutations of earlier triggers in the block are discarded")

	ptr, err := e.store.BlockPtr(ctx)
	require.NoError(t, err)
	require.Nil(t, ptr)

	_, committed := e.observer.snapshot()
	require.Empty(t, committed)
}

func TestRuntime_NonDeterministicFailureRetried(t *testing.T) {
	e := newHarness(t)
	e.cfg.HandlerRetries = 1

	failures := 0
	e.handlers.on("handleTransfer", func(ctx context.Context, t handler.Trigger, host handler.Host) error {
		if failures < 5 {
			failures++
			return handler.NonDeterministic(errors.New("database is locked"))
		}
		return countTransfers("a")(ctx, t, host)
	})

	e.publish(t, block(1, "a", ev("0xtoken", "Transfer")))

	r := e.runtime()
	result := start(context.Background(), r)
	waitBlock(t, r, chain.BlockPtr{Number: 1, Hash: "0xa1"})

	require.Equal(t, 6, e.handlers.count("handleTransfer"))

	r.Stop()
	require.NoError(t, waitResult(t, result))
}

func TestRuntime_StopDuringRetry(t *testing.T) {
	e := newHarness(t)
	e.cfg.RetryBackoff = common.NewDuration(time.Hour)
	e.cfg.MaxRetryBackoff = common.NewDuration(time.Hour)
	e.handlers.on("handleTransfer", func(context.Context, handler.Trigger, handler.Host) error {
		return handler.NonDeterministic(errors.New("rpc unavailable"))
	})

	e.publish(t, block(1, "a"), block(2, "a", ev("0xtoken", "Transfer")))

	r := e.runtime()
	result := start(context.Background(), r)
	waitBlock(t, r, chain.BlockPtr{Number: 1, Hash: "0xa1"})
	require.Eventually(t, func() bool { return e.handlers.count("handleTransfer") == 1 }, waitFor, time.Millisecond)

	r.Stop()
	require.NoError(t, waitResult(t, result))

	status, err := r.Status()
	require.Equal(t, indexer.StatusStopped, status)
	require.NoError(t, err)
	require.Equal(t, uint64(1), r.BlockPtr().Number)
}

func TestRuntime_ContextCancel(t *testing.T) {
	e := newHarness(t)
	e.publish(t, block(1, "a"))

	ctx, cancel := context.WithCancel(context.Background())
	r := e.runtime()
	result := start(ctx, r)
	waitBlock(t, r, chain.BlockPtr{Number: 1, Hash: "0xa1"})

	cancel()
	require.ErrorIs(t, waitResult(t, result), context.Canceled)

	status, err := r.Status()
	require.Equal(t, indexer.StatusStopped, status)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRuntime_PrepareFailureInvalidates(t *testing.T) {
	e := newHarness(t)
	e.handlers.prepareErr = errors.New("failed to load mapping ./handlers.so: plugin was built with a different version")

	r := e.runtime()
	err := waitResult(t, start(context.Background(), r))
	require.ErrorContains(t, err, "different version")

	status, _ := r.Status()
	require.Equal(t, indexer.StatusInvalid, status)
	require.True(t, e.handlers.closed)
}

func TestRuntime_UnknownChainStops(t *testing.T) {
	e := newHarness(t)
	e.hub = hub.New(config.HubConfig{}, logger.NewNopLogger())
	t.Cleanup(e.hub.Close)

	r := e.runtime()
	err := waitResult(t, start(context.Background(), r))
	require.ErrorIs(t, err, hub.ErrUnknownChain)

	status, _ := r.Status()
	require.Equal(t, indexer.StatusStopped, status)
}

func TestRuntime_DynamicDataSources(t *testing.T) {
	e := newHarness(t)
	e.handlers.on("handlePairCreated", func(ctx context.Context, _ handler.Trigger, host handler.Host) error {
		return host.CreateDataSource(ctx, handler.DataSourceRequest{
			Template: "Pair",
			Name:     "pair-1",
			Address:  "0xpair",
			Context:  map[string]any{"token0": "0xtoken"},
		})
	})
	e.handlers.on("handleSync", func(ctx context.Context, t handler.Trigger, host handler.Host) error {
		return host.Save(ctx, store.Entity{
			Type: "Sync",
			ID:   t.Block.Hash,
			Data: map[string]any{"data_source": t.DataSource, "token0": t.Context["token0"]},
		})
	})

	e.publish(t,
		block(1, "a"),
		// the pair is not indexed in the block that creates it
		block(2, "a", ev("0xtoken", "PairCreated"), ev("0xpair", "Sync")),
		block(3, "a", ev("0xpair", "Sync")),
	)

	r := e.runtime()
	result := start(context.Background(), r)
	waitBlock(t, r, chain.BlockPtr{Number: 3, Hash: "0xa3"})

	require.Equal(t, 1, e.handlers.count("handleSync"))

	ctx := context.Background()
	entity, err := e.store.Get(ctx, "Sync", "0xa3")
	require.NoError(t, err)
	require.NotNil(t, entity)
	require.Equal(t, "pair-1", entity.Data["data_source"])
	require.Equal(t, "0xtoken", entity.Data["token0"])

	sources, err := e.store.DataSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, uint64(2), sources[0].BlockNumber)

	// a second source with the same name is rejected and invalidates the deployment
	e.publish(t, block(4, "a", ev("0xtoken", "PairCreated")))
	err = waitResult(t, result)
	require.ErrorContains(t, err, `data source "pair-1" already exists`)
}

func TestRuntime_DynamicDataSourceRevertedByReorg(t *testing.T) {
	e := newHarness(t)
	e.handlers.on("handlePairCreated", func(ctx context.Context, _ handler.Trigger, host handler.Host) error {
		return host.CreateDataSource(ctx, handler.DataSourceRequest{Template: "Pair", Name: "pair-1", Address: "0xpair"})
	})

	e.publish(t, block(1, "a"), block(2, "a", ev("0xtoken", "PairCreated")), block(3, "a"))

	r := e.runtime()
	result := start(context.Background(), r)
	waitBlock(t, r, chain.BlockPtr{Number: 3, Hash: "0xa3"})

	// the new fork does not create the pair; its Sync event must not match
	e.publish(t,
		blockOn(2, "b", chain.BlockPtr{Number: 1, Hash: "0xa1"}),
		block(3, "b"),
		block(4, "b", ev("0xpair", "Sync")),
	)
	waitBlock(t, r, chain.BlockPtr{Number: 4, Hash: "0xb4"})

	require.Equal(t, 0, e.handlers.count("handleSync"))

	sources, err := e.store.DataSources(context.Background())
	require.NoError(t, err)
	require.Empty(t, sources)

	r.Stop()
	require.NoError(t, waitResult(t, result))
}
