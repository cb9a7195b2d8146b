package manager

import (
	"context"
	"database/sql"
	"encoding/json"
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
	"github.com/goran-ethernal/MultiChainIndexor/internal/runtime"
	"github.com/goran-ethernal/MultiChainIndexor/internal/trigger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/handler"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func manifestYAML(address string, startBlock uint64) []byte {
	return fmt.Appendf(nil, `
spec_version: "1"
data_sources:
  - kind: ethereum
    name: Token
    network: mainnet
    source:
      address: "%s"
      start_block: %d
    mapping:
      kind: native
      file: ./handlers.so
      event_handlers:
        - event: Transfer
          handler: handleTransfer
`, address, startBlock)
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	sqlDB, err := db.NewSQLiteDB(filepath.Join(t.TempDir(), "manager.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, migrations.RunMigrationsDB(logger.NewNopLogger(), sqlDB))

	return sqlDB
}

type testEvent struct {
	Address string `json:"address"`
	Event   string `json:"event"`
}

// envelope builds block n of a single linear test chain.
func envelope(n uint64, events ...testEvent) *chain.RawEnvelope {
	if events == nil {
		events = []testEvent{}
	}
	payload, _ := json.Marshal(events)

	return &chain.RawEnvelope{
		ChainType:    chain.Ethereum,
		DataKind:     chain.KindBlock,
		Network:      "mainnet",
		BlockNumber:  n,
		BlockHash:    fmt.Sprintf("0x%d", n),
		ParentNumber: n - 1,
		ParentHash:   fmt.Sprintf("0x%d", n-1),
		Version:      chain.EnvelopeVersion,
		Payload:      payload,
	}
}

type lowerNormalizer struct{}

func (lowerNormalizer) Address(addr string) (string, error) { return strings.ToLower(addr), nil }
func (lowerNormalizer) Event(event string) (string, error)  { return event, nil }
func (lowerNormalizer) Call(fn string) (string, error)      { return fn, nil }

type eventScanner struct{}

func (eventScanner) ChainType() chain.ChainType     { return chain.Ethereum }
func (eventScanner) Normalizer() trigger.Normalizer { return lowerNormalizer{} }
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

// funcHandlers dispatches every trigger to one function.
type funcHandlers struct {
	fn handler.Func
}

func (funcHandlers) Prepare(context.Context, indexer.Mapping) error { return nil }
func (funcHandlers) Close() error                                  { return nil }
func (h funcHandlers) Dispatch(ctx context.Context, _ indexer.Mapping, t handler.Trigger, host handler.Host) error {
	return h.fn(ctx, t, host)
}

func saveTransfer(ctx context.Context, t handler.Trigger, host handler.Host) error {
	return host.Save(ctx, store.Entity{
		Type: "Transfer",
		ID:   fmt.Sprintf("%s-%d", t.Address, t.Block.Number),
		Data: map[string]any{"block": t.Block.Number},
	})
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (n *recordingNotifier) Publish(event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
}

func (n *recordingNotifier) statuses(loc indexer.DeploymentLocator) []indexer.IndexerStatus {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []indexer.IndexerStatus
	for _, e := range n.events {
		if e.Type == EventStatusChanged && e.Deployment == loc {
			out = append(out, e.Status)
		}
	}
	return out
}

func (n *recordingNotifier) blocks(loc indexer.DeploymentLocator) []uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []uint64
	for _, e := range n.events {
		if e.Type == EventBlockCommitted && e.Deployment == loc {
			out = append(out, e.BlockNumber)
		}
	}
	return out
}

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
	db        *sql.DB
	hub       *hub.Hub
	chain     *testChain
	registrar *Registrar
	notifier  *recordingNotifier
	stores    StoreOpener
	cfg       config.RuntimeConfig
	handler   handler.Func
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	sqlDB := newTestDB(t)

	tc := &testChain{blocks: make(map[uint64]*chain.RawEnvelope)}
	h := hub.New(config.HubConfig{}, logger.NewNopLogger())
	t.Cleanup(h.Close)
	require.NoError(t, h.Register(chain.Ethereum, "mainnet", tc))

	return &harness{
		db:        sqlDB,
		hub:       h,
		chain:     tc,
		registrar: NewRegistrar(sqlDB, nil, logger.NewNopLogger()),
		notifier:  &recordingNotifier{},
		stores:    SQLiteStores(sqlDB, nil, logger.NewNopLogger()),
		cfg: config.RuntimeConfig{
			HandlerRetries:  1,
			RetryBackoff:    common.NewDuration(time.Millisecond),
			MaxRetryBackoff: common.NewDuration(5 * time.Millisecond),
			ReorgWindow:     16,
			StopTimeout:     common.NewDuration(time.Second),
		},
		handler: saveTransfer,
	}
}

func (e *harness) manager(t *testing.T, locker Locker) *Manager {
	t.Helper()

	m := New(e.registrar, Components{
		Hub:      e.hub,
		Scanner:  trigger.NewRegistry(logger.NewNopLogger(), eventScanner{}),
		Stores:   e.stores,
		Handlers: func() runtime.Handlers { return funcHandlers{fn: e.handler} },
		Locker:   locker,
		Notifier: e.notifier,
	}, e.cfg, logger.NewNopLogger())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Close(ctx)
	})

	return m
}

func (e *harness) deploy(t *testing.T, name, address string) indexer.DeploymentLocator {
	t.Helper()

	ctx := context.Background()
	hash, err := e.registrar.AddManifest(ctx, manifestYAML(address, 1), t.TempDir())
	require.NoError(t, err)

	loc, err := e.registrar.CreateIndexer(ctx, name, hash)
	require.NoError(t, err)

	return loc
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

func waitStatus(t *testing.T, r *Registrar, loc indexer.DeploymentLocator, want indexer.IndexerStatus) *Deployment {
	t.Helper()

	var d *Deployment
	require.Eventually(t, func() bool {
		var err error
		d, err = r.Get(context.Background(), loc.ID)
		return err == nil && d.Status == want
	}, waitFor, time.Millisecond, "deployment %s never reached %s", loc, want)

	return d
}

func waitBlock(t *testing.T, m *Manager, loc indexer.DeploymentLocator, want uint64) {
	t.Helper()

	require.Eventually(t, func() bool {
		st, err := m.Status(context.Background(), loc)
		return err == nil && st.BlockPtr != nil && st.BlockPtr.Number == want
	}, waitFor, time.Millisecond, "deployment %s never reached block %d", loc, want)
}
