package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/db"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/migrations"
	"github.com/goran-ethernal/MultiChainIndexor/internal/reorg"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/stretchr/testify/require"
)

// fakeChain is an in-memory chain whose blocks can be replaced to simulate reorgs.
type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	forks     map[uint64]string // block number -> fork label
	skipped   map[uint64]bool
	headErrs  int
	fetchErrs int
	closed    bool
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{head: head, forks: map[uint64]string{}, skipped: map[uint64]bool{}}
}

func (c *fakeChain) hashLocked(n uint64) string {
	fork := c.forks[n]
	if fork == "" {
		fork = "a"
	}
	return fmt.Sprintf("0x%s%d", fork, n)
}

func (c *fakeChain) parentLocked(n uint64) uint64 {
	p := n - 1
	for p > 0 && c.skipped[p] {
		p--
	}
	return p
}

func (c *fakeChain) ChainType() chain.ChainType { return chain.Solana }
func (c *fakeChain) Network() string            { return "devnet" }

func (c *fakeChain) Head(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.headErrs > 0 {
		c.headErrs--
		return 0, errors.New("connection refused")
	}
	return c.head, nil
}

func (c *fakeChain) Fetch(_ context.Context, n uint64) (*chain.RawEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fetchErrs > 0 {
		c.fetchErrs--
		return nil, errors.New("timeout")
	}
	if c.skipped[n] {
		return nil, nil
	}

	parent := c.parentLocked(n)
	return &chain.RawEnvelope{
		ChainType:    chain.Solana,
		DataKind:     chain.KindBlock,
		Network:      "devnet",
		BlockNumber:  n,
		BlockHash:    c.hashLocked(n),
		ParentNumber: parent,
		ParentHash:   c.hashLocked(parent),
		Version:      chain.EnvelopeVersion,
	}, nil
}

func (c *fakeChain) Hash(_ context.Context, n uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.skipped[n] {
		return "", nil
	}
	return c.hashLocked(n), nil
}

func (c *fakeChain) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeChain) fork(label string, from uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := from; n <= c.head; n++ {
		c.forks[n] = label
	}
}

type recorder struct {
	mu   sync.Mutex
	envs []*chain.RawEnvelope
}

func (r *recorder) Publish(_ context.Context, env *chain.RawEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) numbers() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]uint64, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env.BlockNumber)
	}
	return out
}

type testEnv struct {
	chain    *fakeChain
	pub      *recorder
	cursors  *CursorStore
	detector *reorg.Detector
}

func newTestEnv(t *testing.T, head uint64) *testEnv {
	t.Helper()

	sqlDB, err := db.NewSQLiteDB(filepath.Join(t.TempDir(), "watcher.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, migrations.RunMigrationsDB(logger.NewNopLogger(), sqlDB))

	return &testEnv{
		chain:    newFakeChain(head),
		pub:      &recorder{},
		cursors:  NewCursorStore(sqlDB, nil, logger.NewNopLogger()),
		detector: reorg.NewDetector(sqlDB, chain.Solana, "devnet", 16, nil, logger.NewNopLogger()),
	}
}

func (e *testEnv) watcher(startBlock, batch uint64) *Watcher {
	cfg := config.ChainConfig{
		Type:         "solana",
		Network:      "devnet",
		StartBlock:   startBlock,
		BatchSize:    batch,
		PollInterval: common.NewDuration(10 * time.Millisecond),
		Retry: &config.RetryConfig{
			MaxAttempts:       1,
			InitialBackoff:    common.NewDuration(time.Millisecond),
			MaxBackoff:        common.NewDuration(5 * time.Millisecond),
			BackoffMultiplier: 2,
		},
	}

	return New(e.chain, cfg, e.cursors, e.detector, e.pub, logger.NewNopLogger())
}

func TestWatcher_PublishesInBatches(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10)
	w := env.watcher(3, 4)

	caughtUp, err := w.poll(ctx)
	require.NoError(t, err)
	require.False(t, caughtUp)
	require.Equal(t, []uint64{3, 4, 5, 6}, env.pub.numbers())

	caughtUp, err = w.poll(ctx)
	require.NoError(t, err)
	require.True(t, caughtUp)
	require.Equal(t, []uint64{3, 4, 5, 6, 7, 8, 9, 10}, env.pub.numbers())

	cursor, err := env.cursors.Get(ctx, chain.Solana, "devnet")
	require.NoError(t, err)
	require.Equal(t, chain.BlockPtr{Number: 10, Hash: "0xa10"}, cursor.Ptr())

	head, err := w.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), head)
}

func TestWatcher_StartsAtHeadWithoutStartBlock(t *testing.T) {
	env := newTestEnv(t, 42)
	w := env.watcher(0, 10)

	_, err := w.poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, env.pub.numbers())
}

func TestWatcher_ResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 5)

	_, err := env.watcher(1, 10).poll(ctx)
	require.NoError(t, err)

	env.chain.head = 8
	restarted := env.watcher(1, 10)
	_, err = restarted.poll(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8}, env.pub.numbers())
}

func TestWatcher_SkipsEmptySlots(t *testing.T) {
	env := newTestEnv(t, 6)
	env.chain.skipped[3] = true
	env.chain.skipped[4] = true
	w := env.watcher(1, 10)

	_, err := w.poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 5, 6}, env.pub.numbers())
	require.Equal(t, uint64(2), env.pub.envs[2].ParentNumber)
}

func TestWatcher_ReorgReemitsCanonicalChain(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10)
	w := env.watcher(1, 100)

	_, err := w.poll(ctx)
	require.NoError(t, err)

	env.chain.head = 12
	env.chain.fork("b", 8)

	// detects the reorg at block 11 and rewinds to the ancestor
	_, err = w.poll(ctx)
	require.NoError(t, err)
	require.Equal(t, &chain.BlockPtr{Number: 7, Hash: "0xa7"}, w.Cursor())

	_, err = w.poll(ctx)
	require.NoError(t, err)

	published := env.pub.numbers()
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 8, 9, 10, 11, 12}, published)

	last := env.pub.envs[len(env.pub.envs)-1]
	require.Equal(t, "0xb12", last.BlockHash)
	require.Equal(t, "0xb11", last.ParentHash)
}

func TestWatcher_OrphanedSlotIsReorg(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 5)
	w := env.watcher(1, 100)

	_, err := w.poll(ctx)
	require.NoError(t, err)

	// slot 5 is dropped from the canonical chain and 6 builds on 4
	env.chain.head = 6
	env.chain.skipped[5] = true

	_, err = w.poll(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), w.Cursor().Number)

	_, err = w.poll(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, env.pub.numbers())
	require.Equal(t, uint64(4), env.pub.envs[5].ParentNumber)
}

func TestWatcher_Replay(t *testing.T) {
	env := newTestEnv(t, 10)
	env.chain.skipped[4] = true
	w := env.watcher(1, 10)

	var got []uint64
	err := w.Replay(context.Background(), 2, 6, func(e *chain.RawEnvelope) error {
		got = append(got, e.BlockNumber)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 3, 5, 6}, got)

	stop := errors.New("stop")
	err = w.Replay(context.Background(), 2, 6, func(*chain.RawEnvelope) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestWatcher_RunRetriesNodeFailures(t *testing.T) {
	env := newTestEnv(t, 3)
	env.chain.headErrs = 2
	env.chain.fetchErrs = 1
	w := env.watcher(1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(env.pub.numbers()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, []uint64{1, 2, 3}, env.pub.numbers())

	w.Close()
	require.True(t, env.chain.closed)
}

func TestWatcher_WakeTriggersPoll(t *testing.T) {
	env := newTestEnv(t, 1)
	wake := make(chan struct{}, 1)
	w := env.watcher(1, 10)
	w.cfg.PollInterval = common.NewDuration(time.Hour)
	WithWake(wake)(w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(env.pub.numbers()) == 1 }, time.Second, 5*time.Millisecond)

	env.chain.mu.Lock()
	env.chain.head = 2
	env.chain.mu.Unlock()
	wake <- struct{}{}

	require.Eventually(t, func() bool { return len(env.pub.numbers()) == 2 }, time.Second, 5*time.Millisecond)
}
