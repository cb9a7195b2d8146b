// Package watcher follows one chain and publishes its blocks as raw envelopes in increasing order.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/metrics"
	"github.com/goran-ethernal/MultiChainIndexor/internal/reorg"
	"github.com/goran-ethernal/MultiChainIndexor/internal/rpc"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
)

// Source reads blocks of one chain from a node.
type Source interface {
	ChainType() chain.ChainType
	Network() string

	// Head returns the highest block the watcher may publish.
	Head(ctx context.Context) (uint64, error)
	// Fetch returns the envelope of block n, or nil if the height holds no block.
	Fetch(ctx context.Context, n uint64) (*chain.RawEnvelope, error)
	// Hash returns the canonical hash at height n, or "" if the height holds no block.
	Hash(ctx context.Context, n uint64) (string, error)

	Close()
}

// Publisher receives published envelopes. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, env *chain.RawEnvelope) error
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithWake makes the watcher poll as soon as a value arrives on wake instead of waiting for the
// poll interval.
func WithWake(wake <-chan struct{}) Option {
	return func(w *Watcher) {
		w.wake = wake
	}
}

// Watcher publishes the blocks of one chain, resuming from its persisted cursor.
type Watcher struct {
	source    Source
	cfg       config.ChainConfig
	cursors   *CursorStore
	detector  *reorg.Detector
	publisher Publisher
	wake      <-chan struct{}
	log       *logger.Logger

	chainLabel string

	mu        sync.RWMutex
	published *chain.BlockPtr
	next      uint64
	resumed   bool
}

// New creates a watcher of source.
func New(
	source Source,
	cfg config.ChainConfig,
	cursors *CursorStore,
	detector *reorg.Detector,
	publisher Publisher,
	log *logger.Logger,
	opts ...Option,
) *Watcher {
	w := &Watcher{
		source:     source,
		cfg:        cfg,
		cursors:    cursors,
		detector:   detector,
		publisher:  publisher,
		chainLabel: source.ChainType().String(),
		log: log.WithComponent(common.ComponentWatcher).WithFields(
			"chain", source.ChainType(),
			"network", source.Network(),
		),
	}
	if w.cfg.Retry == nil {
		w.cfg.Retry = &config.RetryConfig{}
		w.cfg.Retry.ApplyDefaults()
	}
	for _, opt := range opts {
		opt(w)
	}

	return w
}

// ChainType returns the chain type of the watched chain.
func (w *Watcher) ChainType() chain.ChainType {
	return w.source.ChainType()
}

// Network returns the network of the watched chain.
func (w *Watcher) Network() string {
	return w.source.Network()
}

// Run publishes blocks until ctx is cancelled. Node failures are logged, counted and retried with
// backoff; they never terminate the loop.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("starting watcher")
	metrics.ComponentHealthSet(common.ComponentWatcher, true)
	defer metrics.ComponentHealthSet(common.ComponentWatcher, false)

	attempt := 0
	for {
		caughtUp, err := w.poll(ctx)
		if ctx.Err() != nil {
			w.log.Info("watcher stopped")
			return nil
		}

		if err != nil {
			attempt++
			WatcherErrorInc(w.chainLabel, w.source.Network())
			metrics.ErrorsInc(common.ComponentWatcher, "poll")

			delay := rpc.Backoff(attempt+1, w.cfg.Retry)
			w.log.Warnw("watcher iteration failed, retrying",
				"error", err,
				"attempt", attempt,
				"backoff", delay,
			)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		attempt = 0

		if !caughtUp {
			continue
		}

		select {
		case <-ctx.Done():
			w.log.Info("watcher stopped")
			return nil
		case <-time.After(w.cfg.PollInterval.Duration):
		case <-w.wake:
		}
	}
}

// poll publishes the next batch of blocks up to the head. It reports whether the head was reached.
func (w *Watcher) poll(ctx context.Context) (bool, error) {
	if err := w.resume(ctx); err != nil {
		return false, err
	}

	head, err := w.source.Head(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get head: %w", err)
	}
	HeadBlockSet(w.chainLabel, w.source.Network(), head)

	w.mu.Lock()
	if !w.resumed {
		w.next = head
		if w.cfg.StartBlock > 0 {
			w.next = w.cfg.StartBlock
		}
		w.resumed = true
		w.log.Infow("starting fresh", "start_block", w.next)
	}
	next := w.next
	w.mu.Unlock()

	if next > head {
		return true, nil
	}

	to := head
	if w.cfg.BatchSize > 0 && next+w.cfg.BatchSize-1 < head {
		to = next + w.cfg.BatchSize - 1
	}

	for n := next; n <= to; n++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		start := time.Now()
		env, err := w.source.Fetch(ctx, n)
		FetchDurationLog(w.chainLabel, w.source.Network(), time.Since(start))
		if err != nil {
			return false, fmt.Errorf("failed to fetch block %d: %w", n, err)
		}

		if env == nil {
			SkippedSlotInc(w.chainLabel, w.source.Network())
			w.setNext(n + 1)
			continue
		}

		if err := w.detector.Verify(ctx, env); err != nil {
			if reorgErr, ok := reorg.IsReorg(err); ok {
				return false, w.handleReorg(ctx, reorgErr)
			}
			return false, err
		}

		if err := w.publish(ctx, env); err != nil {
			return false, err
		}
	}

	return to == head, nil
}

// publish hands env to the publisher, then records its hash and advances the cursor.
// A crash in between re-publishes env on restart; consumers skip duplicates.
func (w *Watcher) publish(ctx context.Context, env *chain.RawEnvelope) error {
	if err := w.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to publish block %d: %w", env.BlockNumber, err)
	}

	if err := w.detector.Record(ctx, env); err != nil {
		return fmt.Errorf("failed to record block %d: %w", env.BlockNumber, err)
	}

	ptr := env.Ptr()
	if err := w.cursors.Save(ctx, w.source.ChainType(), w.source.Network(), ptr); err != nil {
		return err
	}

	w.mu.Lock()
	w.published = &ptr
	w.next = ptr.Number + 1
	w.mu.Unlock()

	BlockPublishedLog(w.chainLabel, w.source.Network(), ptr.Number)
	w.log.Debugw("published block", "block", ptr.Number, "hash", ptr.Hash)

	return nil
}

// handleReorg rewinds the stored hashes and the cursor to the common ancestor so the next poll
// re-emits the canonical chain from the block after it.
func (w *Watcher) handleReorg(ctx context.Context, reorgErr *reorg.ReorgDetectedError) error {
	w.log.Warnw("handling reorg",
		"first_reorg_block", reorgErr.FirstReorgBlock,
		"details", reorgErr.Details,
	)

	ancestor, found, err := w.detector.FindCommonAncestor(ctx, w.source)
	if err != nil {
		return fmt.Errorf("failed to find common ancestor: %w", err)
	}

	if !found && ancestor.Number > 0 {
		hash, err := w.source.Hash(ctx, ancestor.Number)
		if err != nil {
			return fmt.Errorf("failed to get hash of block %d: %w", ancestor.Number, err)
		}
		ancestor.Hash = hash
	}

	if err := w.detector.Rewind(ctx, ancestor.Number); err != nil {
		return err
	}
	if err := w.cursors.Save(ctx, w.source.ChainType(), w.source.Network(), ancestor); err != nil {
		return err
	}

	w.mu.Lock()
	w.published = &ancestor
	w.next = ancestor.Number + 1
	w.mu.Unlock()

	w.log.Infow("reorg handled, resuming from common ancestor",
		"ancestor", ancestor.Number,
		"ancestor_hash", ancestor.Hash,
		"within_window", found,
	)

	return nil
}

// resume loads the persisted cursor once.
func (w *Watcher) resume(ctx context.Context) error {
	w.mu.RLock()
	resumed := w.resumed
	w.mu.RUnlock()
	if resumed {
		return nil
	}

	cursor, err := w.cursors.Get(ctx, w.source.ChainType(), w.source.Network())
	if err != nil {
		return err
	}
	if cursor == nil {
		return nil
	}

	ptr := cursor.Ptr()

	w.mu.Lock()
	w.published = &ptr
	w.next = ptr.Number + 1
	w.resumed = true
	w.mu.Unlock()

	w.log.Infow("resuming from cursor", "last_published_block", ptr.Number, "hash", ptr.Hash)

	return nil
}

func (w *Watcher) setNext(n uint64) {
	w.mu.Lock()
	w.next = n
	w.mu.Unlock()
}

// Cursor returns the last published block, or nil if nothing was published yet.
func (w *Watcher) Cursor() *chain.BlockPtr {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.published == nil {
		return nil
	}
	ptr := *w.published
	return &ptr
}

// Head returns the number of the last published block. Replays never go past it.
func (w *Watcher) Head(ctx context.Context) (uint64, error) {
	if cursor := w.Cursor(); cursor != nil {
		return cursor.Number, nil
	}

	cursor, err := w.cursors.Get(ctx, w.source.ChainType(), w.source.Network())
	if err != nil {
		return 0, err
	}
	if cursor == nil {
		return 0, nil
	}

	return cursor.BlockNumber, nil
}

// Replay fetches blocks [from, to] from the node and hands them to emit in order.
// Heights without a block are skipped.
func (w *Watcher) Replay(ctx context.Context, from, to uint64, emit func(*chain.RawEnvelope) error) error {
	w.log.Debugw("replaying blocks", "from_block", from, "to_block", to)

	for n := from; n <= to; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		env, err := w.source.Fetch(ctx, n)
		if err != nil {
			return fmt.Errorf("failed to fetch block %d for replay: %w", n, err)
		}
		if env == nil {
			continue
		}

		if err := emit(env); err != nil {
			return err
		}
	}

	return nil
}

// Close releases the node connection.
func (w *Watcher) Close() {
	w.source.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
