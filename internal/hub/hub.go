// Package hub fans out envelopes published by chain watchers to any number of subscribers.
//
// There is one topic per chain type. Each topic has a single publish channel drained by a fan-out
// task that copies envelopes into bounded subscriber queues. A full queue evicts its oldest item, so
// publishing never waits for a slow subscriber. Delivery is at-most-once and in publish order.
package hub

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
)

var (
	// ErrUnknownChain is returned for chain types without a registered topic.
	ErrUnknownChain = errors.New("unknown chain type")

	// ErrNetworkMismatch is returned when a subscription names a network the topic does not carry.
	ErrNetworkMismatch = errors.New("network mismatch")

	// ErrInvalidRange is returned when a subscription ends before it starts.
	ErrInvalidRange = errors.New("invalid block range")

	// ErrClosed is returned after the hub was closed.
	ErrClosed = errors.New("hub closed")
)

// Replayer serves blocks that are no longer in a topic's history.
type Replayer interface {
	// Head returns the last block published to the topic.
	Head(ctx context.Context) (uint64, error)
	Replay(ctx context.Context, from, to uint64, emit func(*chain.RawEnvelope) error) error
}

// Request selects the envelopes of a subscription.
type Request struct {
	ChainType chain.ChainType
	FromBlock uint64
	// ToBlock is the last block delivered; 0 follows the live chain
	ToBlock uint64
	// Network must match the topic's network when set
	Network string
	// LiveOnly skips history and replay; only envelopes published after subscribing are delivered
	LiveOnly bool
}

// Subscription is a stream of envelopes. C is closed when the stream ends.
type Subscription interface {
	ID() string
	C() <-chan *chain.RawEnvelope
	// Err returns the error that ended the stream, if any.
	Err() error
	// Dropped returns the number of envelopes evicted because the subscriber fell behind.
	Dropped() uint64
	Close()
}

// Subscriber opens subscriptions. It is implemented by the local hub and the gRPC client.
type Subscriber interface {
	Subscribe(ctx context.Context, req Request) (Subscription, error)
}

var _ Subscriber = (*Hub)(nil)

// TopicInfo is a snapshot of a topic.
type TopicInfo struct {
	ChainType     chain.ChainType `json:"chain_type"`
	Network       string          `json:"network"`
	Subscribers   int             `json:"subscribers"`
	Published     uint64          `json:"published"`
	Dropped       uint64          `json:"dropped"`
	LastPublished *chain.BlockPtr `json:"last_published,omitempty"`
}

// Hub holds one topic per chain type. It is owned by the composition root.
type Hub struct {
	cfg config.HubConfig
	log *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	topics map[chain.ChainType]*topic
	closed bool
}

// New creates an empty hub.
func New(cfg config.HubConfig, log *logger.Logger) *Hub {
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		cfg:    cfg,
		log:    log.WithComponent(common.ComponentHub),
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[chain.ChainType]*topic),
	}
}

// Register creates the topic of a chain type and starts its fan-out task.
// replayer may be nil, in which case subscribers only receive history and live envelopes.
func (h *Hub) Register(chainType chain.ChainType, network string, replayer Replayer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if _, exists := h.topics[chainType]; exists {
		return fmt.Errorf("topic for chain type %s already registered", chainType)
	}

	t := newTopic(chainType, network, replayer, h.cfg, h.log)
	h.topics[chainType] = t

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		t.fanOut(h.ctx)
	}()

	h.log.Infow("topic registered", "chain", chainType, "network", network, "replay", replayer != nil)

	return nil
}

func (h *Hub) topic(chainType chain.ChainType) (*topic, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil, ErrClosed
	}

	t, ok := h.topics[chainType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chainType)
	}

	return t, nil
}

// Publish hands env to the topic of its chain type. It only waits when the topic's publish channel
// is full, which the fan-out task drains without waiting on subscribers.
func (h *Hub) Publish(ctx context.Context, env *chain.RawEnvelope) error {
	t, err := h.topic(env.ChainType)
	if err != nil {
		return err
	}

	select {
	case t.in <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrClosed
	}
}

// Subscribe opens a subscription. Unknown chain types and network mismatches fail immediately.
func (h *Hub) Subscribe(ctx context.Context, req Request) (Subscription, error) {
	t, err := h.topic(req.ChainType)
	if err != nil {
		return nil, err
	}
	if req.Network != "" && req.Network != t.network {
		return nil, fmt.Errorf("%w: topic %s carries %s, requested %s",
			ErrNetworkMismatch, req.ChainType, t.network, req.Network)
	}
	if req.ToBlock != 0 && req.ToBlock < req.FromBlock {
		return nil, fmt.Errorf("%w: to_block %d is lower than from_block %d",
			ErrInvalidRange, req.ToBlock, req.FromBlock)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrClosed
	}

	sub := t.subscribe(ctx, req)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		sub.forward(h.ctx)
	}()

	return sub, nil
}

// Topics returns a snapshot of every topic ordered by chain type.
func (h *Hub) Topics() []TopicInfo {
	h.mu.RLock()
	topics := make([]*topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.mu.RUnlock()

	infos := make([]TopicInfo, 0, len(topics))
	for _, t := range topics {
		infos = append(infos, t.info())
	}
	slices.SortFunc(infos, func(a, b TopicInfo) int {
		return cmp.Compare(a.ChainType, b.ChainType)
	})

	return infos
}

// Close stops every fan-out task and ends all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()

	h.log.Info("hub closed")
}
