package hub

import (
	"context"
	"slices"
	"sync"

	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
)

// topic carries the envelopes of one chain type. Only the fan-out task writes subscriber queues.
type topic struct {
	chainType   chain.ChainType
	network     string
	replayer    Replayer
	queueSize   int
	historySize int
	in          chan *chain.RawEnvelope
	log         *logger.Logger

	mu        sync.Mutex
	subs      map[string]*subscription
	history   []*chain.RawEnvelope
	last      *chain.BlockPtr
	published uint64
	dropped   uint64
}

func newTopic(
	chainType chain.ChainType,
	network string,
	replayer Replayer,
	cfg config.HubConfig,
	log *logger.Logger,
) *topic {
	return &topic{
		chainType:   chainType,
		network:     network,
		replayer:    replayer,
		queueSize:   max(cfg.SubscriberBuffer, 1),
		historySize: cfg.HistorySize,
		in:          make(chan *chain.RawEnvelope, cfg.PublishBuffer),
		log:         log.WithFields("chain", chainType),
		subs:        make(map[string]*subscription),
	}
}

func (t *topic) fanOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-t.in:
			t.dispatch(env)
		}
	}
}

// dispatch appends env to the history and every subscriber queue. A re-emitted height replaces the
// history from that height on, so the history always holds the latest view of the chain.
func (t *topic) dispatch(env *chain.RawEnvelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.published++
	ptr := env.Ptr()
	t.last = &ptr

	if t.historySize > 0 {
		cut := len(t.history)
		for cut > 0 && t.history[cut-1].BlockNumber >= env.BlockNumber {
			cut--
		}
		t.history = append(t.history[:cut], env)
		if len(t.history) > t.historySize {
			t.history = slices.Delete(t.history, 0, len(t.history)-t.historySize)
		}
	}

	for _, sub := range t.subs {
		if sub.push(env) {
			t.dropped++
			EnvelopeDroppedInc(t.chainType.String())
		}
	}

	EnvelopePublishedInc(t.chainType.String())
}

// subscribe registers a subscription and hands it the history from its first block. Registration
// and the history snapshot happen under one lock so no envelope falls between them.
func (t *topic) subscribe(ctx context.Context, req Request) *subscription {
	sub := newSubscription(ctx, t, req)

	t.mu.Lock()
	for _, env := range t.history {
		if !req.LiveOnly && env.BlockNumber >= req.FromBlock {
			sub.catchup = append(sub.catchup, env)
		}
	}
	t.subs[sub.id] = sub
	count := len(t.subs)
	t.mu.Unlock()

	SubscribersSet(t.chainType.String(), count)
	t.log.Debugw("subscription opened",
		"subscription", sub.id,
		"from_block", req.FromBlock,
		"to_block", req.ToBlock,
		"history", len(sub.catchup),
	)

	return sub
}

func (t *topic) unsubscribe(id string) {
	t.mu.Lock()
	delete(t.subs, id)
	count := len(t.subs)
	t.mu.Unlock()

	SubscribersSet(t.chainType.String(), count)
	t.log.Debugw("subscription closed", "subscription", id)
}

func (t *topic) info() TopicInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := TopicInfo{
		ChainType:   t.chainType,
		Network:     t.network,
		Subscribers: len(t.subs),
		Published:   t.published,
		Dropped:     t.dropped,
	}
	if t.last != nil {
		last := *t.last
		info.LastPublished = &last
	}

	return info
}
