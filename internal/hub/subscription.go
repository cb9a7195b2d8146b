package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/google/uuid"
)

// errEndOfRange stops a stream that delivered its last requested block.
var errEndOfRange = errors.New("end of range")

var _ Subscription = (*subscription)(nil)

// subscription owns a bounded queue filled by the topic's fan-out task and a forwarding task that
// drains it into the consumer channel.
type subscription struct {
	id     string
	req    Request
	topic  *topic
	ctx    context.Context
	cancel context.CancelFunc
	out    chan *chain.RawEnvelope
	notify chan struct{}

	mu      sync.Mutex
	queue   []*chain.RawEnvelope
	catchup []*chain.RawEnvelope
	err     error

	dropped atomic.Uint64

	// forwarder state
	lastSent uint64
	sentAny  bool
}

func newSubscription(ctx context.Context, t *topic, req Request) *subscription {
	ctx, cancel := context.WithCancel(ctx)

	return &subscription{
		id:     uuid.NewString(),
		req:    req,
		topic:  t,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan *chain.RawEnvelope),
		notify: make(chan struct{}, 1),
	}
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) C() <-chan *chain.RawEnvelope {
	return s.out
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *subscription) Close() {
	s.cancel()
}

// push queues env, evicting the oldest queued envelope when the queue is full.
// It reports whether an envelope was evicted. It never blocks.
func (s *subscription) push(env *chain.RawEnvelope) bool {
	if env.BlockNumber < s.req.FromBlock {
		return false
	}

	evicted := false

	s.mu.Lock()
	if len(s.queue) >= s.topic.queueSize {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.dropped.Add(1)
		evicted = true
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}

	return evicted
}

func (s *subscription) pop() (*chain.RawEnvelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, false
	}
	env := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]

	return env, true
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// forward delivers history and replayed envelopes first, then live ones, until the range ends or
// the subscription is closed.
func (s *subscription) forward(hubCtx context.Context) {
	stop := context.AfterFunc(hubCtx, s.cancel)
	defer func() {
		stop()
		s.cancel()
		s.topic.unsubscribe(s.id)
		close(s.out)
	}()

	var sent map[uint64]string
	if !s.req.LiveOnly {
		var err error
		if sent, err = s.catchUp(); err != nil {
			if !errors.Is(err, errEndOfRange) && s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}
	}

	first := !s.req.LiveOnly
	for {
		env, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		// live envelopes already delivered by the catch-up
		if sent != nil {
			if hash, dup := sent[env.BlockNumber]; dup && hash == env.BlockHash {
				continue
			}
			sent = nil
		}

		if first {
			first = false
			if err := s.fillGap(env); err != nil {
				if !errors.Is(err, errEndOfRange) && s.ctx.Err() == nil {
					s.setErr(err)
				}
				return
			}
		}

		if err := s.deliver(env); err != nil {
			return
		}
	}
}

// catchUp delivers the history snapshot, preceded by a replay of the blocks between the requested
// first block and the history. It returns the hashes it delivered by height.
func (s *subscription) catchUp() (map[uint64]string, error) {
	s.mu.Lock()
	history := s.catchup
	s.catchup = nil
	s.mu.Unlock()

	sent := make(map[uint64]string)
	emit := func(env *chain.RawEnvelope) error {
		if err := s.deliver(env); err != nil {
			return err
		}
		sent[env.BlockNumber] = env.BlockHash
		return nil
	}

	if s.topic.replayer != nil {
		from := s.req.FromBlock
		var to uint64
		if len(history) > 0 {
			to = history[0].BlockNumber
			if to > 0 {
				to--
			}
		} else {
			head, err := s.topic.replayer.Head(s.ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to get replay head: %w", err)
			}
			to = head
		}

		if len(history) == 0 || history[0].BlockNumber > from {
			if err := s.replay(from, to, emit); err != nil {
				return nil, err
			}
		}
	}

	for _, env := range history {
		if err := emit(env); err != nil {
			return nil, err
		}
	}

	return sent, nil
}

// fillGap replays the blocks between the last delivered block and the first live envelope.
func (s *subscription) fillGap(env *chain.RawEnvelope) error {
	if s.topic.replayer == nil {
		return nil
	}

	base := s.req.FromBlock
	if s.sentAny {
		base = s.lastSent + 1
	}
	if env.BlockNumber <= base || env.ParentNumber < base {
		return nil
	}

	s.topic.log.Debugw("filling gap before first live envelope",
		"subscription", s.id,
		"from_block", base,
		"to_block", env.ParentNumber,
	)

	return s.replay(base, env.ParentNumber, s.deliver)
}

func (s *subscription) replay(from, to uint64, emit func(*chain.RawEnvelope) error) error {
	if s.req.ToBlock != 0 && to > s.req.ToBlock {
		to = s.req.ToBlock
	}
	if from > to {
		return nil
	}

	err := s.topic.replayer.Replay(s.ctx, from, to, func(env *chain.RawEnvelope) error {
		EnvelopeReplayedInc(s.topic.chainType.String())
		return emit(env)
	})
	if err != nil && !errors.Is(err, errEndOfRange) {
		return fmt.Errorf("failed to replay blocks %d-%d: %w", from, to, err)
	}

	return err
}

// deliver hands env to the consumer. It returns errEndOfRange once the last requested block was
// delivered, and the context error when the subscription is closed.
func (s *subscription) deliver(env *chain.RawEnvelope) error {
	if s.req.ToBlock != 0 && env.BlockNumber > s.req.ToBlock {
		return errEndOfRange
	}

	select {
	case s.out <- env:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}

	s.lastSent = env.BlockNumber
	s.sentAny = true

	if s.req.ToBlock != 0 && env.BlockNumber >= s.req.ToBlock {
		return errEndOfRange
	}

	return nil
}
