package hub

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/stretchr/testify/require"
)

func block(n uint64, fork string) *chain.RawEnvelope {
	return &chain.RawEnvelope{
		ChainType:    chain.Ethereum,
		DataKind:     chain.KindBlock,
		Network:      "mainnet",
		BlockNumber:  n,
		BlockHash:    fmt.Sprintf("0x%s%d", fork, n),
		ParentNumber: n - 1,
		ParentHash:   fmt.Sprintf("0x%s%d", fork, n-1),
	}
}

type fakeReplayer struct {
	head uint64
	err  error
}

func (r *fakeReplayer) Head(context.Context) (uint64, error) {
	return r.head, nil
}

func (r *fakeReplayer) Replay(ctx context.Context, from, to uint64, emit func(*chain.RawEnvelope) error) error {
	if r.err != nil {
		return r.err
	}
	for n := from; n <= to; n++ {
		if err := emit(block(n, "a")); err != nil {
			return err
		}
	}
	return nil
}

func newTestHub(t *testing.T, cfg config.HubConfig, replayer Replayer) *Hub {
	t.Helper()

	h := New(cfg, logger.NewNopLogger())
	t.Cleanup(h.Close)
	require.NoError(t, h.Register(chain.Ethereum, "mainnet", replayer))

	return h
}

func publish(t *testing.T, h *Hub, envs ...*chain.RawEnvelope) {
	t.Helper()
	for _, env := range envs {
		require.NoError(t, h.Publish(context.Background(), env))
	}
}

func waitPublished(t *testing.T, h *Hub, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Topics()[0].Published == n
	}, time.Second, time.Millisecond)
}

func receive(t *testing.T, sub Subscription, n int) []string {
	t.Helper()

	out := make([]string, 0, n)
	for len(out) < n {
		select {
		case env, ok := <-sub.C():
			require.True(t, ok, "stream closed after %v", out)
			out = append(out, env.BlockHash)
		case <-time.After(time.Second):
			t.Fatalf("timed out after receiving %v", out)
		}
	}
	return out
}

func requireClosed(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		require.False(t, ok, "unexpected envelope %v", env)
	case <-time.After(time.Second):
		t.Fatal("stream was not closed")
	}
}

func TestHub_SubscribeValidation(t *testing.T) {
	h := newTestHub(t, config.HubConfig{}, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{name: "unknown chain", req: Request{ChainType: chain.Solana}, wantErr: ErrUnknownChain},
		{name: "network mismatch", req: Request{ChainType: chain.Ethereum, Network: "sepolia"}, wantErr: ErrNetworkMismatch},
		{name: "inverted range", req: Request{ChainType: chain.Ethereum, FromBlock: 10, ToBlock: 5}, wantErr: ErrInvalidRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := h.Subscribe(ctx, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			require.Nil(t, sub)
		})
	}

	err := h.Publish(ctx, &chain.RawEnvelope{ChainType: chain.Substrate})
	require.ErrorIs(t, err, ErrUnknownChain)
	require.Error(t, h.Register(chain.Ethereum, "mainnet", nil))
}

func TestHub_LiveDeliveryInOrder(t *testing.T) {
	h := newTestHub(t, config.HubConfig{}, nil)
	ctx := context.Background()

	first, err := h.Subscribe(ctx, Request{ChainType: chain.Ethereum, Network: "mainnet"})
	require.NoError(t, err)
	second, err := h.Subscribe(ctx, Request{ChainType: chain.Ethereum})
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), second.ID())

	publish(t, h, block(1, "a"), block(2, "a"), block(3, "a"))

	want := []string{"0xa1", "0xa2", "0xa3"}
	require.Equal(t, want, receive(t, first, 3))
	require.Equal(t, want, receive(t, second, 3))
}

func TestHub_FromBlockFiltersLive(t *testing.T) {
	h := newTestHub(t, config.HubConfig{HistorySize: 1}, nil)

	sub, err := h.Subscribe(context.Background(), Request{ChainType: chain.Ethereum, FromBlock: 3})
	require.NoError(t, err)

	publish(t, h, block(1, "a"), block(2, "a"), block(3, "a"), block(4, "a"))
	require.Equal(t, []string{"0xa3", "0xa4"}, receive(t, sub, 2))
}

func TestHub_SlowSubscriberEvictsOldest(t *testing.T) {
	h := newTestHub(t, config.HubConfig{SubscriberBuffer: 2}, nil)

	sub, err := h.Subscribe(context.Background(), Request{ChainType: chain.Ethereum})
	require.NoError(t, err)

	for n := uint64(1); n <= 10; n++ {
		publish(t, h, block(n, "a"))
	}
	waitPublished(t, h, 10)

	var got []uint64
	for len(got) == 0 || got[len(got)-1] != 10 {
		select {
		case env := <-sub.C():
			got = append(got, env.BlockNumber)
		case <-time.After(time.Second):
			t.Fatalf("timed out after receiving %v", got)
		}
	}

	// the forwarder holds at most one envelope besides the queue
	require.LessOrEqual(t, len(got), 3)
	require.Equal(t, uint64(10), uint64(len(got))+sub.Dropped())
	require.IsIncreasing(t, got)
	require.Equal(t, sub.Dropped(), h.Topics()[0].Dropped)
}

func TestHub_PublishDoesNotWaitForSubscribers(t *testing.T) {
	h := newTestHub(t, config.HubConfig{PublishBuffer: 1, SubscriberBuffer: 1}, nil)

	_, err := h.Subscribe(context.Background(), Request{ChainType: chain.Ethereum})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := uint64(1); n <= 1000; n++ {
			_ = h.Publish(context.Background(), block(n, "a"))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a subscriber that never reads")
	}
}

func TestHub_CatchUpFromHistory(t *testing.T) {
	h := newTestHub(t, config.HubConfig{HistorySize: 10}, nil)

	publish(t, h, block(1, "a"), block(2, "a"), block(3, "a"), block(4, "a"), block(5, "a"))
	waitPublished(t, h, 5)

	sub, err := h.Subscribe(context.Background(), Request{ChainType: chain.Ethereum, FromBlock: 3})
	require.NoError(t, err)

	publish(t, h, block(6, "a"))
	require.Equal(t, []string{"0xa3", "0xa4", "0xa5", "0xa6"}, receive(t, sub, 4))
}

func TestHub_HistoryFollowsReorgs(t *testing.T) {
	h := newTestHub(t, config.HubConfig{HistorySize: 10}, nil)

	publish(t, h, block(1, "a"), block(2, "a"), block(3, "a"), block(2, "b"), block(3, "b"))
	waitPublished(t, h, 5)

	sub, err := h.Subscribe(context.Background(), Request{ChainType: chain.Ethereum, FromBlock: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"0xa1", "0xb2", "0xb3"}, receive(t, sub, 3))
}

func TestHub_ReplaysBeforeHistory(t *testing.T) {
	replayer := &fakeReplayer{head: 10}
	h := newTestHub(t, config.HubConfig{HistorySize: 2}, replayer)

	publish(t, h, block(8, "a"), block(9, "a"), block(10, "a"))
	waitPublished(t, h, 3)

	sub, err := h.Subscribe(context.Background(), Request{ChainType: chain.Ethereum, FromBlock: 5})
	require.NoError(t, err)

	publish(t, h, block(11, "a"))

	got := receive(t, sub, 7)
	require.Equal(t, []string{"0xa5", "0xa6", "0xa7", "0xa8", "0xa9", "0xa10", "0xa11"}, got)
}

func TestHub_ReplayWithoutHistoryFillsGap(t *testing.T) {
	replayer := &fakeReplayer{head: 4}
	h := newTestHub(t, config.HubConfig{HistorySize: -1}, replayer)

	sub, err := h.Subscribe(context.Background(), Request{ChainType: chain.Ethereum, FromBlock: 2})
	require.NoError(t, err)

	// blocks 5 and 6 are missing between the replay head and the first live envelope
	publish(t, h, block(7, "a"))

	got := receive(t, sub, 6)
	require.Equal(t, []string{"0xa2", "0xa3", "0xa4", "0xa5", "0xa6", "0xa7"}, got)
}

func TestHub_BoundedRange(t *testing.T) {
	replayer := &fakeReplayer{head: 20}
	h := newTestHub(t, config.HubConfig{}, replayer)

	sub, err := h.Subscribe(context.Background(), Request{ChainType: chain.Ethereum, FromBlock: 5, ToBlock: 7})
	require.NoError(t, err)

	require.Equal(t, []string{"0xa5", "0xa6", "0xa7"}, receive(t, sub, 3))
	requireClosed(t, sub)
	require.NoError(t, sub.Err())
}

func TestHub_ReplayFailureEndsStream(t *testing.T) {
	replayer := &fakeReplayer{head: 20, err: errors.New("node unavailable")}
	h := newTestHub(t, config.HubConfig{}, replayer)

	sub, err := h.Subscribe(context.Background(), Request{ChainType: chain.Ethereum, FromBlock: 5})
	require.NoError(t, err)

	requireClosed(t, sub)
	require.ErrorContains(t, sub.Err(), "node unavailable")
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	h := New(config.HubConfig{}, logger.NewNopLogger())
	require.NoError(t, h.Register(chain.Ethereum, "mainnet", nil))

	sub, err := h.Subscribe(context.Background(), Request{ChainType: chain.Ethereum})
	require.NoError(t, err)

	unsubscribed, err := h.Subscribe(context.Background(), Request{ChainType: chain.Ethereum})
	require.NoError(t, err)
	unsubscribed.Close()
	requireClosed(t, unsubscribed)

	require.Eventually(t, func() bool { return h.Topics()[0].Subscribers == 1 }, time.Second, time.Millisecond)

	h.Close()
	requireClosed(t, sub)

	require.ErrorIs(t, h.Publish(context.Background(), block(1, "a")), ErrClosed)
	_, err = h.Subscribe(context.Background(), Request{ChainType: chain.Ethereum})
	require.ErrorIs(t, err, ErrClosed)
}

func TestHub_Topics(t *testing.T) {
	h := New(config.HubConfig{}, logger.NewNopLogger())
	t.Cleanup(h.Close)
	require.NoError(t, h.Register(chain.Substrate, "polkadot", nil))
	require.NoError(t, h.Register(chain.Ethereum, "mainnet", nil))

	publish(t, h, block(1, "a"))
	require.Eventually(t, func() bool { return h.Topics()[0].Published == 1 }, time.Second, time.Millisecond)

	topics := h.Topics()
	require.Len(t, topics, 2)
	require.Equal(t, chain.Ethereum, topics[0].ChainType)
	require.Equal(t, &chain.BlockPtr{Number: 1, Hash: "0xa1"}, topics[0].LastPublished)
	require.Equal(t, chain.Substrate, topics[1].ChainType)
	require.Nil(t, topics[1].LastPublished)
}

func TestHub_LiveOnlySkipsCatchUp(t *testing.T) {
	replayer := &fakeReplayer{head: 3}
	h := newTestHub(t, config.HubConfig{}, replayer)

	publish(t, h, block(1, "a"), block(2, "a"), block(3, "a"))
	waitPublished(t, h, 3)

	sub, err := h.Subscribe(context.Background(), Request{ChainType: chain.Ethereum, LiveOnly: true})
	require.NoError(t, err)

	publish(t, h, block(6, "a"))
	require.Equal(t, []string{"0xa6"}, receive(t, sub, 1))
}
