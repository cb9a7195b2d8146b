package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/hub"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func block(n uint64) *chain.RawEnvelope {
	return &chain.RawEnvelope{
		ChainType:    chain.Ethereum,
		DataKind:     chain.KindBlock,
		Network:      "mainnet",
		BlockNumber:  n,
		BlockHash:    fmt.Sprintf("0x%d", n),
		ParentNumber: n - 1,
		ParentHash:   fmt.Sprintf("0x%d", n-1),
		Version:      chain.EnvelopeVersion,
		Payload:      []byte(`{"number":"` + fmt.Sprint(n) + `"}`),
	}
}

type replayer struct {
	head uint64
}

func (r *replayer) Head(context.Context) (uint64, error) {
	return r.head, nil
}

func (r *replayer) Replay(_ context.Context, from, to uint64, emit func(*chain.RawEnvelope) error) error {
	for n := from; n <= to; n++ {
		if err := emit(block(n)); err != nil {
			return err
		}
	}
	return nil
}

func setup(t *testing.T, head uint64) (*hub.Hub, *Client) {
	t.Helper()

	h := hub.New(config.HubConfig{}, logger.NewNopLogger())
	t.Cleanup(h.Close)
	require.NoError(t, h.Register(chain.Ethereum, "mainnet", &replayer{head: head}))

	lis := bufconn.Listen(1024 * 1024)
	srv := NewServer(&config.GRPCConfig{}, h, logger.NewNopLogger())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet", logger.NewNopLogger(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return h, client
}

func receive(t *testing.T, sub hub.Subscription, n int) []*chain.RawEnvelope {
	t.Helper()

	out := make([]*chain.RawEnvelope, 0, n)
	for len(out) < n {
		select {
		case env, ok := <-sub.C():
			require.True(t, ok, "stream closed after %d envelopes: %v", len(out), sub.Err())
			out = append(out, env)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d envelopes", len(out))
		}
	}
	return out
}

func TestListBlocks_LiveStream(t *testing.T) {
	h, client := setup(t, 0)

	sub, err := client.Subscribe(context.Background(), hub.Request{ChainType: chain.Ethereum, FromBlock: 1})
	require.NoError(t, err)
	defer sub.Close()
	require.NotEmpty(t, sub.ID())

	for n := uint64(1); n <= 3; n++ {
		require.NoError(t, h.Publish(context.Background(), block(n)))
	}

	got := receive(t, sub, 3)
	for i, env := range got {
		require.Equal(t, block(uint64(i+1)), env)
	}
}

func TestListBlocks_BoundedRange(t *testing.T) {
	_, client := setup(t, 20)

	sub, err := client.Subscribe(context.Background(), hub.Request{
		ChainType: chain.Ethereum,
		FromBlock: 5,
		ToBlock:   7,
		Network:   "mainnet",
	})
	require.NoError(t, err)

	got := receive(t, sub, 3)
	require.Equal(t, uint64(5), got[0].BlockNumber)
	require.Equal(t, uint64(7), got[2].BlockNumber)

	select {
	case _, ok := <-sub.C():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed")
	}
	require.NoError(t, sub.Err())
}

func TestListBlocks_Errors(t *testing.T) {
	_, client := setup(t, 0)

	tests := []struct {
		name    string
		req     hub.Request
		wantErr error
	}{
		{
			name:    "unknown chain",
			req:     hub.Request{ChainType: chain.Solana},
			wantErr: hub.ErrUnknownChain,
		},
		{
			name:    "network mismatch",
			req:     hub.Request{ChainType: chain.Ethereum, Network: "sepolia"},
			wantErr: hub.ErrNetworkMismatch,
		},
		{
			name:    "inverted range",
			req:     hub.Request{ChainType: chain.Ethereum, FromBlock: 9, ToBlock: 3},
			wantErr: hub.ErrInvalidRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := client.Subscribe(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			require.Nil(t, sub)
		})
	}
}

func TestListBlocks_InvalidChainType(t *testing.T) {
	_, client := setup(t, 0)

	_, err := client.Subscribe(context.Background(), hub.Request{ChainType: "bitcoin"})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(errors.Unwrap(err)))
}

func TestListBlocks_ClientCloseReleasesSubscription(t *testing.T) {
	h, client := setup(t, 0)

	sub, err := client.Subscribe(context.Background(), hub.Request{ChainType: chain.Ethereum})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Topics()[0].Subscribers == 1 }, 2*time.Second, 5*time.Millisecond)

	sub.Close()
	require.Eventually(t, func() bool { return h.Topics()[0].Subscribers == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Err())
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{name: "unknown chain", err: hub.ErrUnknownChain, code: codes.NotFound},
		{name: "network mismatch", err: hub.ErrNetworkMismatch, code: codes.InvalidArgument},
		{name: "invalid range", err: hub.ErrInvalidRange, code: codes.InvalidArgument},
		{name: "closed", err: hub.ErrClosed, code: codes.Unavailable},
		{name: "other", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := toStatus(tt.err)
			require.Equal(t, tt.code, status.Code(st))

			if tt.code != codes.Internal {
				require.ErrorIs(t, fromStatus(st), tt.err)
			}
		})
	}
}
