package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/hub"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

const maxRecvMsgSize = 64 * 1024 * 1024

var _ hub.Subscriber = (*Client)(nil)

// Client consumes a remote hub. It implements hub.Subscriber so runtimes do not care whether the
// hub runs in process.
type Client struct {
	conn *grpc.ClientConn
	log  *logger.Logger
}

// Dial creates a client for the hub listening on address.
func Dial(address string, log *logger.Logger, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecvMsgSize)),
	}, opts...)

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create hub client for %s: %w", address, err)
	}

	return &Client{
		conn: conn,
		log:  log.WithComponent(common.ComponentHubRPC),
	}, nil
}

// Close closes the underlying connection and every stream opened through it.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Subscribe opens a ListBlocks stream. Errors the server reports before the first envelope, such as
// an unknown chain type, are returned here.
func (c *Client) Subscribe(ctx context.Context, req hub.Request) (hub.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], listBlocksMethod,
		grpc.CallContentSubtype(codecName))
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	msg := &ListBlocksRequest{
		ChainType:        req.ChainType,
		StartBlockNumber: req.FromBlock,
		EndBlockNumber:   req.ToBlock,
		Network:          req.Network,
	}
	if err := stream.SendMsg(msg); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	// the server sends headers once the subscription exists; a trailers-only response carries the error
	md, err := stream.Header()
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if md == nil {
		err := stream.RecvMsg(new(chain.RawEnvelope))
		cancel()
		if err == nil || errors.Is(err, io.EOF) {
			return nil, errors.New("hub closed the stream without a subscription")
		}
		return nil, fromStatus(err)
	}

	id := uuid.NewString()
	if ids := md.Get(subscriptionHeader); len(ids) > 0 {
		id = ids[0]
	}

	sub := &remoteSubscription{
		id:     id,
		stream: stream,
		cancel: cancel,
		out:    make(chan *chain.RawEnvelope),
	}
	go sub.receive(ctx)

	c.log.Debugw("remote subscription opened",
		"subscription", id,
		"chain", req.ChainType,
		"from_block", req.FromBlock,
		"to_block", req.ToBlock,
	)

	return sub, nil
}

var _ hub.Subscription = (*remoteSubscription)(nil)

type remoteSubscription struct {
	id     string
	stream grpc.ClientStream
	cancel context.CancelFunc
	out    chan *chain.RawEnvelope

	mu  sync.Mutex
	err error
}

func (s *remoteSubscription) receive(ctx context.Context) {
	defer close(s.out)
	defer s.cancel()

	for {
		env := new(chain.RawEnvelope)
		if err := s.stream.RecvMsg(env); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.mu.Lock()
				s.err = fromStatus(err)
				s.mu.Unlock()
			}
			return
		}

		select {
		case s.out <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (s *remoteSubscription) ID() string {
	return s.id
}

func (s *remoteSubscription) C() <-chan *chain.RawEnvelope {
	return s.out
}

func (s *remoteSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped is always zero: evictions happen in the remote hub and are not reported over the stream.
func (s *remoteSubscription) Dropped() uint64 {
	return 0
}

func (s *remoteSubscription) Close() {
	s.cancel()
}

// fromStatus maps gRPC status codes back onto hub errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", hub.ErrUnknownChain, st.Message())
	case codes.InvalidArgument:
		switch {
		case strings.Contains(st.Message(), hub.ErrNetworkMismatch.Error()):
			return fmt.Errorf("%w: %s", hub.ErrNetworkMismatch, st.Message())
		case strings.Contains(st.Message(), hub.ErrInvalidRange.Error()):
			return fmt.Errorf("%w: %s", hub.ErrInvalidRange, st.Message())
		}
	case codes.Unavailable:
		if strings.Contains(st.Message(), hub.ErrClosed.Error()) {
			return fmt.Errorf("%w: %s", hub.ErrClosed, st.Message())
		}
	}

	return fmt.Errorf("hub stream failed: %w", err)
}
