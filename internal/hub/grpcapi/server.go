package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/hub"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const stopGracePeriod = 5 * time.Second

var _ BroadcastHubServer = (*Server)(nil)

// Server streams hub subscriptions to remote consumers.
type Server struct {
	cfg    *config.GRPCConfig
	hub    hub.Subscriber
	log    *logger.Logger
	server *grpc.Server
}

// NewServer creates a server backed by sub.
func NewServer(cfg *config.GRPCConfig, sub hub.Subscriber, log *logger.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		cfg: cfg,
		hub: sub,
		log: log.WithComponent(common.ComponentHubRPC),
	}

	s.server = grpc.NewServer(opts...)
	RegisterBroadcastHubServer(s.server, s)

	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}

	go func() {
		if err := s.Serve(lis); err != nil {
			s.log.Errorw("grpc server stopped", "error", err)
		}
	}()

	return nil
}

// Serve serves on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Infow("grpc server started", "address", lis.Addr().String(), "service", ServiceName)

	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve: %w", err)
	}

	return nil
}

// Stop stops accepting streams and waits up to stopGracePeriod for open ones to end before closing
// them.
func (s *Server) Stop() {
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		s.server.Stop()
		<-done
	}

	s.log.Info("grpc server stopped")
}

// ListBlocks subscribes to the hub and forwards envelopes until the range ends, the client goes away
// or the subscription fails.
func (s *Server) ListBlocks(req *ListBlocksRequest, stream grpc.ServerStreamingServer[chain.RawEnvelope]) error {
	if !req.ChainType.IsValid() {
		return status.Errorf(codes.InvalidArgument, "invalid chain type %q", req.ChainType)
	}

	ctx := stream.Context()
	sub, err := s.hub.Subscribe(ctx, hub.Request{
		ChainType: req.ChainType,
		FromBlock: req.StartBlockNumber,
		ToBlock:   req.EndBlockNumber,
		Network:   req.Network,
	})
	if err != nil {
		return toStatus(err)
	}
	defer sub.Close()

	if err := stream.SendHeader(metadata.Pairs(subscriptionHeader, sub.ID())); err != nil {
		return err
	}

	chainLabel := req.ChainType.String()
	ActiveStreamsInc(chainLabel)
	defer ActiveStreamsDec(chainLabel)

	s.log.Debugw("stream opened",
		"subscription", sub.ID(),
		"chain", req.ChainType,
		"start_block", req.StartBlockNumber,
		"end_block", req.EndBlockNumber,
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					return toStatus(err)
				}
				return nil
			}
			if err := stream.Send(env); err != nil {
				return err
			}
			EnvelopeSentInc(chainLabel)
		}
	}
}

// toStatus maps hub errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, hub.ErrUnknownChain):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, hub.ErrNetworkMismatch), errors.Is(err, hub.ErrInvalidRange):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, hub.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
