package evm

import (
	"context"
	"fmt"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/rpc"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	pkgrpc "github.com/goran-ethernal/MultiChainIndexor/pkg/rpc"
)

// Compile-time check to ensure rpc.Client implements pkgrpc.EthClient.
var _ pkgrpc.EthClient = (*rpc.Client)(nil)

// Source fetches ethereum blocks with their logs and encodes them as envelopes.
type Source struct {
	client       pkgrpc.EthClient
	network      string
	finality     BlockFinality
	finalizedLag uint64
	log          *logger.Logger

	mu     sync.Mutex
	signer types.Signer
}

// NewSource creates an ethereum source following the head selected by finality.
func NewSource(client pkgrpc.EthClient, network string, finality BlockFinality, finalizedLag uint64, log *logger.Logger) *Source {
	return &Source{
		client:       client,
		network:      network,
		finality:     finality,
		finalizedLag: finalizedLag,
		log:          log.WithComponent(common.ComponentWatcher),
	}
}

func (s *Source) ChainType() chain.ChainType {
	return chain.Ethereum
}

func (s *Source) Network() string {
	return s.network
}

// Head returns the highest block number the watcher may publish.
func (s *Source) Head(ctx context.Context) (uint64, error) {
	var (
		header *types.Header
		err    error
	)

	switch s.finality {
	case FinalityFinalized:
		header, err = s.client.GetFinalizedBlockHeader(ctx)
	case FinalitySafe:
		header, err = s.client.GetSafeBlockHeader(ctx)
	case FinalityLatest:
		header, err = s.client.GetLatestBlockHeader(ctx)
		if err == nil {
			head := header.Number.Uint64()
			if head < s.finalizedLag {
				return 0, nil
			}
			return head - s.finalizedLag, nil
		}
	default:
		return 0, fmt.Errorf("invalid finality mode: %s", s.finality)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to get %s head: %w", s.finality, err)
	}

	return header.Number.Uint64(), nil
}

// Fetch returns the envelope of block n with its transactions and logs.
func (s *Source) Fetch(ctx context.Context, n uint64) (*chain.RawEnvelope, error) {
	block, err := s.client.GetBlock(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", n, err)
	}

	logs, err := s.client.GetBlockLogs(ctx, block.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to get logs of block %d: %w", n, err)
	}

	sender, err := s.sender(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := EncodeBlock(block, logs, sender)
	if err != nil {
		return nil, fmt.Errorf("failed to encode block %d: %w", n, err)
	}

	env := &chain.RawEnvelope{
		ChainType:   chain.Ethereum,
		DataKind:    chain.KindBlock,
		Network:     s.network,
		BlockNumber: n,
		BlockHash:   block.Hash().Hex(),
		ParentHash:  block.ParentHash().Hex(),
		Version:     chain.EnvelopeVersion,
		Payload:     payload,
	}
	if n > 0 {
		env.ParentNumber = n - 1
	}

	return env, nil
}

// Hash returns the canonical hash of block n.
func (s *Source) Hash(ctx context.Context, n uint64) (string, error) {
	header, err := s.client.GetBlockHeader(ctx, n)
	if err != nil {
		return "", fmt.Errorf("failed to get header %d: %w", n, err)
	}

	return header.Hash().Hex(), nil
}

// sender returns a resolver of transaction senders. The signer is built once from the chain id.
func (s *Source) sender(ctx context.Context) (func(tx *types.Transaction) *ethcommon.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signer == nil {
		chainID, err := s.client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get chain id: %w", err)
		}
		s.signer = types.LatestSignerForChainID(chainID)
		s.log.Infow("resolved chain id", "network", s.network, "chain_id", chainID)
	}
	signer := s.signer

	return func(tx *types.Transaction) *ethcommon.Address {
		from, err := types.Sender(signer, tx)
		if err != nil {
			return nil
		}
		return &from
	}, nil
}

// Close closes the RPC client.
func (s *Source) Close() {
	s.client.Close()
}
