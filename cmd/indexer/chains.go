package main

import (
	"context"
	"fmt"

	"github.com/goran-ethernal/MultiChainIndexor/internal/chain/evm"
	"github.com/goran-ethernal/MultiChainIndexor/internal/chain/solana"
	"github.com/goran-ethernal/MultiChainIndexor/internal/chain/substrate"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/rpc"
	"github.com/goran-ethernal/MultiChainIndexor/internal/trigger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/watcher"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
)

// chainSource is a configured chain ready to be watched.
type chainSource struct {
	source watcher.Source
	// feed signals new heads ahead of the poll interval; nil when the chain has no push feed.
	feed *solana.SlotFeed
}

// newChainSource dials the node of a configured chain.
func newChainSource(ctx context.Context, cfg config.ChainConfig, log *logger.Logger) (*chainSource, error) {
	chainType, err := chain.ParseChainType(cfg.Type)
	if err != nil {
		return nil, err
	}

	switch chainType {
	case chain.Ethereum:
		finality, err := evm.ParseBlockFinality(cfg.Finality)
		if err != nil {
			return nil, err
		}

		client, err := rpc.NewClient(ctx, cfg.RPCURL, cfg.Retry)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ethereum node %s: %w", cfg.RPCURL, err)
		}

		return &chainSource{
			source: evm.NewSource(client, cfg.Network, finality, cfg.FinalizedLag, log),
		}, nil

	case chain.Solana:
		cs := &chainSource{
			source: solana.Dial(cfg.RPCURL, cfg.Network, cfg.Finality, cfg.Retry, log),
		}
		if cfg.WSURL != "" {
			cs.feed = solana.NewSlotFeed(cfg.WSURL, log)
		}

		return cs, nil

	case chain.Substrate:
		return &chainSource{
			source: substrate.NewSource(cfg.RPCURL, cfg.Network, cfg.Finality, cfg.Retry, log),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported chain type %s", chainType)
	}
}

// newScanners returns the trigger scanner of every supported chain type.
func newScanners(log *logger.Logger) *trigger.Registry {
	return trigger.NewRegistry(log,
		evm.NewScanner(log),
		solana.NewScanner(log),
		substrate.NewScanner(log),
	)
}
