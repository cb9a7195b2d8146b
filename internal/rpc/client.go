package rpc

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
)

// Client wraps the Ethereum RPC client with retries and metrics for the block watcher.
type Client struct {
	eth   *ethclient.Client
	rpc   *rpc.Client
	retry *config.RetryConfig
}

// NewClient creates a new RPC client connected to the given endpoint.
func NewClient(ctx context.Context, endpoint string, retry *config.RetryConfig) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	return &Client{
		eth:   ethclient.NewClient(rpcClient),
		rpc:   rpcClient,
		retry: retry,
	}, nil
}

// Close closes the RPC client connection.
func (c *Client) Close() {
	c.eth.Close()
}

// ChainID returns the chain id reported by the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return Call(ctx, c.retry, "eth_chainId", func() (*big.Int, error) {
		return c.eth.ChainID(ctx)
	})
}

// GetLogs retrieves logs matching the given filter query.
func (c *Client) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return Call(ctx, c.retry, "eth_getLogs", func() ([]types.Log, error) {
		return c.eth.FilterLogs(ctx, query)
	})
}

// GetBlockLogs retrieves every log of the block with the given hash.
func (c *Client) GetBlockLogs(ctx context.Context, hash common.Hash) ([]types.Log, error) {
	return c.GetLogs(ctx, ethereum.FilterQuery{BlockHash: &hash})
}

// GetBlock retrieves a block with its transactions.
func (c *Client) GetBlock(ctx context.Context, blockNum uint64) (*types.Block, error) {
	return Call(ctx, c.retry, "eth_getBlockByNumber", func() (*types.Block, error) {
		return c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(blockNum))
	})
}

// GetBlockHeader retrieves the header for a specific block number.
func (c *Client) GetBlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error) {
	return c.headerByNumber(ctx, new(big.Int).SetUint64(blockNum))
}

// GetLatestBlockHeader retrieves the latest block header.
func (c *Client) GetLatestBlockHeader(ctx context.Context) (*types.Header, error) {
	return c.headerByNumber(ctx, nil)
}

// GetFinalizedBlockHeader retrieves the finalized block header.
func (c *Client) GetFinalizedBlockHeader(ctx context.Context) (*types.Header, error) {
	return c.headerByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
}

// GetSafeBlockHeader retrieves the safe block header.
func (c *Client) GetSafeBlockHeader(ctx context.Context) (*types.Header, error) {
	return c.headerByNumber(ctx, big.NewInt(int64(rpc.SafeBlockNumber)))
}

func (c *Client) headerByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return Call(ctx, c.retry, "eth_getBlockByNumber", func() (*types.Header, error) {
		return c.eth.HeaderByNumber(ctx, number)
	})
}

// BatchGetBlockHeaders retrieves headers for multiple block numbers in a single batch call.
func (c *Client) BatchGetBlockHeaders(ctx context.Context, blockNums []uint64) ([]*types.Header, error) {
	const maxBatch = 100
	var allResults []*types.Header

	for i := 0; i < len(blockNums); i += maxBatch {
		end := min(i+maxBatch, len(blockNums))
		chunk := blockNums[i:end]

		results, err := Call(ctx, c.retry, "eth_getBlockByNumber_batch", func() ([]*types.Header, error) {
			batch := make([]rpc.BatchElem, len(chunk))
			results := make([]*types.Header, len(chunk))

			for j, blockNum := range chunk {
				batch[j] = rpc.BatchElem{
					Method: "eth_getBlockByNumber",
					Args:   []any{toBlockNumArg(blockNum), false}, // false = don't include transactions
					Result: &results[j],
				}
			}

			if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
				return nil, err
			}

			// Check for individual errors
			for _, elem := range batch {
				if elem.Error != nil {
					return nil, elem.Error
				}
			}

			return results, nil
		})
		if err != nil {
			return nil, err
		}

		allResults = append(allResults, results...)
	}

	return allResults, nil
}

// Call runs fn with retries and records request metrics under method.
func Call[T any](ctx context.Context, cfg *config.RetryConfig, method string, fn func() (T, error)) (T, error) {
	var result T

	err := Retry(ctx, cfg, method, func() error {
		start := time.Now()
		RPCMethodInc(method)

		res, err := fn()
		RPCMethodDuration(method, time.Since(start))
		if err != nil {
			RPCMethodError(method, errorType(err))
			return err
		}

		result = res
		return nil
	})

	return result, err
}

func errorType(err error) string {
	if reason := Classify(err); reason != "" {
		return reason
	}
	return "permanent"
}

// toBlockNumArg converts a block number to hex format.
func toBlockNumArg(blockNum uint64) string {
	return fmt.Sprintf("0x%x", blockNum)
}
