package solana

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/rpc"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
)

// JSON-RPC error codes for slots without a block.
const (
	codeSlotSkipped         = -32007
	codeLongTermStorageSlot = -32009
)

// Compile-time check to ensure the solana-go client implements Client.
var _ Client = (*solanarpc.Client)(nil)

// Client defines the RPC operations the solana source needs.
type Client interface {
	GetSlot(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
	GetBlockWithOpts(ctx context.Context, slot uint64, opts *solanarpc.GetBlockOpts) (*solanarpc.GetBlockResult, error)
	Close() error
}

// Source fetches solana blocks at a commitment level and encodes them as envelopes.
type Source struct {
	client     Client
	network    string
	commitment solanarpc.CommitmentType
	retry      *config.RetryConfig
	log        *logger.Logger
}

// NewSource creates a solana source. commitment is one of finalized, confirmed or processed.
func NewSource(client Client, network, commitment string, retry *config.RetryConfig, log *logger.Logger) *Source {
	return &Source{
		client:     client,
		network:    network,
		commitment: solanarpc.CommitmentType(commitment),
		retry:      retry,
		log:        log.WithComponent(common.ComponentWatcher),
	}
}

// Dial creates a source backed by a solana-go RPC client.
func Dial(endpoint, network, commitment string, retry *config.RetryConfig, log *logger.Logger) *Source {
	return NewSource(solanarpc.New(endpoint), network, commitment, retry, log)
}

func (s *Source) ChainType() chain.ChainType {
	return chain.Solana
}

func (s *Source) Network() string {
	return s.network
}

// Head returns the latest slot at the configured commitment.
func (s *Source) Head(ctx context.Context) (uint64, error) {
	slot, err := rpc.Call(ctx, s.retry, "getSlot", func() (uint64, error) {
		return s.client.GetSlot(ctx, s.commitment)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get %s slot: %w", s.commitment, err)
	}

	return slot, nil
}

// Fetch returns the envelope of the block produced in slot n, or nil if the slot was skipped.
func (s *Source) Fetch(ctx context.Context, n uint64) (*chain.RawEnvelope, error) {
	maxVersion := uint64(0)
	rewards := false

	block, err := s.getBlock(ctx, n, &solanarpc.GetBlockOpts{
		Encoding:                       solana.EncodingBase64,
		TransactionDetails:             solanarpc.TransactionDetailsFull,
		MaxSupportedTransactionVersion: &maxVersion,
		Rewards:                        &rewards,
		Commitment:                     s.commitment,
	})
	if err != nil || block == nil {
		return nil, err
	}

	payload, err := s.encode(n, block)
	if err != nil {
		return nil, fmt.Errorf("failed to encode slot %d: %w", n, err)
	}

	return &chain.RawEnvelope{
		ChainType:    chain.Solana,
		DataKind:     chain.KindBlock,
		Network:      s.network,
		BlockNumber:  n,
		BlockHash:    block.Blockhash.String(),
		ParentNumber: block.ParentSlot,
		ParentHash:   block.PreviousBlockhash.String(),
		Version:      chain.EnvelopeVersion,
		Payload:      payload,
	}, nil
}

// Hash returns the blockhash of slot n, or an empty string if the slot was skipped.
func (s *Source) Hash(ctx context.Context, n uint64) (string, error) {
	rewards := false

	block, err := s.getBlock(ctx, n, &solanarpc.GetBlockOpts{
		TransactionDetails: solanarpc.TransactionDetailsNone,
		Rewards:            &rewards,
		Commitment:         s.commitment,
	})
	if err != nil || block == nil {
		return "", err
	}

	return block.Blockhash.String(), nil
}

func (s *Source) getBlock(ctx context.Context, n uint64, opts *solanarpc.GetBlockOpts) (*solanarpc.GetBlockResult, error) {
	block, err := rpc.Call(ctx, s.retry, "getBlock", func() (*solanarpc.GetBlockResult, error) {
		return s.client.GetBlockWithOpts(ctx, n, opts)
	})
	if err != nil {
		if isSkippedSlot(err) {
			s.log.Debugw("slot skipped", "slot", n)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get slot %d: %w", n, err)
	}

	return block, nil
}

func isSkippedSlot(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == codeSlotSkipped || rpcErr.Code == codeLongTermStorageSlot
	}
	return false
}

func (s *Source) encode(n uint64, block *solanarpc.GetBlockResult) ([]byte, error) {
	p := BlockPayload{
		Slot:              n,
		Blockhash:         block.Blockhash.String(),
		ParentSlot:        block.ParentSlot,
		PreviousBlockhash: block.PreviousBlockhash.String(),
		Transactions:      make([]json.RawMessage, 0, len(block.Transactions)),
	}
	if block.BlockTime != nil {
		p.BlockTime = int64(*block.BlockTime)
	}
	if block.BlockHeight != nil {
		p.BlockHeight = *block.BlockHeight
	}

	for i, twm := range block.Transactions {
		tx, err := resolveTransaction(i, twm)
		if err != nil {
			s.log.Warnw("skipping undecodable transaction", "slot", n, "index", i, "error", err)
			continue
		}

		raw, err := json.Marshal(tx)
		if err != nil {
			return nil, err
		}
		p.Transactions = append(p.Transactions, raw)
	}

	return json.Marshal(p)
}

// resolveTransaction decodes a transaction and resolves instruction account indexes through
// the static and the loaded account keys.
func resolveTransaction(index int, twm solanarpc.TransactionWithMeta) (*Transaction, error) {
	if twm.Transaction == nil {
		return nil, fmt.Errorf("missing transaction")
	}

	parsed, err := twm.GetTransaction()
	if err != nil {
		return nil, err
	}

	keys := append(solana.PublicKeySlice{}, parsed.Message.AccountKeys...)

	tx := &Transaction{Index: index, Success: true}
	if len(parsed.Signatures) > 0 {
		tx.Signature = parsed.Signatures[0].String()
	}
	if twm.Meta != nil {
		tx.Success = twm.Meta.Err == nil
		tx.Fee = twm.Meta.Fee
		tx.LogMessages = twm.Meta.LogMessages
		keys = append(keys, twm.Meta.LoadedAddresses.Writable...)
		keys = append(keys, twm.Meta.LoadedAddresses.ReadOnly...)
	}

	key := func(i uint16) (string, error) {
		if int(i) >= len(keys) {
			return "", fmt.Errorf("account index %d out of range (%d keys)", i, len(keys))
		}
		return keys[i].String(), nil
	}

	tx.Instructions = make([]Instruction, 0, len(parsed.Message.Instructions))
	for _, ci := range parsed.Message.Instructions {
		program, err := key(ci.ProgramIDIndex)
		if err != nil {
			return nil, err
		}

		accounts := make([]string, 0, len(ci.Accounts))
		for _, a := range ci.Accounts {
			acc, err := key(a)
			if err != nil {
				return nil, err
			}
			accounts = append(accounts, acc)
		}

		tx.Instructions = append(tx.Instructions, Instruction{
			ProgramID: program,
			Accounts:  accounts,
			Data:      "0x" + hex.EncodeToString(ci.Data),
		})
	}

	return tx, nil
}

// Close closes the RPC client.
func (s *Source) Close() {
	if err := s.client.Close(); err != nil {
		s.log.Warnw("failed to close solana client", "error", err)
	}
}
