package evm

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/trigger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
)

var _ trigger.Scanner = (*Scanner)(nil)

// Scanner walks ethereum block envelopes: per transaction its call, then its logs by log index,
// then block handlers.
type Scanner struct {
	log *logger.Logger

	mu   sync.Mutex
	abis map[string]*abi.ABI
}

// NewScanner creates an ethereum scanner.
func NewScanner(log *logger.Logger) *Scanner {
	return &Scanner{
		log:  log.WithComponent(common.ComponentScanner),
		abis: make(map[string]*abi.ABI),
	}
}

func (s *Scanner) ChainType() chain.ChainType {
	return chain.Ethereum
}

func (s *Scanner) Normalizer() trigger.Normalizer {
	return Normalizer{}
}

// Scan decodes a block envelope and matches it against filter.
func (s *Scanner) Scan(env *chain.RawEnvelope, filter *trigger.Filter) (*trigger.BlockWithTriggers, error) {
	if env.DataKind != chain.KindBlock {
		return nil, fmt.Errorf("%w: %s", trigger.ErrUnsupportedKind, env.DataKind)
	}

	var p BlockPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode block payload: %w", err)
	}

	block := trigger.BlockFromEnvelope(env)
	block.Timestamp = p.Timestamp
	out := trigger.NewBlockWithTriggers(block)

	txs := make([]Transaction, 0, len(p.Transactions))
	for i, raw := range p.Transactions {
		var tx Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			s.skip(env, "transaction", i, err)
			continue
		}
		txs = append(txs, tx)
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Index < txs[j].Index })

	logsByTx := make(map[uint][]*types.Log)
	for i, raw := range p.Logs {
		l := new(types.Log)
		if err := json.Unmarshal(raw, l); err != nil {
			s.skip(env, "log", i, err)
			continue
		}
		logsByTx[l.TxIndex] = append(logsByTx[l.TxIndex], l)
	}
	for _, logs := range logsByTx {
		sort.SliceStable(logs, func(i, j int) bool { return logs[i].Index < logs[j].Index })
	}

	touched := make(map[string]bool)
	index := 0

	for _, tx := range txs {
		s.scanCall(env, filter, out, tx, index, touched)
		index++

		for _, l := range logsByTx[tx.Index] {
			s.scanLog(env, filter, out, l, index, touched)
			index++
		}
		delete(logsByTx, tx.Index)
	}

	// logs of transactions missing from the payload keep their transaction order
	orphans := make([]uint, 0, len(logsByTx))
	for txIndex := range logsByTx {
		orphans = append(orphans, txIndex)
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	for _, txIndex := range orphans {
		for _, l := range logsByTx[txIndex] {
			s.scanLog(env, filter, out, l, index, touched)
			index++
		}
	}

	blockMatches := filter.MatchBlock(env.BlockNumber, func(addr string) bool {
		if addr == "" {
			return len(touched) > 0
		}
		return touched[addr]
	})
	if len(blockMatches) > 0 {
		payload, err := json.Marshal(BlockSummary{
			Number:           p.Number,
			Hash:             p.Hash,
			ParentHash:       p.ParentHash,
			Timestamp:        p.Timestamp,
			TransactionCount: len(p.Transactions),
			LogCount:         len(p.Logs),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode block summary: %w", err)
		}
		out.Add(chain.KindBlock, index, blockMatches, payload)
	}

	return out, nil
}

func (s *Scanner) scanCall(
	env *chain.RawEnvelope,
	filter *trigger.Filter,
	out *trigger.BlockWithTriggers,
	tx Transaction,
	index int,
	touched map[string]bool,
) {
	if tx.To == nil {
		return
	}
	to := Key(*tx.To)
	touched[to] = true

	if len(tx.Input) < 4 {
		return
	}
	selector := hexutil.Encode(tx.Input[:4])

	for _, m := range filter.MatchCall(env.BlockNumber, to, selector) {
		payload := CallPayload{Block: env.BlockNumber, Transaction: tx, Selector: selector}

		if m.ABI != "" {
			contract, err := s.loadABI(m.ABI)
			if err != nil {
				s.skip(env, "abi", index, err)
				continue
			}
			if method, err := contract.MethodById(tx.Input[:4]); err == nil {
				inputs := make(map[string]any)
				if err := method.Inputs.UnpackIntoMap(inputs, tx.Input[4:]); err != nil {
					s.skip(env, "call", index, fmt.Errorf("failed to unpack %s inputs: %w", method.Name, err))
					continue
				}
				payload.Function = method.Sig
				payload.Inputs = inputs
			}
		}

		s.add(env, out, chain.KindTransaction, index, m, payload)
	}
}

func (s *Scanner) scanLog(
	env *chain.RawEnvelope,
	filter *trigger.Filter,
	out *trigger.BlockWithTriggers,
	l *types.Log,
	index int,
	touched map[string]bool,
) {
	addr := Key(l.Address)
	touched[addr] = true

	// anonymous events have no topic0 to match on
	if len(l.Topics) == 0 {
		return
	}
	topic0 := l.Topics[0].Hex()

	for _, m := range filter.MatchEvent(env.BlockNumber, addr, topic0) {
		payload := EventPayload{Log: l}

		if m.ABI != "" {
			contract, err := s.loadABI(m.ABI)
			if err != nil {
				s.skip(env, "abi", index, err)
				continue
			}
			if event, err := contract.EventByID(l.Topics[0]); err == nil {
				params, err := unpackEvent(event, l)
				if err != nil {
					s.skip(env, "log", index, fmt.Errorf("failed to unpack %s: %w", event.Name, err))
					continue
				}
				payload.Event = event.Sig
				payload.Params = params
			}
		}

		s.add(env, out, chain.KindEvent, index, m, payload)
	}
}

func unpackEvent(event *abi.Event, l *types.Log) (map[string]any, error) {
	params := make(map[string]any)

	if len(l.Data) > 0 {
		if err := event.Inputs.NonIndexed().UnpackIntoMap(params, l.Data); err != nil {
			return nil, err
		}
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if len(l.Topics)-1 != len(indexed) {
			return nil, fmt.Errorf("expected %d indexed topics, got %d", len(indexed), len(l.Topics)-1)
		}
		if err := abi.ParseTopicsIntoMap(params, indexed, l.Topics[1:]); err != nil {
			return nil, err
		}
	}

	return params, nil
}

func (s *Scanner) add(
	env *chain.RawEnvelope,
	out *trigger.BlockWithTriggers,
	kind chain.DataKind,
	index int,
	m trigger.Match,
	payload any,
) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.skip(env, string(kind), index, err)
		return
	}

	out.Add(kind, index, []trigger.Match{m}, raw)
}

func (s *Scanner) skip(env *chain.RawEnvelope, element string, index int, err error) {
	trigger.DecodeErrorInc(chain.Ethereum.String(), element)
	s.log.Warnw("skipping malformed element",
		"block", env.BlockNumber,
		"element", element,
		"index", index,
		"error", err,
	)
}

// loadABI reads and caches a contract ABI by path.
func (s *Scanner) loadABI(path string) (*abi.ABI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.abis[path]; ok {
		return a, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open abi %s: %w", path, err)
	}
	defer f.Close()

	a, err := abi.JSON(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse abi %s: %w", path, err)
	}
	s.abis[path] = &a

	return &a, nil
}
