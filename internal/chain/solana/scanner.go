package solana

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/trigger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
)

var _ trigger.Scanner = (*Scanner)(nil)

// Scanner walks solana block envelopes: per transaction its instructions, then its log messages,
// then block handlers.
type Scanner struct {
	log *logger.Logger
}

// NewScanner creates a solana scanner.
func NewScanner(log *logger.Logger) *Scanner {
	return &Scanner{log: log.WithComponent(common.ComponentScanner)}
}

func (s *Scanner) ChainType() chain.ChainType {
	return chain.Solana
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
	if p.BlockTime > 0 {
		block.Timestamp = uint64(p.BlockTime)
	}
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

	touched := make(map[string]bool)
	index := 0

	for _, tx := range txs {
		for i, ix := range tx.Instructions {
			touched[ix.ProgramID] = true

			matches := filter.MatchCall(env.BlockNumber, ix.ProgramID, strings.ToLower(ix.Data))
			if len(matches) > 0 {
				s.add(env, out, chain.KindTransaction, index, matches, InstructionPayload{
					Slot:        env.BlockNumber,
					Signature:   tx.Signature,
					TxIndex:     tx.Index,
					Index:       i,
					Success:     tx.Success,
					Instruction: ix,
				})
			}
			index++
		}

		var stack []string
		for _, msg := range tx.LogMessages {
			program := invokedProgram(&stack, msg)

			matches := filter.MatchEvent(env.BlockNumber, program, msg)
			if len(matches) > 0 {
				s.add(env, out, chain.KindEvent, index, matches, LogPayload{
					Slot:      env.BlockNumber,
					Signature: tx.Signature,
					TxIndex:   tx.Index,
					ProgramID: program,
					Message:   msg,
				})
			}
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
		s.add(env, out, chain.KindBlock, index, blockMatches, BlockSummary{
			Slot:              p.Slot,
			Blockhash:         p.Blockhash,
			ParentSlot:        p.ParentSlot,
			PreviousBlockhash: p.PreviousBlockhash,
			BlockTime:         p.BlockTime,
			TransactionCount:  len(p.Transactions),
		})
	}

	return out, nil
}

// invokedProgram tracks the program invocation stack through "Program <id> invoke [n]" and
// "Program <id> success|failed" lines and returns the program that emitted msg.
func invokedProgram(stack *[]string, msg string) string {
	fields := strings.Fields(msg)
	if len(fields) >= 3 && fields[0] == "Program" {
		switch {
		case fields[2] == "invoke":
			*stack = append(*stack, fields[1])
			return fields[1]
		case fields[2] == "success" || strings.HasPrefix(fields[2], "failed"):
			program := fields[1]
			if n := len(*stack); n > 0 {
				*stack = (*stack)[:n-1]
			}
			return program
		}
	}

	if n := len(*stack); n > 0 {
		return (*stack)[n-1]
	}
	return ""
}

func (s *Scanner) add(
	env *chain.RawEnvelope,
	out *trigger.BlockWithTriggers,
	kind chain.DataKind,
	index int,
	matches []trigger.Match,
	payload any,
) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.skip(env, string(kind), index, err)
		return
	}

	out.Add(kind, index, matches, raw)
}

func (s *Scanner) skip(env *chain.RawEnvelope, element string, index int, err error) {
	trigger.DecodeErrorInc(chain.Solana.String(), element)
	s.log.Warnw("skipping malformed element",
		"slot", env.BlockNumber,
		"element", element,
		"index", index,
		"error", err,
	)
}
