package substrate

import (
	"encoding/json"
	"fmt"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/trigger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
)

var _ trigger.Scanner = (*Scanner)(nil)

// Scanner walks substrate block envelopes: on_initialize events, then per extrinsic its call and events,
// then on_finalize events, then block handlers.
type Scanner struct {
	log *logger.Logger
}

// NewScanner creates a substrate scanner.
func NewScanner(log *logger.Logger) *Scanner {
	return &Scanner{log: log.WithComponent(common.ComponentScanner)}
}

func (s *Scanner) ChainType() chain.ChainType {
	return chain.Substrate
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

	touched := make(map[string]bool)
	index := 0

	scanEvents := func(events []Event, phase string, extrinsic *int, signer string) {
		for _, ev := range events {
			matches := filter.MatchEvent(env.BlockNumber, signer, ev.Method.Key())
			if len(matches) > 0 {
				s.add(env, out, chain.KindEvent, index, matches, EventPayload{
					Block:     env.BlockNumber,
					Phase:     phase,
					Extrinsic: extrinsic,
					Pallet:    ev.Method.Pallet,
					Method:    ev.Method.Method,
					Data:      ev.Data,
				})
			}
			index++
		}
	}

	scanEvents(p.OnInitialize, PhaseInitialization, nil, "")

	for i, raw := range p.Extrinsics {
		var x Extrinsic
		if err := json.Unmarshal(raw, &x); err != nil {
			s.skip(env, "extrinsic", index, err)
			index++
			continue
		}

		signer := x.Signer()
		if signer != "" {
			touched[signer] = true
		}

		matches := filter.MatchCall(env.BlockNumber, signer, x.Method.Key())
		if len(matches) > 0 {
			s.add(env, out, chain.KindTransaction, index, matches, CallPayload{
				Block:   env.BlockNumber,
				Index:   i,
				Hash:    x.Hash,
				Pallet:  x.Method.Pallet,
				Method:  x.Method.Method,
				Signer:  signer,
				Args:    x.Args,
				Success: x.Success,
			})
		}
		index++

		scanEvents(x.Events, PhaseApplyExtrinsic, &i, signer)
	}

	scanEvents(p.OnFinalize, PhaseFinalization, nil, "")

	blockMatches := filter.MatchBlock(env.BlockNumber, func(addr string) bool {
		if addr == "" {
			return len(touched) > 0
		}
		return touched[addr]
	})
	if len(blockMatches) > 0 {
		s.add(env, out, chain.KindBlock, index, blockMatches, BlockSummary{
			Number:         p.Number,
			Hash:           p.Hash,
			ParentHash:     p.ParentHash,
			Timestamp:      p.Timestamp,
			ExtrinsicCount: len(p.Extrinsics),
		})
	}

	return out, nil
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
	trigger.DecodeErrorInc(chain.Substrate.String(), element)
	s.log.Warnw("skipping malformed element",
		"block", env.BlockNumber,
		"element", element,
		"index", index,
		"error", err,
	)
}
