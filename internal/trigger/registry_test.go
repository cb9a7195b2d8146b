package trigger

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/stretchr/testify/require"
)

// fakeScanner treats the payload as a JSON list of "address:event" strings.
type fakeScanner struct{}

func (fakeScanner) ChainType() chain.ChainType { return chain.Ethereum }
func (fakeScanner) Normalizer() Normalizer     { return lowerNormalizer{} }

func (fakeScanner) Scan(env *chain.RawEnvelope, filter *Filter) (*BlockWithTriggers, error) {
	var events [][2]string
	if err := json.Unmarshal(env.Payload, &events); err != nil {
		return nil, err
	}

	out := NewBlockWithTriggers(BlockFromEnvelope(env))
	for i, e := range events {
		out.Add(chain.KindEvent, i, filter.MatchEvent(env.BlockNumber, e[0], e[1]), json.RawMessage(`{}`))
	}
	return out, nil
}

func TestRegistry_Scan(t *testing.T) {
	r := NewRegistry(logger.NewNopLogger(), fakeScanner{})
	require.Equal(t, []chain.ChainType{chain.Ethereum}, r.List())

	f, err := r.NewFilter(chain.Ethereum)
	require.NoError(t, err)
	require.NoError(t, f.Extend([]indexer.DataSource{
		dataSource("A", "0xaaa", 0, indexer.Mapping{
			EventHandlers: []indexer.EventHandler{{Event: "transfer", Handler: "h"}},
		}),
	}))

	env := &chain.RawEnvelope{
		ChainType:   chain.Ethereum,
		DataKind:    chain.KindBlock,
		BlockNumber: 103,
		BlockHash:   "0x103",
		Payload:     []byte(`[["0xaaa","transfer"],["0xbbb","transfer"],["0xaaa","approval"]]`),
	}

	first, err := r.Scan(env, f)
	require.NoError(t, err)
	require.Len(t, first.Triggers, 1)
	require.Equal(t, 0, first.Triggers[0].Index)

	second, err := r.Scan(env, f)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestRegistry_UndecodableEnvelopeYieldsEmptyBlock(t *testing.T) {
	r := NewRegistry(logger.NewNopLogger(), fakeScanner{})
	f, err := r.NewFilter(chain.Ethereum)
	require.NoError(t, err)

	env := &chain.RawEnvelope{ChainType: chain.Ethereum, BlockNumber: 7, BlockHash: "0x07", Payload: []byte("{")}
	got, err := r.Scan(env, f)
	require.NoError(t, err)
	require.Equal(t, uint64(7), got.Block.Number)
	require.Empty(t, got.Triggers)
}

func TestRegistry_UnknownChain(t *testing.T) {
	r := NewRegistry(logger.NewNopLogger())

	_, err := r.Get(chain.Solana)
	require.True(t, errors.Is(err, ErrNoScanner))

	_, err = r.NewFilter(chain.Solana)
	require.ErrorIs(t, err, ErrNoScanner)
}
