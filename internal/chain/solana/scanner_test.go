package solana

import (
	"encoding/json"
	"testing"

	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/trigger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/stretchr/testify/require"
)

const (
	tokenProgram  = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	systemProgram = "11111111111111111111111111111111"
)

func envelope(t *testing.T, txs ...any) *chain.RawEnvelope {
	t.Helper()

	p := BlockPayload{Slot: 300, Blockhash: "hash300", ParentSlot: 298, PreviousBlockhash: "hash298", BlockTime: 1700000000}
	for _, tx := range txs {
		raw, err := json.Marshal(tx)
		require.NoError(t, err)
		p.Transactions = append(p.Transactions, raw)
	}

	payload, err := json.Marshal(p)
	require.NoError(t, err)

	return &chain.RawEnvelope{
		ChainType:    chain.Solana,
		DataKind:     chain.KindBlock,
		Network:      "mainnet-beta",
		BlockNumber:  300,
		BlockHash:    "hash300",
		ParentNumber: 298,
		ParentHash:   "hash298",
		Version:      chain.EnvelopeVersion,
		Payload:      payload,
	}
}

func tokenSource(mapping indexer.Mapping) indexer.DataSource {
	mapping.Kind = indexer.MappingWasm
	mapping.File = "token.wasm"
	return indexer.DataSource{
		Kind:    "solana",
		Name:    "Token",
		Network: "mainnet-beta",
		Source:  indexer.Source{Address: tokenProgram},
		Mapping: mapping,
	}
}

func newFilter(t *testing.T, sources ...indexer.DataSource) *trigger.Filter {
	t.Helper()

	f, err := trigger.FromDataSources(chain.Solana, sources, Normalizer{})
	require.NoError(t, err)

	return f
}

func transferTx(index int) Transaction {
	return Transaction{
		Signature: "sig",
		Index:     index,
		Success:   true,
		Instructions: []Instruction{
			{ProgramID: systemProgram, Data: "0x02000000"},
			{ProgramID: tokenProgram, Accounts: []string{"a", "b"}, Data: "0x03e803000000000000"},
		},
		LogMessages: []string{
			"Program " + systemProgram + " invoke [1]",
			"Program " + systemProgram + " success",
			"Program " + tokenProgram + " invoke [1]",
			"Program log: Instruction: Transfer",
			"Program " + tokenProgram + " success",
		},
	}
}

func TestScanner_InstructionsThenLogs(t *testing.T) {
	f := newFilter(t, tokenSource(indexer.Mapping{
		CallHandlers:  []indexer.CallHandler{{Function: "0x03", Handler: "handleTransferIx"}},
		EventHandlers: []indexer.EventHandler{{Event: "Program log: Instruction:", Handler: "handleLog"}},
		BlockHandlers: []indexer.BlockHandler{{Handler: "handleBlock", Filter: &indexer.BlockHandlerFilter{Kind: indexer.BlockFilterCall}}},
	}))

	out, err := NewScanner(logger.NewNopLogger()).Scan(envelope(t, transferTx(1), transferTx(0)), f)
	require.NoError(t, err)
	require.Equal(t, uint64(1700000000), out.Block.Timestamp)

	type step struct {
		handler string
		index   int
	}
	var got []step
	for _, occ := range out.Triggers {
		got = append(got, step{occ.Handler, occ.Index})
	}

	// each transaction is 2 instructions followed by 5 log messages
	require.Equal(t, []step{
		{"handleTransferIx", 1},
		{"handleLog", 5},
		{"handleTransferIx", 8},
		{"handleLog", 12},
		{"handleBlock", 14},
	}, got)

	var ix InstructionPayload
	require.NoError(t, json.Unmarshal(out.Triggers[0].Payload, &ix))
	require.Equal(t, 0, ix.TxIndex)
	require.Equal(t, 1, ix.Index)
	require.Equal(t, tokenProgram, ix.Instruction.ProgramID)

	var lp LogPayload
	require.NoError(t, json.Unmarshal(out.Triggers[1].Payload, &lp))
	require.Equal(t, tokenProgram, lp.ProgramID)
	require.Equal(t, "Program log: Instruction: Transfer", lp.Message)
}

func TestScanner_AnchorDiscriminator(t *testing.T) {
	disc := AnchorDiscriminator("initialize")

	f := newFilter(t, tokenSource(indexer.Mapping{
		CallHandlers: []indexer.CallHandler{{Function: "initialize", Handler: "handleInit"}},
	}))

	tx := Transaction{
		Signature: "sig",
		Instructions: []Instruction{
			{ProgramID: tokenProgram, Data: disc + "0102"},
			{ProgramID: tokenProgram, Data: "0x00"},
		},
	}

	out, err := NewScanner(logger.NewNopLogger()).Scan(envelope(t, tx), f)
	require.NoError(t, err)
	require.Len(t, out.Triggers, 1)
	require.Equal(t, "handleInit", out.Triggers[0].Handler)
}

func TestScanner_SkipsMalformedTransaction(t *testing.T) {
	f := newFilter(t, tokenSource(indexer.Mapping{
		CallHandlers: []indexer.CallHandler{{Function: "*", Handler: "handleAny"}},
	}))

	out, err := NewScanner(logger.NewNopLogger()).Scan(envelope(t, "not a transaction", transferTx(1)), f)
	require.NoError(t, err)
	require.Len(t, out.Triggers, 1)
	require.Equal(t, chain.KindTransaction, out.Triggers[0].Kind)
}

func TestScanner_NoMatches(t *testing.T) {
	f := newFilter(t, tokenSource(indexer.Mapping{
		CallHandlers: []indexer.CallHandler{{Function: "0xff", Handler: "handleNothing"}},
	}))

	out, err := NewScanner(logger.NewNopLogger()).Scan(envelope(t, transferTx(0)), f)
	require.NoError(t, err)
	require.NotNil(t, out.Triggers)
	require.Empty(t, out.Triggers)

	_, err = NewScanner(logger.NewNopLogger()).Scan(&chain.RawEnvelope{DataKind: chain.KindEvent}, f)
	require.ErrorIs(t, err, trigger.ErrUnsupportedKind)
}

func TestInvokedProgram(t *testing.T) {
	var stack []string

	require.Equal(t, "", invokedProgram(&stack, "Program log: before any invoke"))
	require.Equal(t, "outer", invokedProgram(&stack, "Program outer invoke [1]"))
	require.Equal(t, "inner", invokedProgram(&stack, "Program inner invoke [2]"))
	require.Equal(t, "inner", invokedProgram(&stack, "Program log: from inner"))
	require.Equal(t, "inner", invokedProgram(&stack, "Program inner failed: custom program error: 0x1"))
	require.Equal(t, "outer", invokedProgram(&stack, "Program outer consumed 100 of 200000 compute units"))
	require.Equal(t, "outer", invokedProgram(&stack, "Program outer success"))
	require.Empty(t, stack)
}

func TestNormalizer(t *testing.T) {
	n := Normalizer{}

	addr, err := n.Address(tokenProgram)
	require.NoError(t, err)
	require.Equal(t, tokenProgram, addr)

	_, err = n.Address("0xnotbase58")
	require.Error(t, err)

	key, err := n.Call("0xAB01")
	require.NoError(t, err)
	require.Equal(t, "0xab01", key)

	key, err = n.Call("initialize")
	require.NoError(t, err)
	require.Len(t, key, 18)

	_, err = n.Call("0xabc")
	require.Error(t, err)

	_, err = n.Event("  ")
	require.Error(t, err)

	require.True(t, n.PrefixKeys())
}
