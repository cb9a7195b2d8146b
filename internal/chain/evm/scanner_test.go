package evm

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/trigger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/stretchr/testify/require"
)

const erc20ABI = `[
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]},
	{"type":"event","name":"Approval","anonymous":false,"inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"spender","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	token    = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	other    = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	transfer = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	approval = crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))
)

func writeABI(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "erc20.json")
	require.NoError(t, os.WriteFile(path, []byte(erc20ABI), 0o600))

	return path
}

func transferLog(addr common.Address, txIndex, index uint, value int64) types.Log {
	return types.Log{
		Address: addr,
		Topics: []common.Hash{
			transfer,
			common.BytesToHash(alice.Bytes()),
			common.BytesToHash(bob.Bytes()),
		},
		Data:        common.BigToHash(big.NewInt(value)).Bytes(),
		BlockNumber: 10,
		TxHash:      common.BigToHash(big.NewInt(int64(txIndex) + 1)),
		TxIndex:     txIndex,
		Index:       index,
	}
}

func envelope(t *testing.T, txs []Transaction, logs []types.Log, extra ...json.RawMessage) *chain.RawEnvelope {
	t.Helper()

	p := BlockPayload{Number: 10, Hash: common.HexToHash("0x0a"), Timestamp: 1700000000}
	for _, tx := range txs {
		raw, err := json.Marshal(tx)
		require.NoError(t, err)
		p.Transactions = append(p.Transactions, raw)
	}
	for i := range logs {
		raw, err := json.Marshal(&logs[i])
		require.NoError(t, err)
		p.Logs = append(p.Logs, raw)
	}
	p.Logs = append(p.Logs, extra...)

	payload, err := json.Marshal(p)
	require.NoError(t, err)

	return &chain.RawEnvelope{
		ChainType:    chain.Ethereum,
		DataKind:     chain.KindBlock,
		Network:      "mainnet",
		BlockNumber:  10,
		BlockHash:    p.Hash.Hex(),
		ParentNumber: 9,
		ParentHash:   common.HexToHash("0x09").Hex(),
		Version:      chain.EnvelopeVersion,
		Payload:      payload,
	}
}

func newFilter(t *testing.T, sources ...indexer.DataSource) *trigger.Filter {
	t.Helper()

	f, err := trigger.FromDataSources(chain.Ethereum, sources, Normalizer{})
	require.NoError(t, err)

	return f
}

func erc20Source(abiPath string, mapping indexer.Mapping) indexer.DataSource {
	mapping.Kind = indexer.MappingNative
	mapping.File = "erc20.so"
	return indexer.DataSource{
		Kind:    "ethereum",
		Name:    "Token",
		Network: "mainnet",
		Source:  indexer.Source{Address: token.Hex(), ABI: abiPath},
		Mapping: mapping,
	}
}

func TestScanner_MatchesTransferOnly(t *testing.T) {
	abiPath := writeABI(t)
	f := newFilter(t, erc20Source(abiPath, indexer.Mapping{
		EventHandlers: []indexer.EventHandler{
			{Event: "Transfer(indexed address,indexed address,uint256)", Handler: "handleTransfer"},
		},
	}))

	approvalLog := transferLog(token, 0, 1, 7)
	approvalLog.Topics[0] = approval

	env := envelope(t, nil, []types.Log{
		transferLog(token, 0, 0, 42),
		approvalLog,
		transferLog(other, 0, 2, 1),
	})

	out, err := NewScanner(logger.NewNopLogger()).Scan(env, f)
	require.NoError(t, err)
	require.Equal(t, uint64(10), out.Block.Number)
	require.Equal(t, uint64(1700000000), out.Block.Timestamp)
	require.Len(t, out.Triggers, 1)

	occ := out.Triggers[0]
	require.Equal(t, "handleTransfer", occ.Handler)
	require.Equal(t, "Token", occ.DataSource)
	require.Equal(t, chain.KindEvent, occ.Kind)
	require.Equal(t, 0, occ.Index)

	var payload struct {
		Event  string         `json:"event"`
		Params map[string]any `json:"params"`
	}
	dec := json.NewDecoder(strings.NewReader(string(occ.Payload)))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&payload))
	require.Equal(t, "Transfer(address,address,uint256)", payload.Event)
	require.Equal(t, strings.ToLower(alice.Hex()), payload.Params["from"])
	require.Equal(t, strings.ToLower(bob.Hex()), payload.Params["to"])
	require.Equal(t, json.Number("42"), payload.Params["value"])
}

func TestScanner_CanonicalOrder(t *testing.T) {
	abiPath := writeABI(t)
	contract, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)
	input, err := contract.Pack("transfer", bob, big.NewInt(5))
	require.NoError(t, err)

	f := newFilter(t, erc20Source(abiPath, indexer.Mapping{
		EventHandlers: []indexer.EventHandler{{Event: "*", Handler: "handleEvent"}},
		CallHandlers:  []indexer.CallHandler{{Function: "transfer(address,uint256)", Handler: "handleCall"}},
		BlockHandlers: []indexer.BlockHandler{{Handler: "handleBlock"}},
	}))

	txs := []Transaction{
		{Hash: common.HexToHash("0x02"), Index: 1, To: &token, Input: input},
		{Hash: common.HexToHash("0x01"), Index: 0, To: &token, Input: input},
	}
	logs := []types.Log{
		transferLog(token, 1, 3, 3),
		transferLog(token, 0, 1, 1),
		transferLog(token, 1, 2, 2),
		transferLog(token, 5, 4, 4),
	}

	out, err := NewScanner(logger.NewNopLogger()).Scan(envelope(t, txs, logs), f)
	require.NoError(t, err)

	type step struct {
		handler string
		index   int
	}
	var got []step
	for _, occ := range out.Triggers {
		got = append(got, step{occ.Handler, occ.Index})
	}

	require.Equal(t, []step{
		{"handleCall", 0},  // tx 0
		{"handleEvent", 1}, // tx 0 log 1
		{"handleCall", 2},  // tx 1
		{"handleEvent", 3}, // tx 1 log 2
		{"handleEvent", 4}, // tx 1 log 3
		{"handleEvent", 5}, // log of a transaction missing from the block
		{"handleBlock", 6},
	}, got)

	var call CallPayload
	require.NoError(t, json.Unmarshal(out.Triggers[0].Payload, &call))
	require.Equal(t, "0xa9059cbb", call.Selector)
	require.Equal(t, "transfer(address,uint256)", call.Function)
	require.Equal(t, uint(0), call.Transaction.Index)
}

func TestScanner_SkipsMalformedLog(t *testing.T) {
	f := newFilter(t, erc20Source("", indexer.Mapping{
		EventHandlers: []indexer.EventHandler{{Event: "Transfer(address,address,uint256)", Handler: "handleTransfer"}},
	}))

	env := envelope(t, nil,
		[]types.Log{transferLog(token, 0, 0, 1), transferLog(token, 0, 2, 2)},
		json.RawMessage(`{"address":"0x01"}`),
	)

	out, err := NewScanner(logger.NewNopLogger()).Scan(env, f)
	require.NoError(t, err)
	require.Len(t, out.Triggers, 2)

	// without an abi the raw log is passed through
	var payload EventPayload
	require.NoError(t, json.Unmarshal(out.Triggers[1].Payload, &payload))
	require.Empty(t, payload.Event)
	require.Equal(t, uint(2), payload.Log.Index)
}

func TestScanner_BlockHandlerFilters(t *testing.T) {
	mapping := indexer.Mapping{
		BlockHandlers: []indexer.BlockHandler{
			{Handler: "onCall", Filter: &indexer.BlockHandlerFilter{Kind: indexer.BlockFilterCall}},
			{Handler: "onPoll", Filter: &indexer.BlockHandlerFilter{Kind: indexer.BlockFilterPolling, Every: 5}},
		},
	}
	f := newFilter(t, erc20Source("", mapping))
	s := NewScanner(logger.NewNopLogger())

	out, err := s.Scan(envelope(t, []Transaction{{Index: 0, To: &other}}, nil), f)
	require.NoError(t, err)
	require.Len(t, out.Triggers, 1)
	require.Equal(t, "onPoll", out.Triggers[0].Handler)

	out, err = s.Scan(envelope(t, []Transaction{{Index: 0, To: &token}}, nil), f)
	require.NoError(t, err)
	require.Len(t, out.Triggers, 2)
	require.Equal(t, "onCall", out.Triggers[0].Handler)

	var summary BlockSummary
	require.NoError(t, json.Unmarshal(out.Triggers[0].Payload, &summary))
	require.Equal(t, 1, summary.TransactionCount)
}

func TestScanner_Errors(t *testing.T) {
	f := newFilter(t)
	s := NewScanner(logger.NewNopLogger())

	_, err := s.Scan(&chain.RawEnvelope{DataKind: chain.KindEvent}, f)
	require.ErrorIs(t, err, trigger.ErrUnsupportedKind)

	_, err = s.Scan(&chain.RawEnvelope{DataKind: chain.KindBlock, Payload: []byte("{")}, f)
	require.Error(t, err)

	out, err := s.Scan(envelope(t, nil, nil), f)
	require.NoError(t, err)
	require.NotNil(t, out.Triggers)
	require.Empty(t, out.Triggers)
}
