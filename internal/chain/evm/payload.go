package evm

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockPayload is the payload of an ethereum block envelope.
// Transactions and logs are kept raw so a malformed element only fails itself.
type BlockPayload struct {
	Number       uint64            `json:"number"`
	Hash         common.Hash       `json:"hash"`
	ParentHash   common.Hash       `json:"parent_hash"`
	Timestamp    uint64            `json:"timestamp"`
	Miner        common.Address    `json:"miner"`
	GasUsed      uint64            `json:"gas_used"`
	Transactions []json.RawMessage `json:"transactions"`
	Logs         []json.RawMessage `json:"logs"`
}

// Transaction is the part of a transaction handlers see.
type Transaction struct {
	Hash  common.Hash     `json:"hash"`
	Index uint            `json:"index"`
	From  *common.Address `json:"from,omitempty"`
	To    *common.Address `json:"to,omitempty"`
	Input hexutil.Bytes   `json:"input"`
	Value *hexutil.Big    `json:"value"`
}

// CallPayload is the trigger payload of a matched call.
type CallPayload struct {
	Block       uint64         `json:"block"`
	Transaction Transaction    `json:"transaction"`
	Selector    string         `json:"selector"`
	Function    string         `json:"function,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// EventPayload is the trigger payload of a matched log.
type EventPayload struct {
	Log    *types.Log     `json:"log"`
	Event  string         `json:"event,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// BlockSummary is the trigger payload of a block handler.
type BlockSummary struct {
	Number           uint64      `json:"number"`
	Hash             common.Hash `json:"hash"`
	ParentHash       common.Hash `json:"parent_hash"`
	Timestamp        uint64      `json:"timestamp"`
	TransactionCount int         `json:"transaction_count"`
	LogCount         int         `json:"log_count"`
}

// EncodeBlock builds the payload of a block and its logs. from resolves transaction senders and may be nil.
func EncodeBlock(block *types.Block, logs []types.Log, from func(tx *types.Transaction) *common.Address) ([]byte, error) {
	p := BlockPayload{
		Number:       block.NumberU64(),
		Hash:         block.Hash(),
		ParentHash:   block.ParentHash(),
		Timestamp:    block.Time(),
		Miner:        block.Coinbase(),
		GasUsed:      block.GasUsed(),
		Transactions: make([]json.RawMessage, 0, len(block.Transactions())),
		Logs:         make([]json.RawMessage, 0, len(logs)),
	}

	for i, tx := range block.Transactions() {
		t := Transaction{
			Hash:  tx.Hash(),
			Index: uint(i),
			To:    tx.To(),
			Input: tx.Data(),
			Value: (*hexutil.Big)(tx.Value()),
		}
		if from != nil {
			t.From = from(tx)
		}

		raw, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		p.Transactions = append(p.Transactions, raw)
	}

	for i := range logs {
		raw, err := json.Marshal(&logs[i])
		if err != nil {
			return nil, err
		}
		p.Logs = append(p.Logs, raw)
	}

	return json.Marshal(p)
}
