package solana

import "encoding/json"

// BlockPayload is the payload of a solana block envelope.
// Transactions are kept raw so a malformed transaction only fails itself.
type BlockPayload struct {
	Slot              uint64            `json:"slot"`
	Blockhash         string            `json:"blockhash"`
	ParentSlot        uint64            `json:"parent_slot"`
	PreviousBlockhash string            `json:"previous_blockhash"`
	BlockTime         int64             `json:"block_time"`
	BlockHeight       uint64            `json:"block_height,omitempty"`
	Transactions      []json.RawMessage `json:"transactions"`
}

// Transaction is a block transaction with its instructions resolved to account addresses.
type Transaction struct {
	Signature    string        `json:"signature"`
	Index        int           `json:"index"`
	Success      bool          `json:"success"`
	Fee          uint64        `json:"fee"`
	Instructions []Instruction `json:"instructions"`
	LogMessages  []string      `json:"log_messages"`
}

// Instruction is a top-level instruction. Data is 0x-prefixed hex.
type Instruction struct {
	ProgramID string   `json:"program_id"`
	Accounts  []string `json:"accounts"`
	Data      string   `json:"data"`
}

// InstructionPayload is the trigger payload of a matched instruction.
type InstructionPayload struct {
	Slot        uint64      `json:"slot"`
	Signature   string      `json:"signature"`
	TxIndex     int         `json:"tx_index"`
	Index       int         `json:"index"`
	Success     bool        `json:"success"`
	Instruction Instruction `json:"instruction"`
}

// LogPayload is the trigger payload of a matched log message.
type LogPayload struct {
	Slot      uint64 `json:"slot"`
	Signature string `json:"signature"`
	TxIndex   int    `json:"tx_index"`
	ProgramID string `json:"program_id,omitempty"`
	Message   string `json:"message"`
}

// BlockSummary is the trigger payload of a block handler.
type BlockSummary struct {
	Slot              uint64 `json:"slot"`
	Blockhash         string `json:"blockhash"`
	ParentSlot        uint64 `json:"parent_slot"`
	PreviousBlockhash string `json:"previous_blockhash"`
	BlockTime         int64  `json:"block_time"`
	TransactionCount  int    `json:"transaction_count"`
}
