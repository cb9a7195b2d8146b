package trigger

import (
	"encoding/json"

	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
)

// Block is the chain-agnostic header of a scanned block.
type Block struct {
	Number       uint64 `json:"number"`
	Hash         string `json:"hash"`
	ParentNumber uint64 `json:"parent_number"`
	ParentHash   string `json:"parent_hash"`
	Timestamp    uint64 `json:"timestamp"`
}

// Ptr returns the pointer of the block.
func (b Block) Ptr() chain.BlockPtr {
	return chain.BlockPtr{Number: b.Number, Hash: b.Hash}
}

// BlockFromEnvelope returns the header fields carried by an envelope.
func BlockFromEnvelope(env *chain.RawEnvelope) Block {
	return Block{
		Number:       env.BlockNumber,
		Hash:         env.BlockHash,
		ParentNumber: env.ParentNumber,
		ParentHash:   env.ParentHash,
	}
}

// Occurrence is one handler invocation produced by scanning a block.
type Occurrence struct {
	Handler    string          `json:"handler"`
	DataSource string          `json:"data_source"`
	Kind       chain.DataKind  `json:"kind"`
	Address    string          `json:"address,omitempty"`
	Context    map[string]any  `json:"context,omitempty"`
	Index      int             `json:"index"` // position of the matched element within the block
	Payload    json.RawMessage `json:"payload"`
}

// BlockWithTriggers is the result of scanning a block. Triggers is empty, never nil, for quiet blocks.
type BlockWithTriggers struct {
	Block    Block        `json:"block"`
	Triggers []Occurrence `json:"triggers"`
}

// NewBlockWithTriggers creates a result with no triggers.
func NewBlockWithTriggers(block Block) *BlockWithTriggers {
	return &BlockWithTriggers{Block: block, Triggers: []Occurrence{}}
}

// Add appends an occurrence for every match, all sharing the same payload.
func (b *BlockWithTriggers) Add(kind chain.DataKind, index int, matches []Match, payload json.RawMessage) {
	for _, m := range matches {
		b.Triggers = append(b.Triggers, Occurrence{
			Handler:    m.Handler,
			DataSource: m.DataSource,
			Kind:       kind,
			Address:    m.Address,
			Context:    m.Context,
			Index:      index,
			Payload:    payload,
		})
	}
}
