package chain

import (
	"fmt"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
)

// ChainType identifies a family of chains sharing one watcher, decoder and trigger filter implementation.
type ChainType string

const (
	Ethereum  ChainType = "ethereum"
	Solana    ChainType = "solana"
	Substrate ChainType = "substrate"
)

// AllChainTypes lists the supported chain types.
var AllChainTypes = []ChainType{Ethereum, Solana, Substrate}

// IsValid returns true if c is a supported chain type.
func (c ChainType) IsValid() bool {
	switch c {
	case Ethereum, Solana, Substrate:
		return true
	default:
		return false
	}
}

func (c ChainType) String() string {
	return string(c)
}

// ParseChainType converts a string into a ChainType.
func ParseChainType(s string) (ChainType, error) {
	c := ChainType(common.ToLowerWithTrim(s))
	if !c.IsValid() {
		return "", fmt.Errorf("invalid chain type: %s (must be one of: ethereum, solana, substrate)", s)
	}

	return c, nil
}

// DataKind is the shape of an envelope payload within a chain.
type DataKind string

const (
	KindBlock       DataKind = "block"
	KindTransaction DataKind = "transaction"
	KindEvent       DataKind = "event"
)

// IsValid returns true if k is a supported data kind.
func (k DataKind) IsValid() bool {
	switch k {
	case KindBlock, KindTransaction, KindEvent:
		return true
	default:
		return false
	}
}

func (k DataKind) String() string {
	return string(k)
}

// ParseDataKind converts a string into a DataKind.
func ParseDataKind(s string) (DataKind, error) {
	k := DataKind(common.ToLowerWithTrim(s))
	if !k.IsValid() {
		return "", fmt.Errorf("invalid data kind: %s (must be one of: block, transaction, event)", s)
	}

	return k, nil
}

// BlockPtr points to a block by number and hash.
type BlockPtr struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// IsZero returns true if the pointer does not reference any block.
func (b BlockPtr) IsZero() bool {
	return b.Number == 0 && b.Hash == ""
}

func (b BlockPtr) String() string {
	return fmt.Sprintf("#%d (%s)", b.Number, b.Hash)
}

// RawEnvelope is the unit published by watchers and streamed by the hub.
// The hub never interprets Payload.
type RawEnvelope struct {
	ChainType    ChainType `json:"chain_type"`
	DataKind     DataKind  `json:"data_kind"`
	Network      string    `json:"network"`
	BlockNumber  uint64    `json:"block_number"`
	BlockHash    string    `json:"block_hash"`
	ParentNumber uint64    `json:"parent_number"`
	ParentHash   string    `json:"parent_hash"`
	Version      string    `json:"version"`
	Payload      []byte    `json:"payload"`
}

// Ptr returns the pointer of the envelope's block.
func (e *RawEnvelope) Ptr() BlockPtr {
	return BlockPtr{Number: e.BlockNumber, Hash: e.BlockHash}
}

// Parent returns the pointer of the envelope's parent block.
func (e *RawEnvelope) Parent() BlockPtr {
	return BlockPtr{Number: e.ParentNumber, Hash: e.ParentHash}
}

// EnvelopeVersion is the payload format version written by the built-in adapters.
const EnvelopeVersion = "1"
