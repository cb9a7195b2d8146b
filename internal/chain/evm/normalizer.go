package evm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goran-ethernal/MultiChainIndexor/internal/trigger"
)

var _ trigger.Normalizer = Normalizer{}

var (
	topicPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	selectorPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{8}$`)
	indexedPattern  = regexp.MustCompile(`\bindexed\b`)
)

// Normalizer maps manifest values to lowercase hex addresses, topic0 hashes and 4-byte selectors.
type Normalizer struct{}

// Address lowercases a checksummed or plain hex address.
func (Normalizer) Address(addr string) (string, error) {
	if addr == "" {
		return "", nil
	}
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("not a hex address")
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// Event accepts a topic0 hash or an event signature such as "Transfer(indexed address,indexed address,uint256)".
func (Normalizer) Event(event string) (string, error) {
	if topicPattern.MatchString(event) {
		return strings.ToLower(event), nil
	}

	sig, err := canonicalSignature(event)
	if err != nil {
		return "", err
	}
	return crypto.Keccak256Hash([]byte(sig)).Hex(), nil
}

// Call accepts a 4-byte selector or a function signature such as "transfer(address,uint256)".
func (Normalizer) Call(function string) (string, error) {
	if selectorPattern.MatchString(function) {
		return strings.ToLower(function), nil
	}

	sig, err := canonicalSignature(function)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(crypto.Keccak256([]byte(sig))[:4]), nil
}

// canonicalSignature drops "indexed" markers and whitespace and validates the result.
func canonicalSignature(sig string) (string, error) {
	sig = indexedPattern.ReplaceAllString(sig, "")
	sig = strings.Join(strings.Fields(sig), "")

	if _, err := abi.ParseSelector(sig); err != nil {
		return "", fmt.Errorf("invalid signature %q: %w", sig, err)
	}

	return sig, nil
}

// Key returns the lowercase hex form of an address as used in filter lookups.
func Key(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
