package substrate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/goran-ethernal/MultiChainIndexor/internal/trigger"
	"github.com/mr-tron/base58"
)

var _ trigger.Normalizer = Normalizer{}

var (
	keyPattern       = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*\.[A-Za-z][A-Za-z0-9_]*$`)
	publicKeyPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// Normalizer maps manifest values to SS58 accounts and lowercase "pallet.method" keys.
type Normalizer struct{}

// Address accepts an SS58 account or a 0x-prefixed 32 byte public key.
func (Normalizer) Address(addr string) (string, error) {
	if addr == "" {
		return "", nil
	}
	if publicKeyPattern.MatchString(addr) {
		return strings.ToLower(addr), nil
	}

	raw, err := base58.Decode(addr)
	if err != nil {
		return "", fmt.Errorf("not an ss58 address: %w", err)
	}
	// 1 or 2 byte network prefix, 32 byte account id, 2 byte checksum
	if len(raw) != 35 && len(raw) != 36 {
		return "", fmt.Errorf("not an ss58 address: decoded length %d", len(raw))
	}

	return addr, nil
}

// Event accepts "Pallet.Event", e.g. "Balances.Transfer".
func (Normalizer) Event(event string) (string, error) {
	return parseKey(event)
}

// Call accepts "pallet.call", e.g. "balances.transferKeepAlive".
func (Normalizer) Call(function string) (string, error) {
	return parseKey(function)
}

func parseKey(s string) (string, error) {
	if !keyPattern.MatchString(s) {
		return "", fmt.Errorf("expected pallet.method")
	}
	return normalizeKey(s), nil
}

// normalizeKey lowercases and drops underscores so that "transfer_keep_alive" and "transferKeepAlive" match.
func normalizeKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}
