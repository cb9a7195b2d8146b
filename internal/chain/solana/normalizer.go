package solana

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/goran-ethernal/MultiChainIndexor/internal/trigger"
)

var (
	_ trigger.Normalizer    = Normalizer{}
	_ trigger.PrefixMatcher = Normalizer{}
)

var (
	hexDataPattern    = regexp.MustCompile(`^0x([0-9a-fA-F]{2})+$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Normalizer maps manifest values to base58 program ids, log message prefixes and instruction data prefixes.
type Normalizer struct{}

// Address validates a base58 program id.
func (Normalizer) Address(addr string) (string, error) {
	if addr == "" {
		return "", nil
	}

	pk, err := solana.PublicKeyFromBase58(addr)
	if err != nil {
		return "", err
	}

	return pk.String(), nil
}

// Event accepts a log message prefix such as "Program log: Instruction: Transfer".
func (Normalizer) Event(event string) (string, error) {
	if strings.TrimSpace(event) == "" {
		return "", fmt.Errorf("empty log prefix")
	}

	return event, nil
}

// Call accepts a hex instruction data prefix or an Anchor instruction name, which matches its discriminator.
func (Normalizer) Call(function string) (string, error) {
	switch {
	case hexDataPattern.MatchString(function):
		return strings.ToLower(function), nil
	case identifierPattern.MatchString(function):
		return AnchorDiscriminator(function), nil
	default:
		return "", fmt.Errorf("expected 0x-prefixed hex data or an instruction name")
	}
}

// PrefixKeys makes keys match instruction data and log messages by prefix.
func (Normalizer) PrefixKeys() bool {
	return true
}

// AnchorDiscriminator returns the hex discriminator Anchor prepends to instruction data.
func AnchorDiscriminator(name string) string {
	sum := sha256.Sum256([]byte("global:" + name))
	return "0x" + hex.EncodeToString(sum[:8])
}
