package common

import (
	"fmt"
	"strconv"
	"strings"
)

const bytesInMB = 1024 * 1024

// ParseUint64OrHex parses a block number, slot or timestamp as chain endpoints report them:
// decimal, or hexadecimal with a 0x prefix. Surrounding whitespace and quotes are ignored.
func ParseUint64OrHex(s string) (uint64, error) {
	str := strings.Trim(strings.TrimSpace(s), `"`)
	if str == "" {
		return 0, fmt.Errorf("empty number")
	}

	base := 10
	if rest, ok := cutHexPrefix(str); ok {
		str, base = rest, 16
	}

	n, err := strconv.ParseUint(str, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}

	return n, nil
}

func cutHexPrefix(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		return rest, true
	}
	return strings.CutPrefix(s, "0X")
}

// MBToBytes converts megabytes to bytes.
func MBToBytes(mb uint64) uint64 {
	return mb * bytesInMB
}

// BytesToMB converts bytes to whole megabytes.
func BytesToMB(bytes uint64) uint64 {
	return bytes / bytesInMB
}

// ToLowerWithTrim normalizes names read from configuration and manifests.
func ToLowerWithTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
