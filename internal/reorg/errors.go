package reorg

import (
	"errors"
	"fmt"
)

// ReorgDetectedError is returned when a fetched block does not extend the stored chain.
type ReorgDetectedError struct {
	FirstReorgBlock uint64
	Details         string
}

func (e *ReorgDetectedError) Error() string {
	return fmt.Sprintf("reorg detected at block %d: %s", e.FirstReorgBlock, e.Details)
}

// NewReorgError creates a new ReorgDetectedError.
func NewReorgError(firstReorgBlock uint64, details string) error {
	return &ReorgDetectedError{
		FirstReorgBlock: firstReorgBlock,
		Details:         details,
	}
}

// IsReorg reports whether err is, or wraps, a ReorgDetectedError.
func IsReorg(err error) (*ReorgDetectedError, bool) {
	var reorgErr *ReorgDetectedError
	if errors.As(err, &reorgErr) {
		return reorgErr, true
	}
	return nil, false
}
