package handler

import (
	"errors"
	"fmt"
)

// nonDeterministicError marks infrastructure failures that must not invalidate a deployment.
type nonDeterministicError struct {
	err error
}

func (e *nonDeterministicError) Error() string {
	return fmt.Sprintf("non-deterministic: %v", e.err)
}

func (e *nonDeterministicError) Unwrap() error {
	return e.err
}

// NonDeterministic wraps err so that the runtime retries it indefinitely instead of failing the deployment.
func NonDeterministic(err error) error {
	if err == nil {
		return nil
	}

	return &nonDeterministicError{err: err}
}

// IsNonDeterministic reports whether err, or any error it wraps, was marked with NonDeterministic.
func IsNonDeterministic(err error) bool {
	var nd *nonDeterministicError
	return errors.As(err, &nd)
}
