package handler

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNonDeterministic(t *testing.T) {
	base := errors.New("store unavailable")

	err := NonDeterministic(base)
	require.True(t, IsNonDeterministic(err))
	require.ErrorIs(t, err, base)

	wrapped := fmt.Errorf("handler %s: %w", "handleTransfer", err)
	require.True(t, IsNonDeterministic(wrapped))

	require.False(t, IsNonDeterministic(base))
	require.False(t, IsNonDeterministic(nil))
	require.NoError(t, NonDeterministic(nil))
}
