package evm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBlockFinality(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      BlockFinality
		wantError bool
	}{
		{name: "finalized", input: "finalized", want: FinalityFinalized},
		{name: "safe", input: "safe", want: FinalitySafe},
		{name: "latest", input: "latest", want: FinalityLatest},
		{name: "solana commitment", input: "confirmed", wantError: true},
		{name: "empty", input: "", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBlockFinality(tt.input)
			if tt.wantError {
				require.Error(t, err)
				require.False(t, BlockFinality(tt.input).IsValid())
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.input, got.String())
		})
	}
}
