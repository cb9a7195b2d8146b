package evm

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestNormalizer(t *testing.T) {
	transferTopic := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")).Hex()

	tests := []struct {
		name    string
		fn      func(string) (string, error)
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "checksummed address",
			fn:    Normalizer{}.Address,
			input: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			want:  "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		},
		{
			name:  "empty address matches any",
			fn:    Normalizer{}.Address,
			input: "",
			want:  "",
		},
		{
			name:    "invalid address",
			fn:      Normalizer{}.Address,
			input:   "0x1234",
			wantErr: true,
		},
		{
			name:  "event signature",
			fn:    Normalizer{}.Event,
			input: "Transfer(address,address,uint256)",
			want:  transferTopic,
		},
		{
			name:  "event signature with indexed markers",
			fn:    Normalizer{}.Event,
			input: "Transfer(indexed address, indexed address, uint256)",
			want:  transferTopic,
		},
		{
			name:  "topic hash",
			fn:    Normalizer{}.Event,
			input: "0xDDF252AD1BE2C89B69C2B068FC378DAA952BA7F163C4A11628F55A4DF523B3EF",
			want:  transferTopic,
		},
		{
			name:    "bare event name",
			fn:      Normalizer{}.Event,
			input:   "Transfer",
			wantErr: true,
		},
		{
			name:  "function signature",
			fn:    Normalizer{}.Call,
			input: "transfer(address,uint256)",
			want:  "0xa9059cbb",
		},
		{
			name:  "selector",
			fn:    Normalizer{}.Call,
			input: "0xA9059CBB",
			want:  "0xa9059cbb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
