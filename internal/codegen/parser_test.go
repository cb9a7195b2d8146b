package codegen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEventSignature(t *testing.T) {
	tests := []struct {
		name      string
		signature string
		want      []EventParam
		wantErr   string
	}{
		{
			name:      "canonical form",
			signature: "Transfer(address,address,uint256)",
			want: []EventParam{
				{Name: "param0", Type: "address"},
				{Name: "param1", Type: "address"},
				{Name: "param2", Type: "uint256"},
			},
		},
		{
			name:      "indexed and named",
			signature: "Transfer(address indexed from, address indexed to, uint256 value)",
			want: []EventParam{
				{Name: "from", Type: "address", Indexed: true},
				{Name: "to", Type: "address", Indexed: true},
				{Name: "value", Type: "uint256"},
			},
		},
		{
			name:      "indexed without name",
			signature: "Deposit(address indexed, uint256 amount)",
			want: []EventParam{
				{Name: "param0", Type: "address", Indexed: true},
				{Name: "amount", Type: "uint256"},
			},
		},
		{
			name:      "arrays and fixed bytes",
			signature: "Batch(uint256[] ids, bytes32 root, address[3] signers)",
			want: []EventParam{
				{Name: "ids", Type: "uint256[]"},
				{Name: "root", Type: "bytes32"},
				{Name: "signers", Type: "address[3]"},
			},
		},
		{name: "no parameters", signature: "Initialized()", want: []EventParam{}},
		{name: "empty", signature: "  ", wantErr: "empty signature"},
		{name: "lowercase name", signature: "transfer(address)", wantErr: "invalid event name"},
		{name: "missing paren", signature: "Transfer", wantErr: "missing opening parenthesis"},
		{name: "unknown type", signature: "Transfer(uint7 value)", wantErr: "invalid Solidity type"},
		{name: "duplicate name", signature: "Transfer(address a, address a)", wantErr: "duplicate parameter name"},
		{name: "misplaced keyword", signature: "Transfer(address from to)", wantErr: "expected 'indexed'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEventSignature(tt.signature)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, got.Params)
		})
	}
}

func TestEventSignature_CanonicalAndTopic(t *testing.T) {
	e, err := ParseEventSignature("Transfer(address indexed from, address indexed to, uint256 value)")
	require.NoError(t, err)

	require.Equal(t, "Transfer(address,address,uint256)", e.CanonicalSignature())
	require.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", e.Topic())
	require.Len(t, e.IndexedParams(), 2)
}

func TestIsValidSolidityType(t *testing.T) {
	valid := []string{"address", "bool", "string", "bytes", "bytes1", "bytes32", "uint", "uint8", "int256",
		"uint256[]", "address[10]", "bytes32[][]"}
	invalid := []string{"", "uint7", "bytes33", "int512", "Address", "mapping", "uint256[x]"}

	for _, typ := range valid {
		require.True(t, isValidSolidityType(typ), typ)
	}
	for _, typ := range invalid {
		require.False(t, isValidSolidityType(typ), typ)
	}
}
