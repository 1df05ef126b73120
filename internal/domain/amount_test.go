package domain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigString(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, s)
	return v
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount(" 1000000000000000000000000 ")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000000", v.String())

	for _, in := range []string{"", "  ", "1.5", "abc", "0x10"} {
		_, err := ParseAmount(in)
		assert.Error(t, err, in)
	}
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr string
	}{
		{in: "1", want: "1000000000000000000"},
		{in: "1.5", want: "1500000000000000000"},
		{in: ".5", want: "500000000000000000"},
		{in: "2.", want: "2000000000000000000"},
		{in: "0.000000000000000001", want: "1"},
		{in: "", want: "0"},
		{in: " 3 ", want: "3000000000000000000"},
		{in: "-1", wantErr: "must be positive"},
		{in: "0.0000000000000000001", wantErr: "too many decimal places"},
		{in: "1e5", wantErr: "invalid amount format"},
		{in: "1.2.3", wantErr: "invalid amount format"},
		{in: "+1", wantErr: "invalid amount format"},
		{in: "1,5", wantErr: "invalid amount format"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUnits(tt.in)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		name      string
		amount    *big.Int
		precision int
		want      string
	}{
		{name: "nil", amount: nil, precision: 6, want: "0"},
		{name: "whole", amount: bigString(t, "2000000000000000000"), precision: 6, want: "2"},
		{name: "trailing zeros trimmed", amount: bigString(t, "1500000000000000000"), precision: 6, want: "1.5"},
		{name: "precision cut", amount: bigString(t, "1234567890000000000"), precision: 6, want: "1.234567"},
		{name: "dust below precision", amount: big.NewInt(1), precision: 6, want: "0"},
		{name: "full precision", amount: big.NewInt(1), precision: Decimals, want: "0.000000000000000001"},
		{name: "zero precision", amount: bigString(t, "1999999999999999999"), precision: 0, want: "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUnits(tt.amount, tt.precision))
		})
	}
}

func TestParseThenFormatUnits(t *testing.T) {
	v, err := ParseUnits("12.345")
	require.NoError(t, err)
	assert.Equal(t, "12.345", FormatUnits(v, Decimals))
}
