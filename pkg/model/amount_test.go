package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDisplay(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals int32
		want     uint64
		wantErr  bool
	}{
		{name: "whole units", input: "1000", decimals: 0, want: 1000},
		{name: "six decimals", input: "12.5", decimals: 6, want: 12_500_000},
		{name: "smallest unit", input: "0.00000001", decimals: 8, want: 1},
		{name: "too precise", input: "0.0000001", decimals: 6, wantErr: true},
		{name: "negative", input: "-1", decimals: 6, wantErr: true},
		{name: "garbage", input: "ten", decimals: 6, wantErr: true},
		{name: "overflow", input: "18446744073709551616", decimals: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromDisplay(tt.input, tt.decimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToDisplay(t *testing.T) {
	assert.Equal(t, "12.5", ToDisplay(12_500_000, 6).String())
	assert.Equal(t, "1000", ToDisplay(1000, 0).String())
	assert.Equal(t, "0", ToDisplay(0, 8).String())
}
