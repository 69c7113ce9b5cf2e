package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChecksum_Deterministic(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ComputeChecksum(tt.data), ComputeChecksum(tt.data))
		})
	}
}

func TestValidateChecksum(t *testing.T) {
	data := []byte("record payload")
	sum := ComputeChecksum(data)

	assert.True(t, ValidateChecksum(data, sum))
	assert.False(t, ValidateChecksum(data, sum+1))
}

func TestAppendAndStripChecksum(t *testing.T) {
	data := []byte("round trip payload")

	rec := AppendChecksum(data)
	require.Len(t, rec, len(data)+4)

	payload, ok := ValidateAndStripChecksum(rec)
	assert.True(t, ok)
	assert.Equal(t, data, payload)

	// Corrupt a payload byte: trailer must no longer validate.
	rec[0] ^= 0xFF
	_, ok = ValidateAndStripChecksum(rec)
	assert.False(t, ok)
}

func TestValidateAndStripChecksum_Short(t *testing.T) {
	_, ok := ValidateAndStripChecksum([]byte{1, 2, 3})
	assert.False(t, ok)
}
