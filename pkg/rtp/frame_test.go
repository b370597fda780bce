package rtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	frame := NewFrame(8, 4000, []byte{1, 2, 3, 4})
	frame.SequenceNumber = 100
	frame.SSRC = 0x1234
	frame.Marker = true

	data, err := frame.Marshal()
	require.NoError(t, err)

	parsed, err := ParseFrame(data, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), parsed.SequenceNumber)
	assert.Equal(t, uint32(0x1234), parsed.SSRC)
	assert.Equal(t, uint32(4000), parsed.Timestamp)
	assert.Equal(t, uint8(8), parsed.PayloadType)
	assert.True(t, parsed.Marker)
	assert.Equal(t, []byte{1, 2, 3, 4}, parsed.Payload)

	// Кадр не зависит от буфера чтения
	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, []byte{1, 2, 3, 4}, parsed.Payload)
}

func TestParseFrameRejects(t *testing.T) {
	valid := rtpBytes(t, 0x1234, 1, 160)

	badVersion := NewFrame(0, 0, []byte{1})
	badVersion.Version = 1
	badVersionData, err := badVersion.Marshal()
	require.NoError(t, err)

	reservedPT := NewFrame(73, 0, []byte{1})
	reservedPTData, err := reservedPT.Marshal()
	require.NoError(t, err)

	tests := []struct {
		name    string
		data    []byte
		maxSize int
	}{
		{"короче заголовка", valid[:8], 0},
		{"больше предела", valid, 100},
		{"версия 1", badVersionData, 0},
		{"payload type из диапазона RTCP", reservedPTData, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame(tt.data, tt.maxSize)
			assert.Error(t, err)
		})
	}
}
