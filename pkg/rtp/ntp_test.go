package rtp

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNTPConversion(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 15, 250_000_000, time.UTC)
	ntp := NTPTimestamp(now)

	assert.WithinDuration(t, now, NTPTimestampToTime(ntp), time.Microsecond)
	assert.Equal(t, uint32(ntp>>16), ntpMiddle(ntp))
	assert.Equal(t, uint64(0), NTPTimestamp(time.Date(1800, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestNTPShortFormat(t *testing.T) {
	assert.Equal(t, uint32(65536), durationToNTPShort(time.Second))
	assert.Equal(t, uint32(0), durationToNTPShort(-time.Second))
	assert.Equal(t, 500*time.Millisecond, ntpShortToDuration(32768))
	assert.InDelta(t, float64(150*time.Millisecond), float64(ntpShortToDuration(durationToNTPShort(150*time.Millisecond))), float64(20*time.Microsecond))
}

func TestIsControlPacket(t *testing.T) {
	rr, err := (&rtcp.ReceiverReport{SSRC: 1}).Marshal()
	require.NoError(t, err)
	assert.True(t, IsControlPacket(rr))

	assert.False(t, IsControlPacket(rtpBytes(t, 0x1234, 1, 160)))
	assert.False(t, IsControlPacket([]byte{0x80, 200}))

	// PT 72 с маркером неотличим от SR, поэтому 72..76 запрещены для данных
	marked := rtpBytes(t, 0x1234, 1, 160)
	marked[1] = 0x80 | 72
	assert.True(t, IsControlPacket(marked))

	notV2 := append([]byte(nil), rr...)
	notV2[0] &^= 0xC0
	assert.False(t, IsControlPacket(notV2))
}
