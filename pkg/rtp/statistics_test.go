package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// feed подает кадр с заданным временем прихода
func feed(s *statistics, ts uint32, at time.Time) {
	f := NewFrame(0, ts, make([]byte, 160))
	s.onPacket(f, at)
}

func TestJitterEstimate(t *testing.T) {
	stats := newStatistics(8000, MediaTypeAudio, DirectionReceive, 0)
	start := time.Now()

	// Равномерный поток: транзит постоянен, jitter нулевой
	for i := 0; i < 5; i++ {
		feed(&stats, 1000+uint32(i)*160, start.Add(time.Duration(i)*20*time.Millisecond))
	}
	assert.Equal(t, uint32(0), stats.jitter())

	// Опоздание на 10 мс (80 тиков): J16 = 80, jitter = 80 >> 4
	feed(&stats, 1800, start.Add(110*time.Millisecond))
	assert.Equal(t, uint32(5), stats.jitter())

	// Возврат в график: J16 = 80 + 80 - ((80 + 8) >> 4) = 155
	feed(&stats, 1960, start.Add(120*time.Millisecond))
	assert.Equal(t, uint32(155>>4), stats.jitter())

	var snap Statistics
	stats.fill(&snap)
	assert.Equal(t, uint64(7), snap.Packets)
	assert.Equal(t, uint64(7*160), snap.Octets)
	assert.Equal(t, 1125*time.Microsecond, snap.Jitter)
	assert.Equal(t, 1125*time.Microsecond, snap.MaximumJitter)
}

func TestJitterIgnoresSendDirection(t *testing.T) {
	stats := newStatistics(8000, MediaTypeAudio, DirectionSend, 0)
	start := time.Now()
	feed(&stats, 0, start)
	feed(&stats, 160, start.Add(50*time.Millisecond))
	assert.Equal(t, uint32(0), stats.jitter())
}

func TestInterarrivalWindow(t *testing.T) {
	stats := newStatistics(8000, MediaTypeAudio, DirectionReceive, 4)
	start := time.Now()
	for i := 0; i < 5; i++ {
		feed(&stats, uint32(i)*160, start.Add(time.Duration(i)*20*time.Millisecond))
	}

	var snap Statistics
	stats.fill(&snap)
	assert.Equal(t, 20*time.Millisecond, snap.MinimumTime)
	assert.Equal(t, 20*time.Millisecond, snap.MaximumTime)
	assert.Equal(t, 20*time.Millisecond, snap.AverageTime)
	assert.Equal(t, start, snap.FirstPacketTime)
	assert.Equal(t, start.Add(80*time.Millisecond), snap.LastPacketTime)
}

func TestFractionLost(t *testing.T) {
	tests := []struct {
		expected, lost uint64
		want           uint8
	}{
		{100, 25, 64},
		{10, 0, 0},
		{0, 5, 0},
		{10, 20, 255},
		{256, 1, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fractionLost(tt.expected, tt.lost), "expected=%d lost=%d", tt.expected, tt.lost)
	}
}

func TestAggregate(t *testing.T) {
	now := time.Now()
	stats := []Statistics{
		{Direction: DirectionReceive, Packets: 10, Octets: 100, PacketsLost: 1, Jitter: time.Millisecond, FirstPacketTime: now.Add(time.Second)},
		{Direction: DirectionReceive, Packets: 5, Octets: 50, PacketsLost: 2, Jitter: 3 * time.Millisecond, FirstPacketTime: now},
		{Direction: DirectionSend, Packets: 100, Octets: 1000},
	}

	total := Aggregate(stats, DirectionReceive)
	assert.Equal(t, uint64(15), total.Packets)
	assert.Equal(t, uint64(150), total.Octets)
	assert.Equal(t, uint64(3), total.PacketsLost)
	assert.Equal(t, 3*time.Millisecond, total.Jitter)
	assert.Equal(t, now, total.FirstPacketTime)

	assert.Equal(t, uint64(100), Aggregate(stats, DirectionSend).Packets)
}

func TestInsignificantPacketsSkipSampling(t *testing.T) {
	type packet struct {
		at       time.Duration
		ts       uint32
		marker   bool
		excluded bool
	}
	tests := []struct {
		name      string
		mediaType MediaType
		clockRate uint32
		packets   []packet
		interval  time.Duration
	}{
		{
			name:      "audio talkspurt start",
			mediaType: MediaTypeAudio,
			clockRate: 8000,
			packets: []packet{
				{at: 0, ts: 0},
				{at: 20 * time.Millisecond, ts: 160},
				{at: 40 * time.Millisecond, ts: 320},
				{at: 60 * time.Millisecond, ts: 480},
				// После тишины: бит M, большой разрыв времени
				{at: 300 * time.Millisecond, ts: 4000, marker: true, excluded: true},
				{at: 320 * time.Millisecond, ts: 4160},
			},
			interval: 20 * time.Millisecond,
		},
		{
			name:      "video packets of one frame",
			mediaType: MediaTypeVideo,
			clockRate: 90000,
			packets: []packet{
				{at: 0, ts: 0},
				{at: 40 * time.Millisecond, ts: 3600},
				{at: 45 * time.Millisecond, ts: 3600, excluded: true},
				{at: 50 * time.Millisecond, ts: 3600, marker: true, excluded: true},
				{at: 80 * time.Millisecond, ts: 7200},
				{at: 120 * time.Millisecond, ts: 10800},
				{at: 160 * time.Millisecond, ts: 14400},
			},
			interval: 40 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := newStatistics(tt.clockRate, tt.mediaType, DirectionReceive, 4)
			start := time.Now()

			for i, p := range tt.packets {
				samples, jitter := stats.sampleCount, stats.jitter()
				frame := NewFrame(0, p.ts, make([]byte, 100))
				frame.Marker = p.marker
				stats.onPacket(frame, start.Add(p.at))
				if p.excluded {
					assert.Equal(t, samples, stats.sampleCount, "пакет %d попал в выборку", i)
					assert.Equal(t, jitter, stats.jitter(), "пакет %d изменил jitter", i)
				}
			}

			var snap Statistics
			stats.fill(&snap)
			assert.Equal(t, uint64(len(tt.packets)), snap.Packets)
			assert.Equal(t, tt.interval, snap.MinimumTime)
			assert.Equal(t, tt.interval, snap.MaximumTime)
			assert.Equal(t, tt.interval, snap.AverageTime)
			assert.Zero(t, snap.Jitter)
			assert.Zero(t, stats.jitter())
		})
	}
}
