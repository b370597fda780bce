package rtp

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollector(t *testing.T) {
	s, _, _ := newTestSession(t, SessionConfig{MediaType: MediaTypeAudio, SessionID: "call-1"})
	sendOne(t, s, 0x100)
	s.OnReceiveData(rtpBytes(t, 0x42, 10, 1600))
	s.OnReceiveData(rtpBytes(t, 0x42, 11, 1760))

	collector := NewMetricsCollector(DefaultMetricsConfig())
	collector.RegisterSession(s)

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(collector))

	expected := `
# HELP media_rtp_packets_total Packets sent or received by source
# TYPE media_rtp_packets_total counter
media_rtp_packets_total{direction="receive",session_id="call-1",ssrc="66"} 2
media_rtp_packets_total{direction="send",session_id="call-1",ssrc="256"} 1
# HELP media_rtp_sources Synchronization sources in session
# TYPE media_rtp_sources gauge
media_rtp_sources{direction="receive",session_id="call-1"} 1
media_rtp_sources{direction="send",session_id="call-1"} 1
`
	err := testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"media_rtp_packets_total", "media_rtp_sources")
	assert.NoError(t, err)

	// 7 метрик на источник, remote_packets_lost только у отправителя,
	// число источников по направлениям и RTT сессии
	assert.Equal(t, 7+1+7+2+1, testutil.CollectAndCount(collector))
	assert.Equal(t, 1, testutil.CollectAndCount(collector, "media_rtp_remote_packets_lost"))

	collector.UnregisterSession("call-1")
	assert.Equal(t, 0, testutil.CollectAndCount(collector))
}
