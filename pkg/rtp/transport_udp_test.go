package rtp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawRecorder получатель сырых пакетов транспорта
type rawRecorder struct {
	mu      sync.Mutex
	data    [][]byte
	control [][]byte
}

func (r *rawRecorder) OnReceiveRaw(data []byte, fromControl bool) SendReceiveStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	packet := append([]byte(nil), data...)
	if fromControl {
		r.control = append(r.control, packet)
	} else {
		r.data = append(r.data, packet)
	}
	return StatusProcessed
}

func (r *rawRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data), len(r.control)
}

func newLoopbackTransport(t *testing.T, mux bool) *UDPTransport {
	t.Helper()
	cfg := DefaultExtendedTransportConfig()
	cfg.LocalAddr = "127.0.0.1:0"
	cfg.RTCPMux = mux
	if !mux {
		cfg.LocalControlAddr = "127.0.0.1:0"
	}
	cfg.ReceiveTimeout = 20 * time.Millisecond

	transport, err := NewUDPTransport(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { transport.Close() })
	return transport
}

func serve(t *testing.T, transport *UDPTransport, receiver PacketReceiver) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- transport.Serve(ctx, receiver) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestUDPTransportSeparateControl(t *testing.T) {
	a := newLoopbackTransport(t, false)
	b := newLoopbackTransport(t, false)

	require.NoError(t, a.SetRemote(b.LocalAddr().String(), b.LocalControlAddr().String()))

	rec := &rawRecorder{}
	serve(t, b, rec)

	require.NoError(t, a.WriteData(rtpBytes(t, 0x42, 1, 0)))
	require.NoError(t, a.WriteControl([]byte{0x80, 201, 0, 1, 0, 0, 0, 1}))

	require.Eventually(t, func() bool {
		data, control := rec.counts()
		return data == 1 && control == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Удаленный адрес выучен по первому пакету
	require.NotNil(t, b.RemoteAddr())
	assert.Equal(t, a.LocalAddr().String(), b.RemoteAddr().String())

	stats := a.Statistics()
	assert.Equal(t, uint64(2), stats.PacketsSent)
	assert.Equal(t, "UDP", stats.TransportType)
	assert.Greater(t, stats.GetUptime(), time.Duration(0))
	assert.Zero(t, (&TransportStatistics{}).GetUptime())
}

func TestUDPTransportMuxedSession(t *testing.T) {
	a := newLoopbackTransport(t, true)
	b := newLoopbackTransport(t, true)
	require.NoError(t, a.SetRemote(b.LocalAddr().String(), ""))
	assert.Nil(t, b.LocalControlAddr())

	s, err := NewSession(SessionConfig{
		MediaType:      MediaTypeAudio,
		RTCPMux:        true,
		ReportInterval: -1,
		Transport:      b,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	got := &collector{}
	s.Subscribe(got.handle)
	serve(t, b, s)

	for seq := uint16(1); seq <= 3; seq++ {
		require.NoError(t, a.WriteData(rtpBytes(t, 0x42, seq, uint32(seq)*160)))
	}
	require.Eventually(t, func() bool {
		return len(got.sequences()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint16{1, 2, 3}, got.sequences())

	// RTCP в том же сокете разбирается как управление
	require.NoError(t, a.WriteData(rtcpBytesFor(t, 0x42, "peer@loopback")))
	require.Eventually(t, func() bool {
		cname, _ := s.CanonicalName(0x42)
		return cname == "peer@loopback"
	}, 2*time.Second, 5*time.Millisecond)
}

// rtcpBytesFor RR + SDES с CNAME удаленного источника
func rtcpBytesFor(t *testing.T, ssrc uint32, cname string) []byte {
	t.Helper()
	return rtcpBytes(t,
		&rtcp.ReceiverReport{SSRC: ssrc},
		&rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{{
			Source: ssrc,
			Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: cname}},
		}}},
	)
}

func TestUDPTransportConfigValidation(t *testing.T) {
	cfg := DefaultExtendedTransportConfig()
	cfg.LocalAddr = "127.0.0.1:0"
	_, err := NewUDPTransport(cfg)
	assert.Error(t, err, "без rtcp-mux нужен адрес RTCP")

	cfg.RTCPMux = true
	cfg.DSCP = 64
	_, err = NewUDPTransport(cfg)
	assert.Error(t, err)
}

func TestUDPTransportClosed(t *testing.T) {
	a := newLoopbackTransport(t, true)
	require.NoError(t, a.SetRemote("127.0.0.1:9", ""))
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.WriteData([]byte{1}), ErrTransportClosed)
	assert.NoError(t, a.Close())
}
