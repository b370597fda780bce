package rtp

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// mockTransport запоминает все записи
type mockTransport struct {
	mu         sync.Mutex
	data       [][]byte
	control    [][]byte
	failWrites bool
	closed     bool
}

func (m *mockTransport) WriteData(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("сеть недоступна")
	}
	m.data = append(m.data, append([]byte(nil), data...))
	return nil
}

func (m *mockTransport) WriteControl(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("сеть недоступна")
	}
	m.control = append(m.control, append([]byte(nil), data...))
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) dataWrites() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.data...)
}

func (m *mockTransport) controlWrites() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.control...)
}

func (m *mockTransport) setFail(fail bool) {
	m.mu.Lock()
	m.failWrites = fail
	m.mu.Unlock()
}

// fakeClock управляемое время сессии
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeJitterBuffer буфер воспроизведения с фиксированной задержкой
type fakeJitterBuffer struct {
	mu     sync.Mutex
	delay  time.Duration
	resets int
}

func (b *fakeJitterBuffer) CurrentDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}

func (b *fakeJitterBuffer) Reset() {
	b.mu.Lock()
	b.resets++
	b.mu.Unlock()
}

// newTestSession сессия без периодических отчетов с управляемым временем
func newTestSession(t *testing.T, cfg SessionConfig) (*Session, *mockTransport, *fakeClock) {
	t.Helper()

	transport := &mockTransport{}
	if cfg.Transport == nil {
		cfg.Transport = transport
	}
	if cfg.ReportInterval == 0 {
		cfg.ReportInterval = -1
	}
	cfg.Logger = zerolog.Nop()

	s, err := NewSession(cfg)
	require.NoError(t, err)

	// Периодические отчеты уже могут читать время сессии
	clock := newFakeClock()
	s.mu.Lock()
	s.now = clock.Now
	s.mu.Unlock()

	t.Cleanup(func() { _ = s.Close() })
	return s, transport, clock
}

// rtpBytes кодированный RTP пакет
func rtpBytes(t *testing.T, ssrc uint32, seq uint16, ts uint32) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: make([]byte, 160),
	}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	return data
}

// rtcpBytes кодированный составной пакет
func rtcpBytes(t *testing.T, packets ...rtcp.Packet) []byte {
	t.Helper()
	data, err := rtcp.Marshal(packets)
	require.NoError(t, err)
	return data
}

// decodeCompound разбирает составной пакет теми же правилами, что и сессия
func decodeCompound(t *testing.T, data []byte) []rtcp.Packet {
	t.Helper()
	var out []rtcp.Packet
	for offset := 0; offset < len(data); {
		var h rtcp.Header
		require.NoError(t, h.Unmarshal(data[offset:]))
		size := int(h.Length+1) * 4
		require.LessOrEqual(t, offset+size, len(data))
		pkt, err := decodeRecord(h, data[offset:offset+size])
		require.NoError(t, err)
		require.NotNil(t, pkt, "неизвестная запись типа %d", h.Type)
		out = append(out, pkt)
		offset += size
	}
	return out
}

// collector собирает кадры подписчика
type collector struct {
	mu     sync.Mutex
	frames []*Frame
}

func (c *collector) handle(_ uint32, frame *Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
}

func (c *collector) sequences() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uint16
	for _, f := range c.frames {
		out = append(out, f.SequenceNumber)
	}
	return out
}
