package rtp

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedbackRecorder запоминает уведомления обратной связи
type feedbackRecorder struct {
	mu          sync.Mutex
	retransmits [][]uint16
	intra       []bool
	tradeOffs   []uint8
	flow        []uint64
}

func (r *feedbackRecorder) handlers() Handlers {
	return Handlers{
		OnRetransmitRequest: func(_ uint32, lost []uint16) {
			r.mu.Lock()
			r.retransmits = append(r.retransmits, lost)
			r.mu.Unlock()
		},
		OnIntraFrameRequest: func(_ uint32, pictureLoss bool) {
			r.mu.Lock()
			r.intra = append(r.intra, pictureLoss)
			r.mu.Unlock()
		},
		OnTemporalSpatialTradeOff: func(_ uint32, tradeOff uint8) {
			r.mu.Lock()
			r.tradeOffs = append(r.tradeOffs, tradeOff)
			r.mu.Unlock()
		},
		OnFlowControl: func(_ uint32, bitrate uint64, _ uint16) {
			r.mu.Lock()
			r.flow = append(r.flow, bitrate)
			r.mu.Unlock()
		},
	}
}

// newVideoSession видео сессия с принимающим источником 0x42
func newVideoSession(t *testing.T, cfg SessionConfig) (*Session, *mockTransport, *fakeClock) {
	t.Helper()
	cfg.MediaType = MediaTypeVideo
	s, transport, clock := newTestSession(t, cfg)
	require.Equal(t, StatusProcessed, s.OnReceiveData(rtpBytes(t, 0x42, 10, 3000)))
	return s, transport, clock
}

// lastFeedback запись обратной связи из последнего составного пакета
func lastFeedback(t *testing.T, transport *mockTransport) rtcp.Packet {
	t.Helper()
	writes := transport.controlWrites()
	require.NotEmpty(t, writes)
	packets := decodeCompound(t, writes[len(writes)-1])
	require.Len(t, packets, 2)
	assert.IsType(t, &rtcp.ReceiverReport{}, packets[0])
	return packets[1]
}

func TestOutgoingFeedbackRequiresCapability(t *testing.T) {
	s, transport, _ := newVideoSession(t, SessionConfig{})
	var logs bytes.Buffer
	s.mu.Lock()
	s.logger = zerolog.New(&logs).Level(zerolog.DebugLevel)
	s.mu.Unlock()

	status, err := s.SendNACK(0x42, []uint16{11})
	assert.NoError(t, err)
	assert.Equal(t, StatusIgnored, status)

	status, err = s.SendTemporalSpatialTradeOff(0x42, 10)
	assert.NoError(t, err)
	assert.Equal(t, StatusIgnored, status)

	status, err = s.SendFlowControl(0x42, 100000, 0)
	assert.NoError(t, err)
	assert.Equal(t, StatusIgnored, status)

	assert.Empty(t, transport.controlWrites())

	// Каждый пропуск виден в отладочном журнале
	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NACK не согласован")
	assert.Contains(t, lines[1], "TSTO не согласован")
	assert.Contains(t, lines[2], `"bitrate":100000`)
}

func TestSendNACK(t *testing.T) {
	s, transport, _ := newVideoSession(t, SessionConfig{Feedback: FeedbackNACK})

	status, err := s.SendNACK(0x42, nil)
	assert.NoError(t, err)
	assert.Equal(t, StatusIgnored, status, "пустой список ничего не отправляет")
	assert.Empty(t, transport.controlWrites())

	status, err = s.SendNACK(0x42, []uint16{11, 12, 14, 40})
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, status)

	nack, ok := lastFeedback(t, transport).(*rtcp.TransportLayerNack)
	require.True(t, ok)
	assert.Equal(t, uint32(0x42), nack.MediaSSRC)
	assert.Equal(t, uint32(placeholderSSRC), nack.SenderSSRC)
	var lost []uint16
	for _, pair := range nack.Nacks {
		lost = append(lost, pair.PacketList()...)
	}
	assert.Equal(t, []uint16{11, 12, 14, 40}, lost)

	stats, _ := s.Statistics(0x42)
	assert.Equal(t, uint64(1), stats.NACKs)

	status, err = s.SendNACK(0x99, []uint16{1})
	assert.Equal(t, StatusIgnored, status)
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestFeedbackSenderIsLocalSource(t *testing.T) {
	s, transport, _ := newVideoSession(t, SessionConfig{Feedback: FeedbackNACK})
	_, err := s.AddSource(0x300, DirectionSend, "")
	require.NoError(t, err)

	_, err = s.SendNACK(0x42, []uint16{11})
	require.NoError(t, err)
	nack := lastFeedback(t, transport).(*rtcp.TransportLayerNack)
	assert.Equal(t, uint32(0x300), nack.SenderSSRC)
}

func TestSendIntraFrameRequest(t *testing.T) {
	tests := []struct {
		name     string
		feedback FeedbackType
		forcePLI bool
		want     rtcp.Packet
	}{
		{"FIR", FeedbackFIR | FeedbackPLI, false, &rtcp.FullIntraRequest{}},
		{"принудительный PLI", FeedbackFIR, true, &rtcp.PictureLossIndication{}},
		{"PLI", FeedbackPLI, false, &rtcp.PictureLossIndication{}},
		{"RFC 2032", FeedbackNone, false, &IntraFrameRequest{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, transport, _ := newVideoSession(t, SessionConfig{Feedback: tt.feedback})

			status, err := s.SendIntraFrameRequest(0x42, tt.forcePLI)
			require.NoError(t, err)
			require.Equal(t, StatusProcessed, status)
			assert.IsType(t, tt.want, lastFeedback(t, transport))
		})
	}
}

func TestFIRSequenceIncrements(t *testing.T) {
	s, transport, _ := newVideoSession(t, SessionConfig{Feedback: FeedbackFIR})

	for i := 0; i < 2; i++ {
		_, err := s.SendIntraFrameRequest(0x42, false)
		require.NoError(t, err)
	}
	writes := transport.controlWrites()
	require.Len(t, writes, 2)
	first := decodeCompound(t, writes[0])[1].(*rtcp.FullIntraRequest)
	second := decodeCompound(t, writes[1])[1].(*rtcp.FullIntraRequest)
	assert.Equal(t, first.FIR[0].SequenceNumber+1, second.FIR[0].SequenceNumber)
	assert.Equal(t, uint32(0x42), second.FIR[0].SSRC)
}

func TestIntraFrameRequestAudioIgnored(t *testing.T) {
	s, transport, _ := newTestSession(t, SessionConfig{MediaType: MediaTypeAudio, Feedback: FeedbackPLI})
	s.OnReceiveData(rtpBytes(t, 0x42, 10, 1600))

	status, err := s.SendIntraFrameRequest(0x42, true)
	assert.NoError(t, err)
	assert.Equal(t, StatusIgnored, status)
	assert.Empty(t, transport.controlWrites())
}

func TestIntraFrameRequestRateLimited(t *testing.T) {
	s, transport, clock := newVideoSession(t, SessionConfig{
		Feedback:              FeedbackPLI,
		IntraFrameMinInterval: time.Second,
	})

	status, _ := s.SendIntraFrameRequest(0x42, false)
	assert.Equal(t, StatusProcessed, status)
	status, _ = s.SendIntraFrameRequest(0x42, false)
	assert.Equal(t, StatusIgnored, status)

	clock.Advance(time.Second)
	status, _ = s.SendIntraFrameRequest(0x42, false)
	assert.Equal(t, StatusProcessed, status)
	assert.Len(t, transport.controlWrites(), 2)
}

func TestSendTemporalSpatialTradeOff(t *testing.T) {
	s, transport, _ := newVideoSession(t, SessionConfig{Feedback: FeedbackTSTO})

	status, err := s.SendTemporalSpatialTradeOff(0x42, 20)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, status)

	tsto, ok := lastFeedback(t, transport).(*TSTO)
	require.True(t, ok)
	require.Len(t, tsto.Entries, 1)
	assert.Equal(t, TSTOEntry{SSRC: 0x42, Sequence: 1, TradeOff: 20}, tsto.Entries[0])
}

func TestSendFlowControl(t *testing.T) {
	t.Run("TMMBR с ограничением формата", func(t *testing.T) {
		s, transport, _ := newVideoSession(t, SessionConfig{
			Feedback:   FeedbackTMMBR | FeedbackREMB,
			MaxBitrate: 500000,
		})

		status, err := s.SendFlowControl(0x42, 2000000, 40)
		require.NoError(t, err)
		require.Equal(t, StatusProcessed, status)

		tmmbr, ok := lastFeedback(t, transport).(*TMMBR)
		require.True(t, ok)
		assert.Equal(t, []TMMBREntry{{SSRC: 0x42, Bitrate: 500000, Overhead: 40}}, tmmbr.Entries)
	})

	t.Run("REMB", func(t *testing.T) {
		s, transport, _ := newVideoSession(t, SessionConfig{Feedback: FeedbackREMB})

		status, err := s.SendFlowControl(0x42, 300000, 0)
		require.NoError(t, err)
		require.Equal(t, StatusProcessed, status)

		remb, ok := lastFeedback(t, transport).(*rtcp.ReceiverEstimatedMaximumBitrate)
		require.True(t, ok)
		assert.Equal(t, []uint32{0x42}, remb.SSRCs)
		assert.InDelta(t, 300000, float64(remb.Bitrate), 300000*0.01)
	})
}

func TestFeedbackWithoutTransport(t *testing.T) {
	s, _, _ := newVideoSession(t, SessionConfig{Feedback: FeedbackNACK})
	s.DetachTransport()

	status, err := s.SendNACK(0x42, []uint16{11})
	assert.Equal(t, StatusIgnored, status)
	assert.ErrorIs(t, err, ErrNoTransport)
}

// newFeedbackTarget видео сессия с локальным отправителем 0x100
func newFeedbackTarget(t *testing.T, feedback FeedbackType) (*Session, *feedbackRecorder) {
	t.Helper()
	rec := &feedbackRecorder{}
	s, _, _ := newTestSession(t, SessionConfig{
		MediaType: MediaTypeVideo,
		Feedback:  feedback,
		Handlers:  rec.handlers(),
	})
	_, err := s.AddSource(0x100, DirectionSend, "")
	require.NoError(t, err)
	return s, rec
}

func TestIncomingNACK(t *testing.T) {
	s, rec := newFeedbackTarget(t, FeedbackNACK)

	status := s.OnReceiveControl(rtcpBytes(t,
		&rtcp.ReceiverReport{SSRC: 0x42},
		&rtcp.TransportLayerNack{
			SenderSSRC: 0x42,
			MediaSSRC:  0x100,
			Nacks:      rtcp.NackPairsFromSequenceNumbers([]uint16{100, 101, 105}),
		},
	))
	assert.Equal(t, StatusProcessed, status)

	stats, _ := s.Statistics(0x100)
	assert.Equal(t, uint64(1), stats.NACKs)

	require.NoError(t, s.Close())
	require.Len(t, rec.retransmits, 1)
	assert.Equal(t, []uint16{100, 101, 105}, rec.retransmits[0])
}

func TestIncomingFeedbackWithoutCapabilityDropped(t *testing.T) {
	s, rec := newFeedbackTarget(t, FeedbackNone)

	s.OnReceiveControl(rtcpBytes(t,
		&rtcp.ReceiverReport{SSRC: 0x42},
		&rtcp.TransportLayerNack{SenderSSRC: 0x42, MediaSSRC: 0x100, Nacks: rtcp.NackPairsFromSequenceNumbers([]uint16{1})},
		&rtcp.PictureLossIndication{SenderSSRC: 0x42, MediaSSRC: 0x100},
		&TMMBR{SenderSSRC: 0x42, Entries: []TMMBREntry{{SSRC: 0x100, Bitrate: 64000}}},
	))

	require.NoError(t, s.Close())
	assert.Empty(t, rec.retransmits)
	assert.Empty(t, rec.intra)
	assert.Empty(t, rec.flow)
}

func TestIncomingIntraFrameRequests(t *testing.T) {
	s, rec := newFeedbackTarget(t, FeedbackPLI|FeedbackFIR)

	fir := func(seq uint8) *rtcp.FullIntraRequest {
		return &rtcp.FullIntraRequest{
			SenderSSRC: 0x42,
			FIR:        []rtcp.FIREntry{{SSRC: 0x100, SequenceNumber: seq}},
		}
	}

	s.OnReceiveControl(rtcpBytes(t, &rtcp.ReceiverReport{SSRC: 0x42}, &rtcp.PictureLossIndication{SenderSSRC: 0x42, MediaSSRC: 0x100}))
	s.OnReceiveControl(rtcpBytes(t, &rtcp.ReceiverReport{SSRC: 0x42}, fir(7)))
	// Повтор того же FIR
	s.OnReceiveControl(rtcpBytes(t, &rtcp.ReceiverReport{SSRC: 0x42}, fir(7)))
	s.OnReceiveControl(rtcpBytes(t, &rtcp.ReceiverReport{SSRC: 0x42}, fir(8)))
	s.OnReceiveControl(rtcpBytes(t, &rtcp.ReceiverReport{SSRC: 0x42}, &IntraFrameRequest{MediaSSRC: 0x100}))
	// Запрос о чужом источнике
	s.OnReceiveControl(rtcpBytes(t, &rtcp.ReceiverReport{SSRC: 0x42}, &rtcp.PictureLossIndication{SenderSSRC: 0x42, MediaSSRC: 0x999}))

	require.NoError(t, s.Close())
	assert.Equal(t, []bool{true, false, false, false}, rec.intra)
}

func TestIncomingTradeOffDeduplicated(t *testing.T) {
	s, rec := newFeedbackTarget(t, FeedbackTSTO)

	tsto := func(seq, tradeOff uint8) *TSTO {
		return &TSTO{SenderSSRC: 0x42, Entries: []TSTOEntry{{SSRC: 0x100, Sequence: seq, TradeOff: tradeOff}}}
	}
	s.OnReceiveControl(rtcpBytes(t, &rtcp.ReceiverReport{SSRC: 0x42}, tsto(1, 5)))
	s.OnReceiveControl(rtcpBytes(t, &rtcp.ReceiverReport{SSRC: 0x42}, tsto(1, 5)))
	s.OnReceiveControl(rtcpBytes(t, &rtcp.ReceiverReport{SSRC: 0x42}, tsto(2, 31)))

	require.NoError(t, s.Close())
	assert.Equal(t, []uint8{5, 31}, rec.tradeOffs)
}

func TestIncomingFlowControl(t *testing.T) {
	s, rec := newFeedbackTarget(t, FeedbackTMMBR|FeedbackREMB)

	s.OnReceiveControl(rtcpBytes(t,
		&rtcp.ReceiverReport{SSRC: 0x42},
		&TMMBR{SenderSSRC: 0x42, Entries: []TMMBREntry{{SSRC: 0x100, Bitrate: 500000, Overhead: 40}}},
	))
	s.OnReceiveControl(rtcpBytes(t,
		&rtcp.ReceiverReport{SSRC: 0x42},
		&rtcp.ReceiverEstimatedMaximumBitrate{SenderSSRC: 0x42, Bitrate: 1000000, SSRCs: []uint32{0x100}},
	))

	require.NoError(t, s.Close())
	require.Len(t, rec.flow, 2)
	assert.Equal(t, uint64(500000), rec.flow[0])
	assert.InDelta(t, 1000000, float64(rec.flow[1]), 1000000*0.01)
}
