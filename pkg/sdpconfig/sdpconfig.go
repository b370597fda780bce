// Package sdpconfig выводит параметры RTP сессии из SDP описания:
// частоту тактирования, согласованную обратную связь, rtcp-mux, BUNDLE,
// битрейт и удаленные адреса.
package sdpconfig

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/media_transport/pkg/rtp"
)

var (
	// ErrNoMedia в описании нет медиа секции нужного типа
	ErrNoMedia = errors.New("медиа секция не найдена")
	// ErrNoConnection не указан адрес соединения
	ErrNoConnection = errors.New("отсутствует информация о соединении")
)

// Статические payload types RFC 3551 и их частоты
var staticClockRates = map[uint8]uint32{
	0:  8000,  // PCMU
	3:  8000,  // GSM
	4:  8000,  // G723
	8:  8000,  // PCMA
	9:  8000,  // G722
	13: 8000,  // CN
	18: 8000,  // G729
	26: 90000, // JPEG
	31: 90000, // H261
	34: 90000, // H263
}

// MediaParameters параметры, согласованные для одной медиа секции
type MediaParameters struct {
	MediaType    rtp.MediaType
	MediaID      string // a=mid
	PayloadType  uint8
	EncodingName string
	ClockRate    uint32
	PacketTime   time.Duration // a=ptime, 0 если не указан

	Feedback   rtp.FeedbackType
	RTCPMux    bool
	Bundled    bool
	MaxBitrate uint64 // bps

	RemoteAddr        string
	RemoteControlAddr string

	// Объявленные удаленные источники (a=ssrc)
	RemoteSSRCs   []uint32
	CanonicalName string
}

// Parse разбирает SDP и извлекает параметры первой секции типа mediaType
func Parse(raw []byte, mediaType rtp.MediaType, registry *FeedbackRegistry) (*MediaParameters, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("ошибка разбора SDP: %w", err)
	}
	return FromDescription(desc, mediaType, registry)
}

// FromDescription извлекает параметры из разобранного описания.
// registry nil означает DefaultFeedbackRegistry.
func FromDescription(desc *sdp.SessionDescription, mediaType rtp.MediaType, registry *FeedbackRegistry) (*MediaParameters, error) {
	if registry == nil {
		registry = DefaultFeedbackRegistry()
	}

	mediaDesc := findMedia(desc, mediaType)
	if mediaDesc == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMedia, mediaType)
	}
	if len(mediaDesc.MediaName.Formats) == 0 {
		return nil, fmt.Errorf("медиа секция %s без форматов", mediaType)
	}

	params := &MediaParameters{MediaType: mediaType}

	pt, err := strconv.ParseUint(mediaDesc.MediaName.Formats[0], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("неверный payload type %q: %w", mediaDesc.MediaName.Formats[0], err)
	}
	params.PayloadType = uint8(pt)
	params.ClockRate = staticClockRates[params.PayloadType]

	for _, attr := range mediaDesc.Attributes {
		switch attr.Key {
		case "rtpmap":
			params.parseRtpmap(attr.Value)
		case "ptime":
			if ms, err := strconv.Atoi(strings.TrimSpace(attr.Value)); err == nil && ms > 0 {
				params.PacketTime = time.Duration(ms) * time.Millisecond
			}
		case "rtcp-fb":
			params.Feedback |= registry.Parse(attr.Value, params.PayloadType)
		case "rtcp-mux":
			params.RTCPMux = true
		case "mid":
			params.MediaID = attr.Value
		case "ssrc":
			params.parseSSRC(attr.Value)
		}
	}

	if params.ClockRate == 0 {
		if mediaType == rtp.MediaTypeVideo {
			params.ClockRate = 90000
		} else {
			params.ClockRate = 8000
		}
	}

	params.Bundled = isBundled(desc, params.MediaID)
	params.MaxBitrate = maxBitrate(mediaDesc.Bandwidth)
	if params.MaxBitrate == 0 {
		params.MaxBitrate = maxBitrate(desc.Bandwidth)
	}

	if err := params.extractAddresses(desc, mediaDesc); err != nil {
		return nil, err
	}
	return params, nil
}

// Apply переносит параметры в конфигурацию сессии
func (p *MediaParameters) Apply(cfg *rtp.SessionConfig) {
	cfg.MediaType = p.MediaType
	cfg.ClockRate = p.ClockRate
	cfg.Feedback = p.Feedback
	cfg.RTCPMux = p.RTCPMux
	cfg.Bundled = p.Bundled
	cfg.MaxBitrate = p.MaxBitrate
}

// ApplyTransport переносит удаленные адреса и rtcp-mux в конфигурацию транспорта
func (p *MediaParameters) ApplyTransport(cfg *rtp.TransportConfig) {
	cfg.RemoteAddr = p.RemoteAddr
	cfg.RTCPMux = p.RTCPMux
	if p.RTCPMux {
		cfg.RemoteControlAddr = ""
	} else {
		cfg.RemoteControlAddr = p.RemoteControlAddr
	}
}

func findMedia(desc *sdp.SessionDescription, mediaType rtp.MediaType) *sdp.MediaDescription {
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == mediaType.String() && md.MediaName.Port.Value != 0 {
			return md
		}
	}
	return nil
}

// parseRtpmap "96 H264/90000" или "8 PCMA/8000/1"
func (p *MediaParameters) parseRtpmap(value string) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return
	}
	pt, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || uint8(pt) != p.PayloadType {
		return
	}
	encoding := strings.Split(parts[1], "/")
	p.EncodingName = encoding[0]
	if len(encoding) > 1 {
		if rate, err := strconv.ParseUint(encoding[1], 10, 32); err == nil && rate > 0 {
			p.ClockRate = uint32(rate)
		}
	}
}

// parseSSRC "12345 cname:user@host"
func (p *MediaParameters) parseSSRC(value string) {
	parts := strings.SplitN(value, " ", 2)
	ssrc, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return
	}
	known := false
	for _, s := range p.RemoteSSRCs {
		if s == uint32(ssrc) {
			known = true
			break
		}
	}
	if !known {
		p.RemoteSSRCs = append(p.RemoteSSRCs, uint32(ssrc))
	}
	if len(parts) == 2 {
		if cname, ok := strings.CutPrefix(parts[1], "cname:"); ok && p.CanonicalName == "" {
			p.CanonicalName = cname
		}
	}
}

// isBundled медиа секция входит в группу a=group:BUNDLE
func isBundled(desc *sdp.SessionDescription, mid string) bool {
	if mid == "" {
		return false
	}
	for _, attr := range desc.Attributes {
		if attr.Key != "group" {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) < 2 || fields[0] != "BUNDLE" {
			continue
		}
		for _, id := range fields[1:] {
			if id == mid {
				return true
			}
		}
	}
	return false
}

// maxBitrate TIAS (bps) приоритетнее AS (kbps)
func maxBitrate(bandwidths []sdp.Bandwidth) uint64 {
	var as uint64
	for _, bw := range bandwidths {
		switch bw.Type {
		case "TIAS":
			return bw.Bandwidth
		case "AS":
			as = bw.Bandwidth * 1000
		}
	}
	return as
}

// extractAddresses адрес данных из c= и порта m=, адрес RTCP из a=rtcp
// или соседнего порта (RFC 3605)
func (p *MediaParameters) extractAddresses(desc *sdp.SessionDescription, mediaDesc *sdp.MediaDescription) error {
	connection := mediaDesc.ConnectionInformation
	if connection == nil {
		connection = desc.ConnectionInformation
	}
	if connection == nil || connection.Address == nil {
		return ErrNoConnection
	}

	host := connection.Address.Address
	port := mediaDesc.MediaName.Port.Value
	p.RemoteAddr = net.JoinHostPort(host, strconv.Itoa(port))

	if p.RTCPMux {
		p.RemoteControlAddr = p.RemoteAddr
		return nil
	}

	controlHost, controlPort := host, port+1
	if value, ok := mediaDesc.Attribute("rtcp"); ok {
		fields := strings.Fields(value)
		if len(fields) > 0 {
			if n, err := strconv.Atoi(fields[0]); err == nil && n > 0 {
				controlPort = n
			}
		}
		// a=rtcp:53020 IN IP4 126.16.64.4
		if len(fields) == 4 {
			controlHost = fields[3]
		}
	}
	p.RemoteControlAddr = net.JoinHostPort(controlHost, strconv.Itoa(controlPort))
	return nil
}
