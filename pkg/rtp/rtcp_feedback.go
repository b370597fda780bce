package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtcp"
)

// RTCP записи, которых нет в pion/rtcp. Все реализуют rtcp.Packet и
// кодируются вместе с остальными записями через rtcp.Marshal.

// Форматы обратной связи RFC 5104
const (
	FormatTMMBR = 3 // RTPFB: Temporary Maximum Media Stream Bit Rate Request
	FormatTSTO  = 5 // PSFB: Temporal-Spatial Trade-off Request

	// TypeIntraFrameRequest устаревший FIR из RFC 2032
	TypeIntraFrameRequest rtcp.PacketType = 192
)

const (
	rtcpHeaderLength   = 4
	feedbackHeaderSize = rtcpHeaderLength + 8 // заголовок + SSRC отправителя + SSRC медиа
	fciEntrySize       = 8
)

var (
	errPacketTooShort  = errors.New("rtcp: пакет слишком короткий")
	errWrongPacketType = errors.New("rtcp: неверный тип пакета")
)

// unmarshalFeedbackHeader проверяет общий заголовок RTCP записи
func unmarshalFeedbackHeader(raw []byte, typ rtcp.PacketType, format uint8, minSize int) (rtcp.Header, error) {
	var h rtcp.Header
	if len(raw) < minSize {
		return h, errPacketTooShort
	}
	if err := h.Unmarshal(raw); err != nil {
		return h, err
	}
	if h.Type != typ || h.Count != format {
		return h, errWrongPacketType
	}
	if int(h.Length+1)*4 > len(raw) {
		return h, errPacketTooShort
	}
	return h, nil
}

// marshalHeader кодирует заголовок записи заданного размера
func marshalHeader(buf []byte, typ rtcp.PacketType, count uint8, size int) error {
	h := rtcp.Header{
		Type:   typ,
		Count:  count,
		Length: uint16(size/4 - 1),
	}
	hb, err := h.Marshal()
	if err != nil {
		return err
	}
	copy(buf, hb)
	return nil
}

// TMMBREntry один запрос ограничения битрейта
type TMMBREntry struct {
	SSRC     uint32
	Bitrate  uint64 // bps
	Overhead uint16 // Измеренные накладные расходы на пакет, байт (9 бит)
}

// TMMBR Temporary Maximum Media Stream Bit Rate Request (RFC 5104 §4.2.1)
type TMMBR struct {
	SenderSSRC uint32
	Entries    []TMMBREntry
}

var _ rtcp.Packet = (*TMMBR)(nil)

// encodeBitrate упаковывает битрейт в экспоненту (6 бит) и мантиссу (17 бит)
func encodeBitrate(bitrate uint64) (exp uint8, mantissa uint32) {
	for bitrate > 0x1FFFF && exp < 63 {
		bitrate >>= 1
		exp++
	}
	return exp, uint32(bitrate & 0x1FFFF)
}

func (p *TMMBR) MarshalSize() int {
	return feedbackHeaderSize + len(p.Entries)*fciEntrySize
}

func (p *TMMBR) Marshal() ([]byte, error) {
	size := p.MarshalSize()
	buf := make([]byte, size)
	if err := marshalHeader(buf, rtcp.TypeTransportSpecificFeedback, FormatTMMBR, size); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[4:], p.SenderSSRC)
	// SSRC медиа источника в TMMBR всегда 0
	offset := feedbackHeaderSize
	for _, e := range p.Entries {
		exp, mantissa := encodeBitrate(e.Bitrate)
		binary.BigEndian.PutUint32(buf[offset:], e.SSRC)
		word := uint32(exp)<<26 | mantissa<<9 | uint32(e.Overhead&0x1FF)
		binary.BigEndian.PutUint32(buf[offset+4:], word)
		offset += fciEntrySize
	}
	return buf, nil
}

func (p *TMMBR) Unmarshal(raw []byte) error {
	h, err := unmarshalFeedbackHeader(raw, rtcp.TypeTransportSpecificFeedback, FormatTMMBR, feedbackHeaderSize)
	if err != nil {
		return err
	}
	end := int(h.Length+1) * 4
	p.SenderSSRC = binary.BigEndian.Uint32(raw[4:])
	p.Entries = p.Entries[:0]
	for offset := feedbackHeaderSize; offset+fciEntrySize <= end; offset += fciEntrySize {
		word := binary.BigEndian.Uint32(raw[offset+4:])
		exp := word >> 26
		mantissa := uint64(word>>9) & 0x1FFFF
		p.Entries = append(p.Entries, TMMBREntry{
			SSRC:     binary.BigEndian.Uint32(raw[offset:]),
			Bitrate:  mantissa << exp,
			Overhead: uint16(word & 0x1FF),
		})
	}
	return nil
}

func (p *TMMBR) DestinationSSRC() []uint32 {
	out := make([]uint32, 0, len(p.Entries))
	for _, e := range p.Entries {
		out = append(out, e.SSRC)
	}
	return out
}

func (p *TMMBR) String() string {
	return fmt.Sprintf("TMMBR from %#x %+v", p.SenderSSRC, p.Entries)
}

// TSTOEntry один запрос компромисса качество/частота кадров
type TSTOEntry struct {
	SSRC     uint32
	Sequence uint8
	TradeOff uint8 // 0..31, 0 максимальная пространственная четкость
}

// TSTO Temporal-Spatial Trade-off Request (RFC 5104 §4.3.2)
type TSTO struct {
	SenderSSRC uint32
	Entries    []TSTOEntry
}

var _ rtcp.Packet = (*TSTO)(nil)

func (p *TSTO) MarshalSize() int {
	return feedbackHeaderSize + len(p.Entries)*fciEntrySize
}

func (p *TSTO) Marshal() ([]byte, error) {
	size := p.MarshalSize()
	buf := make([]byte, size)
	if err := marshalHeader(buf, rtcp.TypePayloadSpecificFeedback, FormatTSTO, size); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[4:], p.SenderSSRC)
	offset := feedbackHeaderSize
	for _, e := range p.Entries {
		binary.BigEndian.PutUint32(buf[offset:], e.SSRC)
		buf[offset+4] = e.Sequence
		buf[offset+7] = e.TradeOff & 0x1F
		offset += fciEntrySize
	}
	return buf, nil
}

func (p *TSTO) Unmarshal(raw []byte) error {
	h, err := unmarshalFeedbackHeader(raw, rtcp.TypePayloadSpecificFeedback, FormatTSTO, feedbackHeaderSize)
	if err != nil {
		return err
	}
	end := int(h.Length+1) * 4
	p.SenderSSRC = binary.BigEndian.Uint32(raw[4:])
	p.Entries = p.Entries[:0]
	for offset := feedbackHeaderSize; offset+fciEntrySize <= end; offset += fciEntrySize {
		p.Entries = append(p.Entries, TSTOEntry{
			SSRC:     binary.BigEndian.Uint32(raw[offset:]),
			Sequence: raw[offset+4],
			TradeOff: raw[offset+7] & 0x1F,
		})
	}
	return nil
}

func (p *TSTO) DestinationSSRC() []uint32 {
	out := make([]uint32, 0, len(p.Entries))
	for _, e := range p.Entries {
		out = append(out, e.SSRC)
	}
	return out
}

func (p *TSTO) String() string {
	return fmt.Sprintf("TSTO from %#x %+v", p.SenderSSRC, p.Entries)
}

// IntraFrameRequest запрос ключевого кадра в форме RFC 2032 (PT=192).
// Используется, когда удаленная сторона не объявила AVPF обратную связь.
type IntraFrameRequest struct {
	MediaSSRC uint32
}

var _ rtcp.Packet = (*IntraFrameRequest)(nil)

func (p *IntraFrameRequest) MarshalSize() int {
	return rtcpHeaderLength + 4
}

func (p *IntraFrameRequest) Marshal() ([]byte, error) {
	buf := make([]byte, p.MarshalSize())
	if err := marshalHeader(buf, TypeIntraFrameRequest, 0, len(buf)); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[4:], p.MediaSSRC)
	return buf, nil
}

func (p *IntraFrameRequest) Unmarshal(raw []byte) error {
	if _, err := unmarshalFeedbackHeader(raw, TypeIntraFrameRequest, 0, rtcpHeaderLength+4); err != nil {
		return err
	}
	p.MediaSSRC = binary.BigEndian.Uint32(raw[4:])
	return nil
}

func (p *IntraFrameRequest) DestinationSSRC() []uint32 {
	return []uint32{p.MediaSSRC}
}

// ApplicationDefined APP запись (RFC 3550 §6.7)
type ApplicationDefined struct {
	SubType uint8
	SSRC    uint32
	Name    string // Ровно 4 ASCII символа
	Data    []byte // Длина кратна 4
}

var _ rtcp.Packet = (*ApplicationDefined)(nil)

func (p *ApplicationDefined) MarshalSize() int {
	data := len(p.Data)
	if rem := data % 4; rem != 0 {
		data += 4 - rem
	}
	return rtcpHeaderLength + 8 + data
}

func (p *ApplicationDefined) Marshal() ([]byte, error) {
	if len(p.Name) != 4 {
		return nil, fmt.Errorf("rtcp: имя APP должно быть 4 символа: %q", p.Name)
	}
	size := p.MarshalSize()
	buf := make([]byte, size)
	if err := marshalHeader(buf, rtcp.TypeApplicationDefined, p.SubType, size); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[4:], p.SSRC)
	copy(buf[8:12], p.Name)
	copy(buf[12:], p.Data)
	return buf, nil
}

func (p *ApplicationDefined) Unmarshal(raw []byte) error {
	var h rtcp.Header
	if len(raw) < rtcpHeaderLength+8 {
		return errPacketTooShort
	}
	if err := h.Unmarshal(raw); err != nil {
		return err
	}
	if h.Type != rtcp.TypeApplicationDefined {
		return errWrongPacketType
	}
	end := int(h.Length+1) * 4
	if end > len(raw) || end < rtcpHeaderLength+8 {
		return errPacketTooShort
	}
	p.SubType = h.Count
	p.SSRC = binary.BigEndian.Uint32(raw[4:])
	p.Name = string(raw[8:12])
	p.Data = append([]byte(nil), raw[12:end]...)
	return nil
}

func (p *ApplicationDefined) DestinationSSRC() []uint32 {
	return []uint32{p.SSRC}
}
