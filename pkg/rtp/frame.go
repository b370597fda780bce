package rtp

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// Ограничения на размер пакета данных
const (
	MinRTPPacketSize = 12   // Минимальный размер RTP заголовка
	MaxRTPPacketSize = 1500 // Размер по умолчанию (MTU Ethernet)

	ExpectedRTPVersion = 2
)

// Frame RTP пакет вместе с метаданными, которые сессия передает подписчикам
type Frame struct {
	rtp.Packet

	// Discontinuity число пропущенных перед этим кадром пакетов.
	// При отправке с RewriteHeader номер увеличивается на 1 + Discontinuity.
	Discontinuity int

	// ReceivedAt время приема (только для входящих кадров)
	ReceivedAt time.Time
}

// NewFrame создает кадр с заполненным заголовком версии 2
func NewFrame(payloadType uint8, timestamp uint32, payload []byte) *Frame {
	return &Frame{
		Packet: rtp.Packet{
			Header: rtp.Header{
				Version:     ExpectedRTPVersion,
				PayloadType: payloadType,
				Timestamp:   timestamp,
			},
			Payload: payload,
		},
	}
}

// ParseFrame разбирает и проверяет RTP пакет. Кадр не ссылается на data:
// транспорт переиспользует буфер чтения, а кадр может удерживаться сессией.
func ParseFrame(data []byte, maxSize int) (*Frame, error) {
	if err := validatePacketSize(len(data), maxSize); err != nil {
		return nil, err
	}

	frame := &Frame{}
	if err := frame.Unmarshal(append([]byte(nil), data...)); err != nil {
		return nil, fmt.Errorf("ошибка разбора RTP пакета: %w", err)
	}

	if err := validateRTPHeader(&frame.Header); err != nil {
		return nil, err
	}

	return frame, nil
}

// validatePacketSize проверяет размер пакета
func validatePacketSize(size, maxSize int) error {
	if maxSize <= 0 {
		maxSize = MaxRTPPacketSize
	}
	if size < MinRTPPacketSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	}
	if size > maxSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, maxSize)
	}
	return nil
}

// validateRTPHeader проверяет поля RTP заголовка согласно RFC 3550
func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d", header.Version)
	}

	// Диапазон 72-76 конфликтует с типами RTCP (RFC 5761 §4)
	if header.PayloadType > 127 || (header.PayloadType >= 72 && header.PayloadType <= 76) {
		return fmt.Errorf("недопустимый payload type: %d", header.PayloadType)
	}

	if header.CSRC != nil && len(header.CSRC) > 15 {
		return fmt.Errorf("слишком много CSRC: %d", len(header.CSRC))
	}

	return nil
}
