package rtp

import (
	"errors"
	"time"

	"github.com/pion/rtcp"
)

// WriteData отправляет кадр данных. Неизвестный SSRC создает локального
// отправителя, SSRC принимающего источника (loopback) подменяется SSRC
// парного отправителя. Заголовок переписывается в копии кадра, сам кадр
// не меняется. Ошибка записи переводит сессию в StatusAbort.
func (s *Session) WriteData(frame *Frame, rewrite RewriteMode) (SendReceiveStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		if errors.Is(err, ErrNoTransport) {
			return StatusIgnored, err
		}
		return StatusAbort, err
	}
	if !s.transportReady {
		return StatusIgnored, nil
	}

	src, err := s.sendSourceForLocked(frame.SSRC)
	if err != nil {
		return StatusIgnored, err
	}

	if frame.SSRC != src.ssrc && rewrite == RewriteNothing {
		rewrite = RewriteSSRC
	}

	// Кадр может быть одновременно у других подписчиков
	stamped := *frame
	now := s.now()
	src.onSendData(&stamped, rewrite, now)

	data, err := stamped.Marshal()
	if err != nil {
		return StatusIgnored, newSessionError(ErrorCodeMarshal, s.id, src.ssrc, err, "ошибка кодирования RTP пакета")
	}

	if err := s.transport.WriteData(data); err != nil {
		wrapped := newSessionError(ErrorCodeTransportWrite, s.id, src.ssrc, err, "ошибка отправки RTP пакета")
		s.abort(wrapped)
		return StatusAbort, wrapped
	}
	return StatusProcessed, nil
}

// sendSourceForLocked находит или создает отправителя для SSRC кадра
func (s *Session) sendSourceForLocked(ssrc uint32) (*SyncSource, error) {
	src, ok := s.sources[ssrc]
	if ssrc == 0 || !ok {
		if ssrc == 0 {
			if senders := s.sortedSourcesLocked(DirectionSend); len(senders) > 0 {
				return senders[0], nil
			}
		}
		return s.addSourceLocked(ssrc, DirectionSend, "")
	}
	if src.direction == DirectionSend {
		return src, nil
	}

	// Loopback: принятый поток отправляется обратно от парного отправителя
	if partner, ok := s.sources[src.loopbackSSRC]; ok && src.loopbackSSRC != 0 {
		return partner, nil
	}
	partner, err := s.addSourceLocked(0, DirectionSend, "")
	if err != nil {
		return nil, err
	}
	src.loopbackSSRC = partner.ssrc
	s.logger.Debug().
		Uint32("receive_ssrc", src.ssrc).
		Uint32("send_ssrc", partner.ssrc).
		Msg("создан loopback отправитель")
	return partner, nil
}

// SendReport отправляет RTCP отчеты. ssrc равный 0 означает все источники;
// force отправляет отчет даже без переданных данных.
func (s *Session) SendReport(ssrc uint32, force bool) (SendReceiveStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		if errors.Is(err, ErrNoTransport) {
			return StatusIgnored, err
		}
		return StatusAbort, err
	}
	if !s.transportReady {
		return StatusIgnored, nil
	}

	batch := s.buildReportsLocked(ssrc, force, s.now())
	if len(batch.compounds) == 0 {
		return StatusIgnored, nil
	}
	for i, packets := range batch.compounds {
		if status, err := s.writeControlLocked(packets); status != StatusProcessed {
			return status, err
		}
		// Блоки приема идут только в первом составном пакете
		if i == 0 {
			batch.commit()
		}
	}
	return StatusProcessed, nil
}

// sendGoodbyeLocked отправляет BYE от имени отправителя
func (s *Session) sendGoodbyeLocked(src *SyncSource, now time.Time) (SendReceiveStatus, error) {
	s.logger.Debug().Uint32("ssrc", src.ssrc).Msg("отправка BYE")
	return s.writeControlLocked(s.goodbyeCompoundLocked(src, now))
}

// writeControlLocked кодирует составной пакет и пишет его в канал управления
// (или в канал данных при rtcp-mux)
func (s *Session) writeControlLocked(packets []rtcp.Packet) (SendReceiveStatus, error) {
	data, err := rtcp.Marshal(packets)
	if err != nil {
		return StatusIgnored, newSessionError(ErrorCodeMarshal, s.id, 0, err, "ошибка кодирования RTCP пакета")
	}

	if s.config.RTCPMux {
		err = s.transport.WriteData(data)
	} else {
		err = s.transport.WriteControl(data)
	}
	if err != nil {
		wrapped := newSessionError(ErrorCodeTransportWrite, s.id, 0, err, "ошибка отправки RTCP пакета")
		if s.lifecycle.Current() == StateOpen {
			s.abort(wrapped)
		}
		return StatusAbort, wrapped
	}
	return StatusProcessed, nil
}
