package rtp

// OnReceiveRaw обрабатывает сырой пакет от транспорта. Пакет канала управления
// или пакет с типом 192..223 в канале данных разбирается как составной RTCP,
// остальное как RTP данные. Неверные пакеты тихо отбрасываются.
func (s *Session) OnReceiveRaw(data []byte, fromControl bool) SendReceiveStatus {
	if fromControl || IsControlPacket(data) {
		return s.OnReceiveControl(data)
	}
	return s.OnReceiveData(data)
}

// OnReceiveData обрабатывает RTP пакет данных
func (s *Session) OnReceiveData(data []byte) SendReceiveStatus {
	frame, err := ParseFrame(data, s.config.MaxPacketSize)
	if err != nil {
		s.logger.Debug().Err(err).Int("size", len(data)).Msg("отброшен неверный RTP пакет")
		return StatusIgnored
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if st := s.lifecycle.Current(); st != StateOpen {
		s.mu.Unlock()
		if st == StateAborted {
			return StatusAbort
		}
		return StatusIgnored
	}

	src, status := s.resolveLocked(frame.SSRC, DirectionReceive, false)
	if status != StatusProcessed {
		s.mu.Unlock()
		s.logger.Debug().Uint32("ssrc", frame.SSRC).Msg("пакет от неизвестного источника отброшен")
		return status
	}

	status, frames := src.onReceiveData(frame, s.now())
	s.mu.Unlock()

	s.dispatch(frame.SSRC, frames)
	return status
}
