package rtp

import (
	"errors"

	"github.com/pion/rtcp"
)

// Входящая обратная связь (RFC 4585, RFC 5104). Записи без согласованной
// возможности отбрасываются. Вызываются под блокировкой сессии.

// sendSourceLocked отправитель, к которому относится входящая обратная связь
func (s *Session) sendSourceLocked(ssrc uint32) *SyncSource {
	src, ok := s.sources[ssrc]
	if !ok || src.direction != DirectionSend {
		return nil
	}
	return src
}

func (s *Session) onNACKLocked(p *rtcp.TransportLayerNack) {
	if !s.feedback.Has(FeedbackNACK) {
		s.logger.Debug().Uint32("ssrc", p.MediaSSRC).Msg("NACK без согласованной возможности отброшен")
		return
	}
	src := s.sendSourceLocked(p.MediaSSRC)
	if src == nil {
		return
	}
	var lost []uint16
	for _, pair := range p.Nacks {
		lost = append(lost, pair.PacketList()...)
	}
	if len(lost) == 0 {
		return
	}
	src.stats.nacks++
	s.notifyRetransmit(src.ssrc, lost)
}

func (s *Session) onPictureLossLocked(p *rtcp.PictureLossIndication) {
	if !s.feedback.Has(FeedbackPLI) && !s.feedback.Has(FeedbackFIR) {
		s.logger.Debug().Uint32("ssrc", p.MediaSSRC).Msg("PLI без согласованной возможности отброшен")
		return
	}
	if s.sendSourceLocked(p.MediaSSRC) == nil {
		return
	}
	s.notifyIntraFrameRequest(p.MediaSSRC, true)
}

func (s *Session) onFullIntraRequestLocked(p *rtcp.FullIntraRequest) {
	if !s.feedback.Has(FeedbackFIR) {
		s.logger.Debug().Uint32("ssrc", p.MediaSSRC).Msg("FIR без согласованной возможности отброшен")
		return
	}
	for _, entry := range p.FIR {
		src := s.sendSourceLocked(entry.SSRC)
		if src == nil {
			continue
		}
		if src.haveFIRSequence && src.lastFIRSequence == entry.SequenceNumber {
			s.logger.Debug().
				Uint32("ssrc", entry.SSRC).
				Uint8("seq", entry.SequenceNumber).
				Msg("повторный FIR отброшен")
			continue
		}
		src.haveFIRSequence = true
		src.lastFIRSequence = entry.SequenceNumber
		s.notifyIntraFrameRequest(entry.SSRC, false)
	}
}

func (s *Session) onTSTOLocked(p *TSTO) {
	if !s.feedback.Has(FeedbackTSTO) {
		s.logger.Debug().Uint32("sender", p.SenderSSRC).Msg("TSTO без согласованной возможности отброшен")
		return
	}
	for _, entry := range p.Entries {
		src := s.sendSourceLocked(entry.SSRC)
		if src == nil {
			continue
		}
		if src.haveTSTOSequence && src.lastTSTOSequence == entry.Sequence {
			continue
		}
		src.haveTSTOSequence = true
		src.lastTSTOSequence = entry.Sequence
		s.notifyTradeOff(entry.SSRC, entry.TradeOff)
	}
}

func (s *Session) onTMMBRLocked(p *TMMBR) {
	if !s.feedback.Has(FeedbackTMMBR) {
		s.logger.Debug().Uint32("sender", p.SenderSSRC).Msg("TMMBR без согласованной возможности отброшен")
		return
	}
	for _, entry := range p.Entries {
		if s.sendSourceLocked(entry.SSRC) == nil {
			continue
		}
		s.notifyFlowControl(entry.SSRC, entry.Bitrate, entry.Overhead)
	}
}

func (s *Session) onREMBLocked(p *rtcp.ReceiverEstimatedMaximumBitrate) {
	if !s.feedback.Has(FeedbackREMB) {
		s.logger.Debug().Uint32("sender", p.SenderSSRC).Msg("REMB без согласованной возможности отброшен")
		return
	}
	bitrate := uint64(p.Bitrate)
	for _, ssrc := range p.SSRCs {
		if s.sendSourceLocked(ssrc) == nil {
			continue
		}
		s.notifyFlowControl(ssrc, bitrate, 0)
	}
}

// Исходящая обратная связь

// feedbackTargetLocked проверяет состояние сессии и находит принимающий источник
func (s *Session) feedbackTargetLocked(ssrc uint32) (*SyncSource, SendReceiveStatus, error) {
	if err := s.checkUsable(); err != nil {
		if errors.Is(err, ErrNoTransport) {
			return nil, StatusIgnored, err
		}
		return nil, StatusAbort, err
	}
	if !s.transportReady {
		return nil, StatusIgnored, nil
	}
	src, ok := s.sources[ssrc]
	if !ok || src.direction != DirectionReceive {
		return nil, StatusIgnored, newSessionError(ErrorCodeUnknownSource, s.id, ssrc, nil, "принимающий источник не найден")
	}
	return src, StatusProcessed, nil
}

// SendNACK запрашивает повторную передачу потерянных пакетов источника.
// Пустой список или отсутствие возможности NACK ничего не отправляют.
func (s *Session) SendNACK(ssrc uint32, lost []uint16) (SendReceiveStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(lost) == 0 {
		return StatusIgnored, nil
	}
	if !s.feedback.Has(FeedbackNACK) {
		s.logger.Debug().Uint32("ssrc", ssrc).Int("count", len(lost)).Msg("NACK не согласован, запрос не отправлен")
		return StatusIgnored, nil
	}
	src, status, err := s.feedbackTargetLocked(ssrc)
	if src == nil {
		return status, err
	}

	sender := s.feedbackSenderLocked(src)
	nack := &rtcp.TransportLayerNack{
		SenderSSRC: sender,
		MediaSSRC:  ssrc,
		Nacks:      rtcp.NackPairsFromSequenceNumbers(lost),
	}
	src.stats.nacks++
	s.logger.Debug().Uint32("ssrc", ssrc).Int("count", len(lost)).Msg("отправка NACK")
	return s.writeControlLocked(feedbackCompound(sender, nack))
}

// SendIntraFrameRequest запрашивает ключевой кадр у удаленного видео источника.
// FIR используется при согласованной возможности FIR, PLI при PLI или forcePLI,
// иначе устаревший запрос RFC 2032. Частота запросов ограничена.
func (s *Session) SendIntraFrameRequest(ssrc uint32, forcePLI bool) (SendReceiveStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.MediaType != MediaTypeVideo {
		return StatusIgnored, nil
	}
	src, status, err := s.feedbackTargetLocked(ssrc)
	if src == nil {
		return status, err
	}
	if !s.intraLimiter.AllowN(s.now(), 1) {
		s.logger.Debug().Uint32("ssrc", ssrc).Msg("запрос ключевого кадра подавлен ограничением частоты")
		return StatusIgnored, nil
	}

	sender := s.feedbackSenderLocked(src)
	var record rtcp.Packet
	switch {
	case s.feedback.Has(FeedbackFIR) && !forcePLI:
		src.firSequence++
		record = &rtcp.FullIntraRequest{
			SenderSSRC: sender,
			MediaSSRC:  ssrc,
			FIR:        []rtcp.FIREntry{{SSRC: ssrc, SequenceNumber: src.firSequence}},
		}
	case s.feedback.Has(FeedbackPLI) || forcePLI:
		record = &rtcp.PictureLossIndication{SenderSSRC: sender, MediaSSRC: ssrc}
	default:
		record = &IntraFrameRequest{MediaSSRC: ssrc}
	}
	s.logger.Debug().Uint32("ssrc", ssrc).Str("record", rtcpRecordName(record)).Msg("отправка запроса ключевого кадра")
	return s.writeControlLocked(feedbackCompound(sender, record))
}

// SendTemporalSpatialTradeOff запрашивает компромисс между четкостью и частотой
// кадров (0 максимальная четкость, 31 максимальная частота)
func (s *Session) SendTemporalSpatialTradeOff(ssrc uint32, tradeOff uint8) (SendReceiveStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.feedback.Has(FeedbackTSTO) {
		s.logger.Debug().Uint32("ssrc", ssrc).Uint8("trade_off", tradeOff).Msg("TSTO не согласован, запрос не отправлен")
		return StatusIgnored, nil
	}
	src, status, err := s.feedbackTargetLocked(ssrc)
	if src == nil {
		return status, err
	}

	sender := s.feedbackSenderLocked(src)
	src.tstoSequence++
	tsto := &TSTO{
		SenderSSRC: sender,
		Entries:    []TSTOEntry{{SSRC: ssrc, Sequence: src.tstoSequence, TradeOff: tradeOff}},
	}
	return s.writeControlLocked(feedbackCompound(sender, tsto))
}

// SendFlowControl просит удаленного отправителя ограничить битрейт.
// TMMBR предпочтительнее REMB; без обеих возможностей ничего не отправляется.
func (s *Session) SendFlowControl(ssrc uint32, maxBitrate uint64, overhead uint16) (SendReceiveStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.feedback.Has(FeedbackTMMBR) && !s.feedback.Has(FeedbackREMB) {
		s.logger.Debug().Uint32("ssrc", ssrc).Uint64("bitrate", maxBitrate).Msg("TMMBR и REMB не согласованы, ограничение не отправлено")
		return StatusIgnored, nil
	}
	src, status, err := s.feedbackTargetLocked(ssrc)
	if src == nil {
		return status, err
	}
	if s.config.MaxBitrate > 0 && maxBitrate > s.config.MaxBitrate {
		maxBitrate = s.config.MaxBitrate
	}

	sender := s.feedbackSenderLocked(src)
	var record rtcp.Packet
	if s.feedback.Has(FeedbackTMMBR) {
		record = &TMMBR{
			SenderSSRC: sender,
			Entries:    []TMMBREntry{{SSRC: ssrc, Bitrate: maxBitrate, Overhead: overhead}},
		}
	} else {
		record = &rtcp.ReceiverEstimatedMaximumBitrate{
			SenderSSRC: sender,
			Bitrate:    float32(maxBitrate),
			SSRCs:      []uint32{ssrc},
		}
	}
	s.logger.Debug().
		Uint32("ssrc", ssrc).
		Uint64("bitrate", maxBitrate).
		Str("record", rtcpRecordName(record)).
		Msg("отправка ограничения битрейта")
	return s.writeControlLocked(feedbackCompound(sender, record))
}

// rtcpRecordName короткое имя записи для логов
func rtcpRecordName(p rtcp.Packet) string {
	switch p.(type) {
	case *rtcp.FullIntraRequest:
		return "fir"
	case *rtcp.PictureLossIndication:
		return "pli"
	case *IntraFrameRequest:
		return "ifr"
	case *TMMBR:
		return "tmmbr"
	case *rtcp.ReceiverEstimatedMaximumBitrate:
		return "remb"
	default:
		return "unknown"
	}
}
