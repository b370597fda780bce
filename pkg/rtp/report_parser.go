package rtp

import (
	"time"

	"github.com/pion/rtcp"
)

// decodeRecord разбирает одну запись составного пакета.
// Набор поддерживаемых записей закрыт; неизвестные возвращаются как nil.
func decodeRecord(h rtcp.Header, raw []byte) (rtcp.Packet, error) {
	var pkt rtcp.Packet
	switch h.Type {
	case rtcp.TypeSenderReport:
		pkt = &rtcp.SenderReport{}
	case rtcp.TypeReceiverReport:
		pkt = &rtcp.ReceiverReport{}
	case rtcp.TypeSourceDescription:
		pkt = &rtcp.SourceDescription{}
	case rtcp.TypeGoodbye:
		pkt = &rtcp.Goodbye{}
	case rtcp.TypeApplicationDefined:
		pkt = &ApplicationDefined{}
	case rtcp.TypeExtendedReport:
		pkt = &rtcp.ExtendedReport{}
	case TypeIntraFrameRequest:
		pkt = &IntraFrameRequest{}
	case rtcp.TypeTransportSpecificFeedback:
		switch h.Count {
		case rtcp.FormatTLN:
			pkt = &rtcp.TransportLayerNack{}
		case FormatTMMBR:
			pkt = &TMMBR{}
		default:
			return nil, nil
		}
	case rtcp.TypePayloadSpecificFeedback:
		switch h.Count {
		case rtcp.FormatPLI:
			pkt = &rtcp.PictureLossIndication{}
		case rtcp.FormatFIR:
			pkt = &rtcp.FullIntraRequest{}
		case FormatTSTO:
			pkt = &TSTO{}
		case rtcp.FormatREMB:
			pkt = &rtcp.ReceiverEstimatedMaximumBitrate{}
		default:
			return nil, nil
		}
	default:
		return nil, nil
	}

	if err := pkt.Unmarshal(raw); err != nil {
		return nil, err
	}
	return pkt, nil
}

// OnReceiveControl разбирает составной RTCP пакет. Каждая запись
// декодируется отдельно: ошибка одной записи не отменяет остальные.
func (s *Session) OnReceiveControl(data []byte) SendReceiveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.lifecycle.Current(); st != StateOpen {
		if st == StateAborted {
			return StatusAbort
		}
		return StatusIgnored
	}

	now := s.now()
	handled := 0
	for offset := 0; offset < len(data); {
		var h rtcp.Header
		if err := h.Unmarshal(data[offset:]); err != nil {
			s.logger.Debug().Err(err).Int("offset", offset).Msg("неверный заголовок RTCP, остаток пакета отброшен")
			break
		}
		size := int(h.Length+1) * 4
		if offset+size > len(data) {
			s.logger.Debug().
				Int("offset", offset).
				Int("size", size).
				Int("len", len(data)).
				Msg("усеченная запись RTCP, остаток пакета отброшен")
			break
		}
		raw := data[offset : offset+size]
		offset += size

		pkt, err := decodeRecord(h, raw)
		if err != nil {
			s.logger.Debug().Err(err).Uint8("type", uint8(h.Type)).Msg("неверная запись RTCP пропущена")
			continue
		}
		if pkt == nil {
			s.logger.Debug().
				Uint8("type", uint8(h.Type)).
				Uint8("format", h.Count).
				Msg("неподдерживаемая запись RTCP пропущена")
			continue
		}
		s.handleRecordLocked(pkt, now)
		handled++
	}

	if handled == 0 {
		return StatusIgnored
	}
	return StatusProcessed
}

// handleRecordLocked обрабатывает запись по ее типу
func (s *Session) handleRecordLocked(pkt rtcp.Packet, now time.Time) {
	switch p := pkt.(type) {
	case *rtcp.SenderReport:
		s.onSenderReportLocked(p, now)
	case *rtcp.ReceiverReport:
		s.onReceptionReportsLocked(p.Reports, now)
	case *rtcp.SourceDescription:
		s.onSourceDescriptionLocked(p)
	case *rtcp.Goodbye:
		s.onGoodbyeLocked(p)
	case *ApplicationDefined:
		s.logger.Debug().
			Uint32("ssrc", p.SSRC).
			Str("name", p.Name).
			Uint8("subtype", p.SubType).
			Int("length", len(p.Data)).
			Msg("получен APP")
	case *rtcp.ExtendedReport:
		s.onExtendedReportLocked(p, now)
	case *rtcp.TransportLayerNack:
		s.onNACKLocked(p)
	case *TMMBR:
		s.onTMMBRLocked(p)
	case *rtcp.PictureLossIndication:
		s.onPictureLossLocked(p)
	case *rtcp.FullIntraRequest:
		s.onFullIntraRequestLocked(p)
	case *IntraFrameRequest:
		if src := s.sources[p.MediaSSRC]; src != nil && src.direction == DirectionSend {
			s.notifyIntraFrameRequest(p.MediaSSRC, false)
		}
	case *TSTO:
		s.onTSTOLocked(p)
	case *rtcp.ReceiverEstimatedMaximumBitrate:
		s.onREMBLocked(p)
	}
}

// onSenderReportLocked запоминает SR удаленного отправителя для эха LSR/DLSR
// и синхронизации RTP времени с NTP
func (s *Session) onSenderReportLocked(sr *rtcp.SenderReport, now time.Time) {
	if src, status := s.resolveLocked(sr.SSRC, DirectionReceive, false); status == StatusProcessed {
		src.lastSRTimestamp = ntpMiddle(sr.NTPTime)
		src.lastSRReceived = now
		src.srNTPTime = NTPTimestampToTime(sr.NTPTime)
		src.srRTPTimestamp = sr.RTPTime
		src.senderReports++
	}
	s.onReceptionReportsLocked(sr.Reports, now)
}

// onReceptionReportsLocked обрабатывает блоки о наших отправителях
func (s *Session) onReceptionReportsLocked(reports []rtcp.ReceptionReport, now time.Time) {
	for _, rr := range reports {
		src, ok := s.sources[rr.SSRC]
		if !ok || src.direction != DirectionSend {
			continue
		}
		src.remoteFractionLost = rr.FractionLost
		src.remoteLost = rr.TotalLost
		src.remoteJitter = rr.Jitter

		if src.updateRoundTrip(rr.LastSenderReport, rr.Delay, now) {
			s.rtt = src.rtt
		}
		s.notifyPacketLoss(rr.SSRC, rr.FractionLost, rr.TotalLost)
	}
}

func (s *Session) onSourceDescriptionLocked(sdes *rtcp.SourceDescription) {
	for _, chunk := range sdes.Chunks {
		src, ok := s.sources[chunk.Source]
		if !ok || src.direction != DirectionReceive {
			continue
		}
		for _, item := range chunk.Items {
			switch item.Type {
			case rtcp.SDESCNAME:
				src.cname = item.Text
			case rtcp.SDESTool:
				src.tool = item.Text
			}
		}
	}
}

// onGoodbyeLocked помечает источники ушедшими. Удаление зависит от политики.
func (s *Session) onGoodbyeLocked(bye *rtcp.Goodbye) {
	for _, ssrc := range bye.Sources {
		src, ok := s.sources[ssrc]
		if !ok || src.direction != DirectionReceive {
			continue
		}
		src.goodbye = true
		s.logger.Debug().Uint32("ssrc", ssrc).Str("reason", bye.Reason).Msg("получен BYE")
		s.notifyGoodbye(ssrc, bye.Reason)
		if s.config.RemoveOnGoodbye {
			s.deleteSourceLocked(src)
		}
	}
}

// onExtendedReportLocked RRTR сохраняется для DLRR, DLRR дает RTT
func (s *Session) onExtendedReportLocked(xr *rtcp.ExtendedReport, now time.Time) {
	for _, block := range xr.Reports {
		switch b := block.(type) {
		case *rtcp.ReceiverReferenceTimeReportBlock:
			// Участник без отправителей шлет RRTR от заглушки, источника
			// для него нет, поэтому состояние хранится по SSRC из XR
			if src, ok := s.sources[xr.SenderSSRC]; ok && src.direction == DirectionSend {
				continue
			}
			s.storeRRTRLocked(xr.SenderSSRC, b.NTPTimestamp, now)
		case *rtcp.DLRRReportBlock:
			for _, r := range b.Reports {
				src, ok := s.sources[r.SSRC]
				if ok && src.direction == DirectionSend {
					if src.updateRoundTrip(r.LastRR, r.DLRR, now) {
						s.rtt = src.rtt
					}
					continue
				}
				// Ответ на RRTR нашей заглушки
				if r.SSRC == placeholderSSRC && len(s.sortedSourcesLocked(DirectionSend)) == 0 {
					if rtt, ok := roundTrip(r.LastRR, r.DLRR, now); ok {
						s.rtt = rtt
					}
				}
			}
		case *rtcp.VoIPMetricsReportBlock:
			s.logger.Debug().
				Uint32("ssrc", b.SSRC).
				Uint8("loss_rate", b.LossRate).
				Uint8("mos_lq", b.MOSLQ).
				Msg("получены VoIP метрики")
		}
	}
}
