package rtp

import (
	"sort"
	"time"

	"github.com/pion/rtcp"
)

// maxReportBlocks предел блоков приема в одном SR/RR (5-битное поле count)
const maxReportBlocks = 31

// maxCumulativeLost предел поля cumulative lost (24 бита со знаком)
const maxCumulativeLost = 0x7FFFFF

// receptionReport формирует блок отчета о приеме. Точка отсчета fraction lost
// не меняется, пока отчет не отправлен (см. commitReception).
func (s *SyncSource) receptionReport(now time.Time) rtcp.ReceptionReport {
	extended := s.seq.extended()
	expectedInterval := uint64(extended - s.priorExtended)
	lostInterval := s.stats.lost - s.priorLost

	cumulative := s.stats.lost
	if cumulative > maxCumulativeLost {
		cumulative = maxCumulativeLost
	}

	var delay uint32
	if !s.lastSRReceived.IsZero() {
		delay = durationToNTPShort(now.Sub(s.lastSRReceived))
	}

	return rtcp.ReceptionReport{
		SSRC:               s.ssrc,
		FractionLost:       fractionLost(expectedInterval, lostInterval),
		TotalLost:          uint32(cumulative),
		LastSequenceNumber: extended,
		Jitter:             s.stats.jitter(),
		LastSenderReport:   s.lastSRTimestamp,
		Delay:              delay,
	}
}

// commitReception начинает новый интервал fraction lost после отправки отчета
func (s *SyncSource) commitReception() {
	s.priorExtended = s.seq.extended()
	s.priorLost = s.stats.lost
}

// senderReport формирует SR отправителя: NTP время сейчас и соответствующее
// ему RTP время, экстраполированное от последнего отправленного пакета
func (s *SyncSource) senderReport(now time.Time, blocks []rtcp.ReceptionReport) *rtcp.SenderReport {
	return &rtcp.SenderReport{
		SSRC:        s.ssrc,
		NTPTime:     NTPTimestamp(now),
		RTPTime:     s.rtpTimestampAt(now),
		PacketCount: uint32(s.stats.packets),
		OctetCount:  uint32(s.stats.octets),
		Reports:     blocks,
	}
}

// sourceDescription SDES с CNAME и TOOL источника
func (s *SyncSource) sourceDescription() *rtcp.SourceDescription {
	items := []rtcp.SourceDescriptionItem{
		{Type: rtcp.SDESCNAME, Text: s.cname},
	}
	if s.tool != "" {
		items = append(items, rtcp.SourceDescriptionItem{Type: rtcp.SDESTool, Text: s.tool})
	}
	return &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{Source: s.ssrc, Items: items}},
	}
}

// splitBlocks делит блоки на первую порцию и дополнительные RR
func splitBlocks(blocks []rtcp.ReceptionReport) ([]rtcp.ReceptionReport, [][]rtcp.ReceptionReport) {
	if len(blocks) <= maxReportBlocks {
		return blocks, nil
	}
	first := blocks[:maxReportBlocks]
	var rest [][]rtcp.ReceptionReport
	for i := maxReportBlocks; i < len(blocks); i += maxReportBlocks {
		end := min(i+maxReportBlocks, len(blocks))
		rest = append(rest, blocks[i:end])
	}
	return first, rest
}

// Ограничения хранимых RRTR: старые отметки не отражаются в DLRR, число
// участников ограничено
const (
	maxRRTRAge    = 30 * time.Second
	maxRRTRStates = 64
)

// rrtrState последний Receiver Reference Time удаленного участника
type rrtrState struct {
	timestamp uint32 // средние 32 бита NTP
	received  time.Time
}

// dlrrBlockLocked блок DLRR для всех участников, приславших RRTR
func (s *Session) dlrrBlockLocked(now time.Time) *rtcp.DLRRReportBlock {
	if len(s.rrtr) == 0 {
		return nil
	}
	ssrcs := make([]uint32, 0, len(s.rrtr))
	for ssrc, state := range s.rrtr {
		if now.Sub(state.received) <= maxRRTRAge {
			ssrcs = append(ssrcs, ssrc)
		}
	}
	if len(ssrcs) == 0 {
		return nil
	}
	sort.Slice(ssrcs, func(i, j int) bool { return ssrcs[i] < ssrcs[j] })

	reports := make([]rtcp.DLRRReport, 0, len(ssrcs))
	for _, ssrc := range ssrcs {
		state := s.rrtr[ssrc]
		reports = append(reports, rtcp.DLRRReport{
			SSRC:   ssrc,
			LastRR: state.timestamp,
			DLRR:   durationToNTPShort(now.Sub(state.received)),
		})
	}
	return &rtcp.DLRRReportBlock{Reports: reports}
}

// reportBatch составные пакеты отчета и источники, чьи блоки приема в них вошли
type reportBatch struct {
	compounds [][]rtcp.Packet
	reported  []*SyncSource
}

// commit фиксирует интервалы fraction lost после успешной отправки
func (b reportBatch) commit() {
	for _, src := range b.reported {
		src.commitReception()
	}
}

// buildReportsLocked собирает составные пакеты. ssrc равный 0 означает все
// источники. Каждый составной пакет начинается с SR или RR. Состояние
// источников не меняется: после отправки вызывается reportBatch.commit.
func (s *Session) buildReportsLocked(ssrc uint32, force bool, now time.Time) reportBatch {
	var senders []*SyncSource
	for _, src := range s.sortedSourcesLocked(DirectionSend) {
		if ssrc != 0 && src.ssrc != ssrc {
			continue
		}
		if force || src.stats.packets > 0 {
			senders = append(senders, src)
		}
	}
	// Отчет конкретного отправителя без данных не отправляется
	if len(senders) == 0 && ssrc != 0 && !force {
		return reportBatch{}
	}

	var batch reportBatch
	var blocks []rtcp.ReceptionReport
	for _, src := range s.sortedSourcesLocked(DirectionReceive) {
		if src.stats.packets == 0 || src.goodbye {
			continue
		}
		blocks = append(blocks, src.receptionReport(now))
		batch.reported = append(batch.reported, src)
	}
	first, overflow := splitBlocks(blocks)
	dlrr := s.dlrrBlockLocked(now)

	if len(senders) == 0 {
		if len(blocks) == 0 && dlrr == nil && !force {
			return reportBatch{}
		}
		packets := []rtcp.Packet{&rtcp.ReceiverReport{SSRC: placeholderSSRC, Reports: first}}
		for _, extra := range overflow {
			packets = append(packets, &rtcp.ReceiverReport{SSRC: placeholderSSRC, Reports: extra})
		}
		xr := &rtcp.ExtendedReport{
			SenderSSRC: placeholderSSRC,
			Reports: []rtcp.ReportBlock{
				&rtcp.ReceiverReferenceTimeReportBlock{NTPTimestamp: NTPTimestamp(now)},
			},
		}
		if dlrr != nil {
			xr.Reports = append(xr.Reports, dlrr)
		}
		packets = append(packets, xr)
		batch.compounds = append(batch.compounds, packets)
		return batch
	}

	for i, snd := range senders {
		var packets []rtcp.Packet
		if i == 0 {
			packets = append(packets, snd.senderReport(now, first))
			for _, extra := range overflow {
				packets = append(packets, &rtcp.ReceiverReport{SSRC: snd.ssrc, Reports: extra})
			}
		} else {
			packets = append(packets, snd.senderReport(now, nil))
		}
		packets = append(packets, snd.sourceDescription())
		if i == 0 && dlrr != nil {
			packets = append(packets, &rtcp.ExtendedReport{
				SenderSSRC: snd.ssrc,
				Reports:    []rtcp.ReportBlock{dlrr},
			})
		}
		batch.compounds = append(batch.compounds, packets)
	}
	return batch
}

// goodbyeCompoundLocked составной пакет SR + SDES + BYE для отправителя
func (s *Session) goodbyeCompoundLocked(src *SyncSource, now time.Time) []rtcp.Packet {
	return []rtcp.Packet{
		src.senderReport(now, nil),
		src.sourceDescription(),
		&rtcp.Goodbye{Sources: []uint32{src.ssrc}},
	}
}

// feedbackSenderLocked SSRC, от имени которого отправляется обратная связь
// о принимающем источнике: его loopback-партнер, иначе наименьший локальный
// отправитель, иначе заглушка
func (s *Session) feedbackSenderLocked(media *SyncSource) uint32 {
	if media != nil && media.loopbackSSRC != 0 {
		return media.loopbackSSRC
	}
	if senders := s.sortedSourcesLocked(DirectionSend); len(senders) > 0 {
		return senders[0].ssrc
	}
	return placeholderSSRC
}

// feedbackCompound оборачивает запись обратной связи в составной пакет,
// начинающийся с пустого RR
func feedbackCompound(sender uint32, feedback ...rtcp.Packet) []rtcp.Packet {
	return append([]rtcp.Packet{&rtcp.ReceiverReport{SSRC: sender}}, feedback...)
}

// storeRRTRLocked запоминает RRTR участника. При заполненной таблице
// сначала вытесняются устаревшие записи, новый участник без места пропускается.
func (s *Session) storeRRTRLocked(ssrc uint32, ntp uint64, now time.Time) {
	if _, known := s.rrtr[ssrc]; !known && len(s.rrtr) >= maxRRTRStates {
		for id, state := range s.rrtr {
			if now.Sub(state.received) > maxRRTRAge {
				delete(s.rrtr, id)
			}
		}
		if len(s.rrtr) >= maxRRTRStates {
			return
		}
	}
	s.rrtr[ssrc] = rrtrState{timestamp: ntpMiddle(ntp), received: now}
}
