package rtp

import (
	"time"
)

// SyncSource состояние одного потока (SSRC) в одном направлении.
// Все поля защищены блокировкой сессии, владеющей источником.
type SyncSource struct {
	session   *Session
	ssrc      uint32
	direction Direction
	cname     string
	tool      string

	seq   sequenceTracker
	reseq resequencer
	stats statistics

	jitterBuffer JitterBuffer
	loopbackSSRC uint32

	// Отправка
	sequenceStamped  bool
	lastSentSequence uint16
	lastRTPTimestamp uint32
	lastRTPTime      time.Time
	firSequence      uint8
	tstoSequence     uint8

	// Данные для блока отчета о приеме
	priorExtended uint32
	priorLost     uint64

	// Последний принятый Sender Report (эхо LSR/DLSR)
	lastSRTimestamp uint32
	lastSRReceived  time.Time
	srNTPTime       time.Time
	srRTPTimestamp  uint32
	senderReports   uint64

	// Что удаленная сторона сообщает о нашем потоке
	remoteFractionLost uint8
	remoteLost         uint32
	remoteJitter       uint32

	// Дедупликация входящих FIR/TSTO
	haveFIRSequence  bool
	lastFIRSequence  uint8
	haveTSTOSequence bool
	lastTSTOSequence uint8

	rtt     time.Duration
	goodbye bool
}

func newSyncSource(session *Session, ssrc uint32, direction Direction, cname string) *SyncSource {
	cfg := session.config
	return &SyncSource{
		session:   session,
		ssrc:      ssrc,
		direction: direction,
		cname:     cname,
		tool:      cfg.ToolName,
		seq:       newSequenceTracker(cfg.RestartThreshold, cfg.RestartWindow),
		stats:     newStatistics(cfg.ClockRate, cfg.MediaType, direction, cfg.StatisticsWindow),
	}
}

// SSRC идентификатор источника
func (s *SyncSource) SSRC() uint32 { return s.ssrc }

// Direction направление источника
func (s *SyncSource) Direction() Direction { return s.direction }

// resequencing удерживать ли пакеты не по порядку: только при подключенном
// буфере воспроизведения с ненулевой задержкой
func (s *SyncSource) resequencing() bool {
	return s.jitterBuffer != nil && s.jitterBuffer.CurrentDelay() > 0
}

// onReceiveData обрабатывает пакет данных. Возвращает кадры для доставки
// подписчикам строго по возрастанию номеров.
func (s *SyncSource) onReceiveData(frame *Frame, now time.Time) (SendReceiveStatus, []*Frame) {
	var out []*Frame

	// Сначала выдаем то, что накопилось с прошлого вызова
	if s.reseq.expired(now, s.session.config.OutOfOrderWaitTime) {
		out = s.giveUp(now, out)
	}
	out = s.drain(now, out)

	verdict, delta := s.seq.classify(frame.SequenceNumber, now)
	switch verdict {
	case sequenceFirst:
		out = s.accept(frame, now, out)
		return StatusProcessed, out

	case sequenceInOrder:
		if s.reseq.len() > 0 {
			s.stats.outOfOrder++
		}
		out = s.accept(frame, now, out)
		out = s.drain(now, out)
		if s.reseq.len() == 0 {
			s.reseq.disarm()
		}
		return StatusProcessed, out

	case sequenceTooLate:
		s.stats.tooLate++
		s.session.logger.Debug().
			Uint32("ssrc", s.ssrc).
			Uint16("sn", frame.SequenceNumber).
			Uint16("expected", s.seq.expected()).
			Msg("пакет опоздал, отброшен")
		return StatusIgnored, out

	case sequenceRestart:
		s.session.logger.Warn().
			Uint32("ssrc", s.ssrc).
			Uint16("sn", frame.SequenceNumber).
			Uint16("last", s.seq.lastSeq).
			Int("confirmations", s.seq.restartThreshold).
			Msg("аномальный перезапуск последовательности, принимаем новую базу")
		s.reseq.clear()
		if s.jitterBuffer != nil {
			s.jitterBuffer.Reset()
		}
		s.seq.restart(frame.SequenceNumber)
		s.priorExtended = s.seq.extended() - 1
		s.priorLost = s.stats.lost
		out = s.deliver(frame, now, out)
		return StatusProcessed, out

	case sequenceOutOfRange:
		s.stats.outOfOrder++
		s.session.logger.Debug().
			Uint32("ssrc", s.ssrc).
			Uint16("sn", frame.SequenceNumber).
			Uint16("expected", s.seq.expected()).
			Msg("пакет вне последовательности")
		if s.resequencing() {
			return StatusIgnored, out
		}
		out = s.deliver(frame, now, out)
		return StatusProcessed, out
	}

	// Пропуск номеров
	if !s.resequencing() {
		frame.Discontinuity = int(delta)
		s.stats.lost += uint64(delta)
		out = s.accept(frame, now, out)
		return StatusProcessed, out
	}

	if !s.reseq.insert(frame, s.seq.expected()) {
		s.stats.tooLate++
		return StatusIgnored, out
	}
	if s.reseq.len() == 1 {
		s.armWait(now)
	}

	if s.reseq.len() > s.session.config.MaxOutOfOrderPackets {
		s.session.logger.Debug().
			Uint32("ssrc", s.ssrc).
			Int("pending", s.reseq.len()).
			Msg("превышен предел пакетов не по порядку, прекращаем ожидание")
		for s.reseq.len() > s.session.config.MaxOutOfOrderPackets {
			out = s.giveUp(now, out)
		}
	}

	if len(out) > 0 {
		return StatusProcessed, out
	}
	return StatusIgnored, out
}

// onWaitExpired вызывается таймером ожидания
func (s *SyncSource) onWaitExpired(now time.Time) []*Frame {
	if !s.reseq.expired(now, s.session.config.OutOfOrderWaitTime) {
		return nil
	}
	return s.giveUp(now, nil)
}

// armWait запускает ожидание недостающего пакета
func (s *SyncSource) armWait(now time.Time) {
	session, ssrc := s.session, s.ssrc
	s.reseq.arm(now, session.config.OutOfOrderWaitTime, func() {
		session.flushOutOfOrder(ssrc)
	})
}

// giveUp прекращает ожидание: самый старый удерживаемый кадр принимается,
// пропуск перед ним считается потерей.
func (s *SyncSource) giveUp(now time.Time, out []*Frame) []*Frame {
	for s.reseq.len() > 0 {
		frame := s.reseq.popTail()
		if s.seq.behind(frame.SequenceNumber) {
			s.stats.tooLate++
			s.session.logger.Debug().
				Uint32("ssrc", s.ssrc).
				Uint16("sn", frame.SequenceNumber).
				Uint16("expected", s.seq.expected()).
				Msg("некорректный пакет не по порядку, отброшен")
			continue
		}

		delta := frame.SequenceNumber - s.seq.expected()
		frame.Discontinuity = int(delta)
		s.stats.lost += uint64(delta)
		s.session.logger.Debug().
			Uint32("ssrc", s.ssrc).
			Uint16("sn", frame.SequenceNumber).
			Uint16("lost", delta).
			Msg("пакет не дождались, фиксируем потерю")
		out = s.accept(frame, now, out)
		break
	}

	out = s.drain(now, out)
	if s.reseq.len() > 0 {
		s.armWait(now)
	} else {
		s.reseq.disarm()
	}
	return out
}

// drain выдает удерживаемые кадры, ставшие непрерывными
func (s *SyncSource) drain(now time.Time, out []*Frame) []*Frame {
	for {
		frame := s.reseq.tail()
		if frame == nil {
			return out
		}
		switch {
		case frame.SequenceNumber == s.seq.expected():
			s.reseq.popTail()
			out = s.accept(frame, now, out)
		case s.seq.behind(frame.SequenceNumber):
			s.reseq.popTail()
			s.stats.tooLate++
		default:
			return out
		}
	}
}

// accept принимает кадр в последовательность
func (s *SyncSource) accept(frame *Frame, now time.Time, out []*Frame) []*Frame {
	first := !s.seq.initialized
	s.seq.accept(frame.SequenceNumber)
	if first {
		s.priorExtended = s.seq.extended() - 1
	}
	return s.deliver(frame, now, out)
}

// deliver учитывает кадр в статистике и добавляет его в выдачу
func (s *SyncSource) deliver(frame *Frame, now time.Time, out []*Frame) []*Frame {
	if s.stats.packets == 0 {
		s.session.notifyFirstPacket(s.ssrc, s.direction)
	}
	s.stats.onPacket(frame, now)
	frame.ReceivedAt = now
	return append(out, frame)
}

// onSendData штампует исходящий кадр и учитывает его в статистике
func (s *SyncSource) onSendData(frame *Frame, rewrite RewriteMode, now time.Time) {
	switch rewrite {
	case RewriteHeader:
		if !s.sequenceStamped {
			s.lastSentSequence = generateRandomUint16()
		}
		s.lastSentSequence += 1 + uint16(frame.Discontinuity)
		frame.SequenceNumber = s.lastSentSequence
		frame.SSRC = s.ssrc
	case RewriteSSRC:
		frame.SSRC = s.ssrc
		s.lastSentSequence = frame.SequenceNumber
	case RewriteNothing:
		s.lastSentSequence = frame.SequenceNumber
	}
	s.sequenceStamped = true

	if s.stats.packets == 0 {
		s.session.notifyFirstPacket(s.ssrc, s.direction)
	}
	s.stats.onPacket(frame, now)
	s.lastRTPTimestamp = frame.Timestamp
	s.lastRTPTime = now
}

// rtpTimestampAt экстраполирует RTP время последнего отправленного пакета на момент now
func (s *SyncSource) rtpTimestampAt(now time.Time) uint32 {
	if s.lastRTPTime.IsZero() {
		return s.lastRTPTimestamp
	}
	elapsed := now.Sub(s.lastRTPTime)
	return s.lastRTPTimestamp + uint32(elapsed.Microseconds()*int64(s.stats.clockRate)/1e6)
}

// updateRoundTrip сохраняет RTT по эху LSR/DLSR (или LRR/DLRR).
// Отрицательные и заведомо неверные значения игнорируются.
func (s *SyncSource) updateRoundTrip(lastReport, delay uint32, now time.Time) bool {
	rtt, ok := roundTrip(lastReport, delay, now)
	if ok {
		s.rtt = rtt
	}
	return ok
}

// roundTrip RTT по эху отметки времени: now - last - delay (RFC 3550 §6.4.1,
// RFC 3611 §4.5). Нулевая отметка означает, что эха еще не было.
func roundTrip(lastReport, delay uint32, now time.Time) (time.Duration, bool) {
	if lastReport == 0 {
		return 0, false
	}
	rtt := ntpMiddle(NTPTimestamp(now)) - lastReport - delay
	if int32(rtt) < 0 {
		return 0, false
	}
	d := ntpShortToDuration(rtt)
	if d > maxPlausibleRoundTrip {
		return 0, false
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d, true
}

// maxPlausibleRoundTrip RTT выше этого значения считается ошибкой часов
const maxPlausibleRoundTrip = 10 * time.Second

// snapshot копия статистики для внешнего чтения
func (s *SyncSource) snapshot() Statistics {
	st := Statistics{
		SSRC:                  s.ssrc,
		Direction:             s.direction,
		CanonicalName:         s.cname,
		ExtendedSequence:      s.seq.extended(),
		RemoteFractionLost:    s.remoteFractionLost,
		RemotePacketsLost:     s.remoteLost,
		RemoteJitter:          ticksToDuration(s.remoteJitter, s.stats.clockRate),
		SenderReportsReceived: s.senderReports,
		RoundTripTime:         s.rtt,
	}
	if s.direction == DirectionSend {
		st.ExtendedSequence = uint32(s.lastSentSequence)
	}
	s.stats.fill(&st)
	return st
}

// absoluteTime переводит RTP timestamp в wall-clock время по последнему Sender Report.
// Возвращает нулевое время, пока SR не получен.
func (s *SyncSource) absoluteTime(timestamp uint32) time.Time {
	if s.srNTPTime.IsZero() || s.stats.clockRate == 0 {
		return time.Time{}
	}
	diff := int32(timestamp - s.srRTPTimestamp)
	return s.srNTPTime.Add(time.Duration(int64(diff) * int64(time.Second) / int64(s.stats.clockRate)))
}
