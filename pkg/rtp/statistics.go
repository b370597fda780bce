package rtp

import (
	"time"
)

// DefaultStatisticsWindow число интервалов, по которым усредняется время между пакетами
const DefaultStatisticsWindow = 100

// Statistics снимок статистики синхронизирующего источника
type Statistics struct {
	SSRC          uint32
	Direction     Direction
	CanonicalName string

	Packets     uint64 // Принято или отправлено пакетов
	Octets      uint64 // Байт полезной нагрузки
	MarkerCount uint64 // Пакетов с битом M

	PacketsLost       uint64 // Потеряно по пропускам номеров
	PacketsOutOfOrder uint64 // Пришло не по порядку
	PacketsTooLate    uint64 // Дубликаты и опоздавшие
	NACKs             uint64 // Отправлено (прием) или получено (отправка) NACK

	ExtendedSequence uint32

	FirstPacketTime time.Time
	LastPacketTime  time.Time

	// Время между значимыми пакетами за последнее окно
	MinimumTime time.Duration
	MaximumTime time.Duration
	AverageTime time.Duration

	// Jitter по RFC 3550 A.8 (только прием)
	Jitter        time.Duration
	MaximumJitter time.Duration

	// Со стороны удаленной стороны по ее Receiver Report (только отправка)
	RemoteFractionLost uint8
	RemotePacketsLost  uint32
	RemoteJitter       time.Duration

	SenderReportsReceived uint64
	RoundTripTime         time.Duration
}

// statistics счетчики и оценки одного направления
type statistics struct {
	clockRate uint32
	mediaType MediaType
	direction Direction
	window    int

	packets    uint64
	octets     uint64
	markers    uint64
	lost       uint64
	outOfOrder uint64
	tooLate    uint64
	nacks      uint64

	firstPacketTime time.Time
	lastPacketTime  time.Time

	// Выборка времени между пакетами
	haveSample          bool
	lastSampleTime      time.Time
	lastSampleTimestamp uint32
	sampleCount         int
	sampleSum           time.Duration
	sampleMin           time.Duration
	sampleMax           time.Duration

	minimumTime time.Duration
	maximumTime time.Duration
	averageTime time.Duration

	// Jitter с 4 защитными битами
	haveTransit bool
	lastTransit int64
	jitterAccum uint32
	maxJitter   uint32
}

func newStatistics(clockRate uint32, mediaType MediaType, direction Direction, window int) statistics {
	if window <= 0 {
		window = DefaultStatisticsWindow
	}
	return statistics{
		clockRate: clockRate,
		mediaType: mediaType,
		direction: direction,
		window:    window,
	}
}

// significant определяет пакеты, по которым меряется время:
// для аудио без бита M (начало разговорного фрагмента после тишины),
// для видео только первый пакет кадра.
func (s *statistics) significant(frame *Frame) bool {
	if !s.haveSample {
		return false
	}
	if s.mediaType == MediaTypeVideo {
		return frame.Timestamp != s.lastSampleTimestamp
	}
	return !frame.Marker
}

// onPacket учитывает принятый или отправленный кадр
func (s *statistics) onPacket(frame *Frame, now time.Time) {
	if s.packets == 0 {
		s.firstPacketTime = now
	}
	s.packets++
	s.octets += uint64(len(frame.Payload))
	if frame.Marker {
		s.markers++
	}
	s.lastPacketTime = now

	if s.mediaType == MediaTypeVideo && s.haveSample && frame.Timestamp == s.lastSampleTimestamp {
		return
	}

	if s.significant(frame) {
		s.addSample(now.Sub(s.lastSampleTime))
		if s.direction == DirectionReceive {
			s.updateJitter(frame.Timestamp, now)
		}
	} else if s.direction == DirectionReceive {
		// Новая точка отсчета для transit, разрыв не должен попасть в jitter
		s.haveTransit = false
		s.updateJitter(frame.Timestamp, now)
	}

	s.haveSample = true
	s.lastSampleTime = now
	s.lastSampleTimestamp = frame.Timestamp
}

// addSample добавляет интервал в окно и публикует результат по заполнении
func (s *statistics) addSample(interval time.Duration) {
	if s.sampleCount == 0 || interval < s.sampleMin {
		s.sampleMin = interval
	}
	if interval > s.sampleMax {
		s.sampleMax = interval
	}
	s.sampleSum += interval
	s.sampleCount++

	if s.sampleCount >= s.window {
		s.minimumTime = s.sampleMin
		s.maximumTime = s.sampleMax
		s.averageTime = s.sampleSum / time.Duration(s.sampleCount)
		s.sampleCount = 0
		s.sampleSum = 0
		s.sampleMin = 0
		s.sampleMax = 0
	}
}

// updateJitter реализует оценку RFC 3550 A.8 в целых числах:
// J16 += |D| - (J16 + 8) >> 4, где J16 = 16 * jitter в тиках RTP.
func (s *statistics) updateJitter(timestamp uint32, now time.Time) {
	arrival := int64(0)
	if s.clockRate > 0 {
		arrival = now.Sub(s.firstPacketTime).Microseconds() * int64(s.clockRate) / 1e6
	}
	transit := arrival - int64(timestamp)

	if s.haveTransit {
		d := transit - s.lastTransit
		if d < 0 {
			d = -d
		}
		s.jitterAccum += uint32(d) - ((s.jitterAccum + 8) >> 4)
		if j := s.jitterAccum >> 4; j > s.maxJitter {
			s.maxJitter = j
		}
	}

	s.lastTransit = transit
	s.haveTransit = true
}

// jitter текущий jitter в тиках RTP (значение поля Receiver Report)
func (s *statistics) jitter() uint32 {
	return s.jitterAccum >> 4
}

// ticksToDuration переводит тики RTP в длительность
func ticksToDuration(ticks uint32, clockRate uint32) time.Duration {
	if clockRate == 0 {
		return 0
	}
	return time.Duration(uint64(ticks) * uint64(time.Second) / uint64(clockRate))
}

// fill переносит счетчики в снимок
func (s *statistics) fill(out *Statistics) {
	out.Packets = s.packets
	out.Octets = s.octets
	out.MarkerCount = s.markers
	out.PacketsLost = s.lost
	out.PacketsOutOfOrder = s.outOfOrder
	out.PacketsTooLate = s.tooLate
	out.NACKs = s.nacks
	out.FirstPacketTime = s.firstPacketTime
	out.LastPacketTime = s.lastPacketTime
	out.MinimumTime = s.minimumTime
	out.MaximumTime = s.maximumTime
	out.AverageTime = s.averageTime
	out.Jitter = ticksToDuration(s.jitter(), s.clockRate)
	out.MaximumJitter = ticksToDuration(s.maxJitter, s.clockRate)
}

// Aggregate суммирует снимки по направлению
func Aggregate(stats []Statistics, direction Direction) Statistics {
	total := Statistics{Direction: direction}
	for _, st := range stats {
		if st.Direction != direction {
			continue
		}
		total.Packets += st.Packets
		total.Octets += st.Octets
		total.MarkerCount += st.MarkerCount
		total.PacketsLost += st.PacketsLost
		total.PacketsOutOfOrder += st.PacketsOutOfOrder
		total.PacketsTooLate += st.PacketsTooLate
		total.NACKs += st.NACKs
		if st.Jitter > total.Jitter {
			total.Jitter = st.Jitter
		}
		if st.MaximumJitter > total.MaximumJitter {
			total.MaximumJitter = st.MaximumJitter
		}
		if st.RoundTripTime > total.RoundTripTime {
			total.RoundTripTime = st.RoundTripTime
		}
		if total.FirstPacketTime.IsZero() || (!st.FirstPacketTime.IsZero() && st.FirstPacketTime.Before(total.FirstPacketTime)) {
			total.FirstPacketTime = st.FirstPacketTime
		}
		if st.LastPacketTime.After(total.LastPacketTime) {
			total.LastPacketTime = st.LastPacketTime
		}
	}
	return total
}
