package rtp

import (
	"time"
)

// Границы классификации номеров последовательности (RFC 3550 Appendix A.1)
const (
	// MaxMisorder сколько номеров перед ожидаемым считаются опоздавшими дубликатами
	MaxMisorder = 100
	// MaxDropout скачок номера, начиная с которого подозревается перезапуск отправителя
	MaxDropout = 3000

	// DefaultRestartThreshold сколько подряд идущих пакетов новой базы подтверждают перезапуск
	DefaultRestartThreshold = 10
	// DefaultRestartWindow окно, в котором должны уложиться подтверждения перезапуска
	DefaultRestartWindow = time.Second
)

// sequenceVerdict результат классификации входящего номера
type sequenceVerdict int

const (
	sequenceFirst      sequenceVerdict = iota // Первый пакет источника
	sequenceInOrder                           // Ровно ожидаемый номер
	sequenceGap                               // Пропуск небольшого числа пакетов
	sequenceTooLate                           // Дубликат или сильно опоздавший пакет
	sequenceOutOfRange                        // Одиночный скачок в зону перезапуска
	sequenceRestart                           // Подтвержденный перезапуск базы
)

func (v sequenceVerdict) String() string {
	switch v {
	case sequenceFirst:
		return "first"
	case sequenceInOrder:
		return "in-order"
	case sequenceGap:
		return "gap"
	case sequenceTooLate:
		return "too-late"
	case sequenceOutOfRange:
		return "out-of-range"
	case sequenceRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// sequenceTracker отслеживает 16-битные номера входящего потока и
// поддерживает расширенный 32-битный номер.
type sequenceTracker struct {
	initialized bool
	lastSeq     uint16
	cycles      uint32

	restartThreshold int
	restartWindow    time.Duration
	restartCandidate uint16
	restartCount     int
	restartStart     time.Time
}

func newSequenceTracker(threshold int, window time.Duration) sequenceTracker {
	if threshold <= 0 {
		threshold = DefaultRestartThreshold
	}
	if window <= 0 {
		window = DefaultRestartWindow
	}
	return sequenceTracker{
		restartThreshold: threshold,
		restartWindow:    window,
	}
}

// expected следующий ожидаемый номер
func (t *sequenceTracker) expected() uint16 {
	return t.lastSeq + 1
}

// extended расширенный номер последнего принятого пакета
func (t *sequenceTracker) extended() uint32 {
	return t.cycles | uint32(t.lastSeq)
}

// classify определяет категорию номера seq. Состояние lastSeq не меняется,
// меняется только счетчик подтверждений перезапуска.
// Второе значение это расстояние от ожидаемого номера по модулю 2^16.
func (t *sequenceTracker) classify(seq uint16, now time.Time) (sequenceVerdict, uint16) {
	if !t.initialized {
		return sequenceFirst, 0
	}

	delta := seq - t.expected()
	switch {
	case delta == 0:
		t.restartCount = 0
		return sequenceInOrder, 0
	case delta > 0xFFFF-MaxMisorder:
		return sequenceTooLate, delta
	case delta >= MaxDropout:
		if t.confirmRestart(seq, now) {
			return sequenceRestart, delta
		}
		return sequenceOutOfRange, delta
	default:
		t.restartCount = 0
		return sequenceGap, delta
	}
}

// confirmRestart считает подряд идущие номера новой базы.
// Цепочка сбрасывается при разрыве или выходе за окно.
func (t *sequenceTracker) confirmRestart(seq uint16, now time.Time) bool {
	if t.restartCount > 0 && seq == t.restartCandidate+1 && now.Sub(t.restartStart) <= t.restartWindow {
		t.restartCount++
	} else {
		t.restartCount = 1
		t.restartStart = now
	}
	t.restartCandidate = seq
	return t.restartCount >= t.restartThreshold
}

// accept продвигает последний принятый номер, учитывая переход через 0
func (t *sequenceTracker) accept(seq uint16) {
	if t.initialized && seq < t.lastSeq {
		t.cycles += 0x10000
	}
	t.lastSeq = seq
	t.initialized = true
}

// restart принимает новую базу без учета циклов
func (t *sequenceTracker) restart(seq uint16) {
	t.lastSeq = seq
	t.initialized = true
	t.restartCount = 0
}

// behind сообщает, что номер находится позади ожидаемого
func (t *sequenceTracker) behind(seq uint16) bool {
	return int16(seq-t.expected()) < 0
}
