package rtp

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JitterBuffer внешний буфер воспроизведения, привязанный к принимающему источнику.
// Сессия им не владеет: она только читает текущую задержку, чтобы решить,
// нужно ли удерживать пакеты не по порядку, и сбрасывает его при перезапуске потока.
type JitterBuffer interface {
	CurrentDelay() time.Duration
	Reset()
}

// DataHandler получает кадры принимающих источников в порядке номеров
type DataHandler func(source uint32, frame *Frame)

// Handlers уведомления для внешних компонентов (сигнализация, менеджер полосы, кодеки).
// Все обработчики вызываются асинхронно из одной горутины сессии в порядке событий,
// поэтому могут безопасно обращаться к методам сессии.
type Handlers struct {
	// OnFirstPacket первый пакет источника в указанном направлении
	OnFirstPacket func(ssrc uint32, direction Direction)
	// OnPacketLoss удаленная сторона сообщила о потерях нашего потока
	OnPacketLoss func(ssrc uint32, fractionLost uint8, cumulativeLost uint32)
	// OnFlowControl запрос ограничения битрейта (TMMBR или REMB)
	OnFlowControl func(ssrc uint32, maxBitrate uint64, overhead uint16)
	// OnIntraFrameRequest запрос ключевого кадра (PLI, FIR или RFC 2032 FIR)
	OnIntraFrameRequest func(ssrc uint32, pictureLoss bool)
	OnTemporalSpatialTradeOff func(ssrc uint32, tradeOff uint8)
	OnRetransmitRequest       func(ssrc uint32, lost []uint16)
	OnGoodbye                 func(ssrc uint32, reason string)
	// OnAbort транспорт отказал, сессия ждет нового транспорта
	OnAbort func(err error)
}

// eventQueue исполнитель уведомлений: неограниченная очередь и одна горутина.
// post никогда не блокируется, поэтому его можно вызывать под блокировкой сессии.
type eventQueue struct {
	mu      sync.Mutex
	items   []func()
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped bool
	logger  zerolog.Logger
}

func newEventQueue(logger zerolog.Logger) *eventQueue {
	q := &eventQueue{
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.run()
	return q
}

func (q *eventQueue) post(fn func()) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.wake:
			q.drain()
		case <-q.stop:
			q.drain()
			return
		}
	}
}

func (q *eventQueue) drain() {
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		q.mu.Unlock()

		if len(items) == 0 {
			return
		}
		for _, fn := range items {
			q.invoke(fn)
		}
	}
}

func (q *eventQueue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("паника в обработчике события")
		}
	}()
	fn()
}

// close выполняет накопленные события и останавливает горутину
func (q *eventQueue) close() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.stop)
	<-q.done
}

// Методы публикации событий. Вызываются под блокировкой сессии.

func (s *Session) notifyFirstPacket(ssrc uint32, direction Direction) {
	if h := s.config.Handlers.OnFirstPacket; h != nil {
		s.events.post(func() { h(ssrc, direction) })
	}
}

func (s *Session) notifyPacketLoss(ssrc uint32, fraction uint8, cumulative uint32) {
	if h := s.config.Handlers.OnPacketLoss; h != nil {
		s.events.post(func() { h(ssrc, fraction, cumulative) })
	}
}

func (s *Session) notifyFlowControl(ssrc uint32, bitrate uint64, overhead uint16) {
	if h := s.config.Handlers.OnFlowControl; h != nil {
		s.events.post(func() { h(ssrc, bitrate, overhead) })
	}
}

func (s *Session) notifyIntraFrameRequest(ssrc uint32, pictureLoss bool) {
	if h := s.config.Handlers.OnIntraFrameRequest; h != nil {
		s.events.post(func() { h(ssrc, pictureLoss) })
	}
}

func (s *Session) notifyTradeOff(ssrc uint32, tradeOff uint8) {
	if h := s.config.Handlers.OnTemporalSpatialTradeOff; h != nil {
		s.events.post(func() { h(ssrc, tradeOff) })
	}
}

func (s *Session) notifyRetransmit(ssrc uint32, lost []uint16) {
	if h := s.config.Handlers.OnRetransmitRequest; h != nil {
		s.events.post(func() { h(ssrc, lost) })
	}
}

func (s *Session) notifyGoodbye(ssrc uint32, reason string) {
	if h := s.config.Handlers.OnGoodbye; h != nil {
		s.events.post(func() { h(ssrc, reason) })
	}
}

func (s *Session) notifyAbort(err error) {
	if h := s.config.Handlers.OnAbort; h != nil {
		s.events.post(func() { h(err) })
	}
}
