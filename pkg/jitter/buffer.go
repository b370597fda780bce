// Package jitter реализует адаптивный буфер воспроизведения для принимающего
// RTP источника.
//
// Буфер упорядочивает пакеты по RTP timestamp и выдает их в момент
// воспроизведения: время первого пакета + смещение по timestamp + текущая
// задержка. Задержка плавно следует за оценкой jitter (RFC 3550 A.8).
//
// Buffer реализует rtp.JitterBuffer: пока задержка ненулевая, сессия
// удерживает пакеты не по порядку, а при перезапуске потока сбрасывает буфер.
package jitter

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	mediartp "github.com/arzzra/media_transport/pkg/rtp"
)

// Значения конфигурации по умолчанию
const (
	DefaultBufferSize   = 10
	DefaultInitialDelay = 60 * time.Millisecond
	DefaultPacketTime   = 20 * time.Millisecond
	DefaultClockRate    = 8000

	// MaxBufferSize предел размера буфера для защиты от переполнения
	MaxBufferSize = 1000

	// outputInterval период проверки готовых пакетов в Run
	outputInterval = 5 * time.Millisecond
)

// Config параметры буфера
type Config struct {
	BufferSize   int           // Максимальный размер буфера в пакетах
	InitialDelay time.Duration // Начальная задержка воспроизведения
	PacketTime   time.Duration // Длительность одного пакета (ptime), нижняя граница задержки
	MaxDelay     time.Duration // Верхняя граница задержки (0 = BufferSize * PacketTime)
	ClockRate    uint32        // Частота RTP clock
	Logger       zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.PacketTime <= 0 {
		c.PacketTime = DefaultPacketTime
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = c.PacketTime * time.Duration(c.BufferSize)
	}
	if c.ClockRate == 0 {
		c.ClockRate = DefaultClockRate
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.BufferSize > MaxBufferSize {
		return fmt.Errorf("размер буфера %d превышает максимум %d", c.BufferSize, MaxBufferSize)
	}
	if c.MaxDelay < c.PacketTime {
		return fmt.Errorf("максимальная задержка %v меньше длительности пакета %v", c.MaxDelay, c.PacketTime)
	}
	return nil
}

// Statistics статистика буфера
type Statistics struct {
	Size            int
	MaxSize         int
	CurrentDelay    time.Duration
	TargetDelay     time.Duration
	Jitter          time.Duration
	PacketsReceived uint64
	PacketsPlayed   uint64
	PacketsDropped  uint64 // Вытеснены при переполнении
	PacketsLate     uint64 // Пришли после воспроизведения более новых
	Resets          uint64
}

// Buffer адаптивный jitter buffer. Безопасен для одновременной записи и чтения.
type Buffer struct {
	config Config
	logger zerolog.Logger

	mutex   sync.Mutex
	packets packetHeap

	// Опорная точка расписания воспроизведения
	anchored      bool
	baseTime      time.Time
	baseTimestamp uint32

	// Последний выданный пакет
	played        bool
	lastTimestamp uint32

	currentDelay time.Duration
	targetDelay  time.Duration

	// Оценка jitter в тактах RTP с 4 защитными битами
	haveTransit bool
	lastTransit int64
	jitter16    uint32

	received uint64
	output   uint64
	dropped  uint64
	late     uint64
	resets   uint64

	now func() time.Time
}

var _ mediartp.JitterBuffer = (*Buffer)(nil)

// New создает буфер
func New(config Config) (*Buffer, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация jitter buffer: %w", err)
	}
	b := &Buffer{
		config:       config,
		logger:       config.Logger,
		currentDelay: config.InitialDelay,
		targetDelay:  config.InitialDelay,
		now:          time.Now,
	}
	heap.Init(&b.packets)
	return b, nil
}

// CurrentDelay текущая задержка воспроизведения
func (b *Buffer) CurrentDelay() time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.currentDelay
}

// Reset сбрасывает накопленные пакеты и опорную точку расписания.
// Вызывается сессией при перезапуске последовательности источника.
func (b *Buffer) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	dropped := len(b.packets)
	clear(b.packets)
	b.packets = b.packets[:0]
	b.anchored = false
	b.played = false
	b.haveTransit = false
	b.resets++
	b.logger.Debug().Int("dropped", dropped).Msg("jitter buffer сброшен")
}

// Handle DataHandler для подписки на кадры сессии
func (b *Buffer) Handle(_ uint32, frame *mediartp.Frame) {
	if err := b.Put(&frame.Packet); err != nil {
		b.logger.Debug().Err(err).Uint16("sn", frame.SequenceNumber).Msg("кадр не принят буфером")
	}
}

// Put добавляет пакет
func (b *Buffer) Put(packet *rtp.Packet) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := b.now()
	b.received++

	if !b.anchored {
		b.anchored = true
		b.baseTime = now
		b.baseTimestamp = packet.Timestamp
	}

	if b.played && int32(packet.Timestamp-b.lastTimestamp) < 0 {
		b.late++
		return fmt.Errorf("пакет %d опоздал к воспроизведению", packet.SequenceNumber)
	}

	b.updateJitter(packet.Timestamp, now)

	if len(b.packets) >= b.config.BufferSize {
		oldest := heap.Pop(&b.packets).(*entry)
		b.dropped++
		b.logger.Debug().
			Uint16("sn", oldest.packet.SequenceNumber).
			Msg("jitter buffer переполнен, старейший пакет вытеснен")
	}
	heap.Push(&b.packets, &entry{packet: packet, offset: b.offsetLocked(packet.Timestamp)})

	b.adaptDelay()
	return nil
}

// Pop возвращает пакет, время воспроизведения которого наступило
func (b *Buffer) Pop() (*rtp.Packet, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if len(b.packets) == 0 {
		return nil, false
	}
	oldest := b.packets[0]
	playAt := b.baseTime.Add(oldest.offset).Add(b.currentDelay)
	if b.now().Before(playAt) {
		return nil, false
	}

	heap.Pop(&b.packets)
	b.played = true
	b.lastTimestamp = oldest.packet.Timestamp
	b.output++
	return oldest.packet, true
}

// Run выдает готовые пакеты в out до отмены ctx
func (b *Buffer) Run(ctx context.Context, out chan<- *rtp.Packet) error {
	ticker := time.NewTicker(outputInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				packet, ok := b.Pop()
				if !ok {
					break
				}
				select {
				case out <- packet:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Statistics снимок статистики
func (b *Buffer) Statistics() Statistics {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return Statistics{
		Size:            len(b.packets),
		MaxSize:         b.config.BufferSize,
		CurrentDelay:    b.currentDelay,
		TargetDelay:     b.targetDelay,
		Jitter:          b.jitterDuration(),
		PacketsReceived: b.received,
		PacketsPlayed:   b.output,
		PacketsDropped:  b.dropped,
		PacketsLate:     b.late,
		Resets:          b.resets,
	}
}

// offsetLocked смещение timestamp от опорной точки с учетом перехода через 0
func (b *Buffer) offsetLocked(timestamp uint32) time.Duration {
	diff := int64(int32(timestamp - b.baseTimestamp))
	return time.Duration(diff * int64(time.Second) / int64(b.config.ClockRate))
}

// updateJitter оценка interarrival jitter по RFC 3550 A.8
func (b *Buffer) updateJitter(timestamp uint32, now time.Time) {
	arrival := now.Sub(b.baseTime).Nanoseconds() * int64(b.config.ClockRate) / int64(time.Second)
	transit := arrival - int64(timestamp)
	if b.haveTransit {
		d := transit - b.lastTransit
		if d < 0 {
			d = -d
		}
		b.jitter16 += uint32(d) - ((b.jitter16 + 8) >> 4)
	}
	b.lastTransit = transit
	b.haveTransit = true
}

func (b *Buffer) jitterDuration() time.Duration {
	ticks := b.jitter16 >> 4
	return time.Duration(int64(ticks) * int64(time.Second) / int64(b.config.ClockRate))
}

// adaptDelay целевая задержка покрывает длительность пакета и четыре оценки
// jitter; текущая задержка растет медленно и падает быстрее
func (b *Buffer) adaptDelay() {
	target := b.config.PacketTime + 4*b.jitterDuration()
	if target > b.config.MaxDelay {
		target = b.config.MaxDelay
	}
	b.targetDelay = target

	diff := b.targetDelay - b.currentDelay
	if diff > 0 {
		b.currentDelay += diff / 10
	} else {
		b.currentDelay += diff / 5
	}
	if b.currentDelay < b.config.PacketTime {
		b.currentDelay = b.config.PacketTime
	}
}

// entry пакет в куче с его смещением от опорной точки
type entry struct {
	packet *rtp.Packet
	offset time.Duration
}

// packetHeap min-heap по смещению воспроизведения
type packetHeap []*entry

func (h packetHeap) Len() int           { return len(h) }
func (h packetHeap) Less(i, j int) bool { return h[i].offset < h[j].offset }
func (h packetHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *packetHeap) Push(x any) {
	*h = append(*h, x.(*entry))
}

func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
