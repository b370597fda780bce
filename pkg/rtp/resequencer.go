package rtp

import (
	"slices"
	"sort"
	"time"
)

// Параметры буфера упорядочивания по умолчанию
const (
	DefaultAudioOutOfOrderWait  = 40 * time.Millisecond
	DefaultVideoOutOfOrderWait  = 100 * time.Millisecond
	DefaultMaxOutOfOrderPackets = 20
)

// resequencer хранит кадры, пришедшие раньше ожидаемого номера.
// Список упорядочен по убыванию номера, самый старый кадр лежит в конце,
// что дает дешевый доступ к нему при выдаче.
type resequencer struct {
	pending   []*Frame
	waitStart time.Time
	timer     *time.Timer
}

func (r *resequencer) len() int {
	return len(r.pending)
}

// insert вставляет кадр с учетом перехода через 0. Номера сравниваются
// относительно expected, все удерживаемые кадры находятся впереди него.
// Возвращает false для дубликата.
func (r *resequencer) insert(frame *Frame, expected uint16) bool {
	key := frame.SequenceNumber - expected
	i := sort.Search(len(r.pending), func(i int) bool {
		return r.pending[i].SequenceNumber-expected <= key
	})
	if i < len(r.pending) && r.pending[i].SequenceNumber == frame.SequenceNumber {
		return false
	}
	r.pending = slices.Insert(r.pending, i, frame)
	return true
}

// tail самый старый удерживаемый кадр
func (r *resequencer) tail() *Frame {
	if len(r.pending) == 0 {
		return nil
	}
	return r.pending[len(r.pending)-1]
}

func (r *resequencer) popTail() *Frame {
	n := len(r.pending)
	if n == 0 {
		return nil
	}
	frame := r.pending[n-1]
	r.pending[n-1] = nil
	r.pending = r.pending[:n-1]
	return frame
}

// expired истекло ли время ожидания недостающего пакета
func (r *resequencer) expired(now time.Time, wait time.Duration) bool {
	return len(r.pending) > 0 && now.Sub(r.waitStart) >= wait
}

// arm запускает ожидание и таймер принудительной выдачи
func (r *resequencer) arm(now time.Time, wait time.Duration, fire func()) {
	r.waitStart = now
	if r.timer == nil {
		r.timer = time.AfterFunc(wait, fire)
		return
	}
	r.timer.Reset(wait)
}

// disarm останавливает таймер, если ждать больше нечего
func (r *resequencer) disarm() {
	if r.timer != nil {
		r.timer.Stop()
	}
}

// clear сбрасывает все удерживаемые кадры
func (r *resequencer) clear() {
	clear(r.pending)
	r.pending = r.pending[:0]
	r.disarm()
}
