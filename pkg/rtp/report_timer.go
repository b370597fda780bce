package rtp

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// reportTask периодическая отправка RTCP отчетов.
// stop дожидается завершения текущей отправки.
type reportTask struct {
	session  *Session
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newReportTask(s *Session, interval time.Duration) *reportTask {
	ctx, cancel := context.WithCancel(context.Background())
	return &reportTask{
		session:  s,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (t *reportTask) start() {
	t.wg.Add(1)
	go t.loop()
}

// stop отменяет задачу и ждет выхода из цикла
func (t *reportTask) stop() {
	t.cancel()
	t.wg.Wait()
}

// nextInterval интервал со случайным разбросом [0.5, 1.5) от номинального
// (RFC 3550 §6.3.5), чтобы участники не синхронизировались
func (t *reportTask) nextInterval() time.Duration {
	return t.interval/2 + time.Duration(rand.Int63n(int64(t.interval)))
}

func (t *reportTask) loop() {
	defer t.wg.Done()

	timer := time.NewTimer(t.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-timer.C:
			t.fire()
			timer.Reset(t.nextInterval())
		}
	}
}

func (t *reportTask) fire() {
	status, err := t.session.SendReport(0, false)
	if err != nil {
		t.session.logger.Debug().Err(err).Str("status", status.String()).Msg("периодический отчет не отправлен")
	}
}
