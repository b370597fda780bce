package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceClassify(t *testing.T) {
	now := time.Now()
	tracker := newSequenceTracker(0, 0)

	verdict, _ := tracker.classify(100, now)
	require.Equal(t, sequenceFirst, verdict)
	tracker.accept(100)

	tests := []struct {
		name    string
		seq     uint16
		verdict sequenceVerdict
		delta   uint16
	}{
		{"ожидаемый номер", 101, sequenceInOrder, 0},
		{"небольшой пропуск", 105, sequenceGap, 4},
		{"граница пропуска", 101 + MaxDropout - 1, sequenceGap, MaxDropout - 1},
		{"дубликат последнего", 100, sequenceTooLate, 0xFFFF},
		{"опоздавший в пределах 100", 2, sequenceTooLate, 0xFFFF - 98},
		{"скачок вперед", 101 + MaxDropout, sequenceOutOfRange, MaxDropout},
		{"далеко позади", 0xFFFF - 98, sequenceOutOfRange, 0xFFFF - 199},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, delta := tracker.classify(tt.seq, now)
			assert.Equal(t, tt.verdict.String(), verdict.String())
			assert.Equal(t, tt.delta, delta)
		})
	}
}

func TestSequenceWrapAround(t *testing.T) {
	tracker := newSequenceTracker(0, 0)
	tracker.accept(65534)
	tracker.accept(65535)
	assert.Equal(t, uint32(65535), tracker.extended())

	verdict, _ := tracker.classify(0, time.Now())
	assert.Equal(t, sequenceInOrder, verdict)

	tracker.accept(0)
	assert.Equal(t, uint32(0x10000), tracker.extended())
	assert.Equal(t, uint16(1), tracker.expected())

	tracker.accept(1)
	assert.Equal(t, uint32(0x10001), tracker.extended())
}

func TestSequenceRestartConfirmation(t *testing.T) {
	now := time.Now()
	tracker := newSequenceTracker(3, time.Second)
	tracker.accept(100)

	verdict, _ := tracker.classify(20000, now)
	assert.Equal(t, sequenceOutOfRange, verdict)
	verdict, _ = tracker.classify(20001, now.Add(10*time.Millisecond))
	assert.Equal(t, sequenceOutOfRange, verdict)
	verdict, _ = tracker.classify(20002, now.Add(20*time.Millisecond))
	assert.Equal(t, sequenceRestart, verdict)

	tracker.restart(20002)
	assert.Equal(t, uint16(20003), tracker.expected())
}

func TestSequenceRestartWindowExpires(t *testing.T) {
	now := time.Now()
	tracker := newSequenceTracker(3, time.Second)
	tracker.accept(100)

	verdict, _ := tracker.classify(20000, now)
	assert.Equal(t, sequenceOutOfRange, verdict)
	// Подтверждение за пределами окна начинает цепочку заново
	verdict, _ = tracker.classify(20001, now.Add(2*time.Second))
	assert.Equal(t, sequenceOutOfRange, verdict)
	verdict, _ = tracker.classify(20002, now.Add(2100*time.Millisecond))
	assert.Equal(t, sequenceOutOfRange, verdict)
	verdict, _ = tracker.classify(20003, now.Add(2200*time.Millisecond))
	assert.Equal(t, sequenceRestart, verdict)
}

func TestSequenceRestartInterruptedByInOrder(t *testing.T) {
	now := time.Now()
	tracker := newSequenceTracker(2, time.Second)
	tracker.accept(100)

	verdict, _ := tracker.classify(20000, now)
	assert.Equal(t, sequenceOutOfRange, verdict)

	verdict, _ = tracker.classify(101, now)
	require.Equal(t, sequenceInOrder, verdict)
	tracker.accept(101)

	verdict, _ = tracker.classify(20001, now)
	assert.Equal(t, sequenceOutOfRange, verdict, "цепочка подтверждений сброшена")
}

func TestSequenceBehind(t *testing.T) {
	tracker := newSequenceTracker(0, 0)
	tracker.accept(10)

	assert.True(t, tracker.behind(10))
	assert.True(t, tracker.behind(0))
	assert.False(t, tracker.behind(11))
	assert.False(t, tracker.behind(50))

	tracker.accept(65535)
	assert.True(t, tracker.behind(65530))
	assert.False(t, tracker.behind(0))
	assert.False(t, tracker.behind(5))
}
