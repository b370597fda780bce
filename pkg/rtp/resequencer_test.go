package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameWithSeq(seq uint16) *Frame {
	f := NewFrame(0, uint32(seq)*160, nil)
	f.SequenceNumber = seq
	return f
}

func TestResequencerOrderAcrossWrap(t *testing.T) {
	var r resequencer
	expected := uint16(65534)

	require.True(t, r.insert(frameWithSeq(2), expected))
	require.True(t, r.insert(frameWithSeq(65535), expected))
	require.True(t, r.insert(frameWithSeq(0), expected))
	assert.False(t, r.insert(frameWithSeq(0), expected), "дубликат не вставляется")
	assert.Equal(t, 3, r.len())

	assert.Equal(t, uint16(65535), r.tail().SequenceNumber)

	var order []uint16
	for r.len() > 0 {
		order = append(order, r.popTail().SequenceNumber)
	}
	assert.Equal(t, []uint16{65535, 0, 2}, order)
	assert.Nil(t, r.tail())
	assert.Nil(t, r.popTail())
}

func TestResequencerExpiry(t *testing.T) {
	var r resequencer
	now := time.Now()
	wait := 40 * time.Millisecond

	assert.False(t, r.expired(now.Add(time.Hour), wait), "пустой буфер не истекает")

	r.insert(frameWithSeq(12), 11)
	r.arm(now, time.Hour, func() {})

	assert.False(t, r.expired(now.Add(39*time.Millisecond), wait))
	assert.True(t, r.expired(now.Add(40*time.Millisecond), wait))

	r.clear()
	assert.Equal(t, 0, r.len())
	assert.False(t, r.expired(now.Add(time.Hour), wait))
}

func TestResequencerTimerFires(t *testing.T) {
	var r resequencer
	fired := make(chan struct{}, 1)

	r.insert(frameWithSeq(5), 3)
	r.arm(time.Now(), 5*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("таймер ожидания не сработал")
	}
	r.clear()
}
