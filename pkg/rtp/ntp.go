package rtp

import (
	"time"
)

// ntpEpoch начало эпохи NTP, 1 января 1900
var ntpEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// NTPTimestamp конвертирует время в 64-битный NTP timestamp согласно RFC 3550
func NTPTimestamp(t time.Time) uint64 {
	duration := t.Sub(ntpEpoch)
	if duration < 0 {
		return 0
	}

	seconds := uint64(duration / time.Second)
	fraction := uint64(duration%time.Second) * (1 << 32) / uint64(time.Second)

	return (seconds << 32) | fraction
}

// NTPTimestampToTime конвертирует NTP timestamp в time.Time
func NTPTimestampToTime(ntp uint64) time.Time {
	seconds := int64(ntp >> 32)
	fraction := int64(ntp & 0xFFFFFFFF)
	nanoseconds := (fraction * int64(time.Second)) >> 32

	return ntpEpoch.Add(time.Duration(seconds)*time.Second + time.Duration(nanoseconds))
}

// ntpMiddle возвращает средние 32 бита NTP timestamp (поле LSR)
func ntpMiddle(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

// durationToNTPShort переводит длительность в единицы 1/65536 секунды (поле DLSR)
func durationToNTPShort(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d * 65536 / time.Second)
}

// ntpShortToDuration обратное преобразование для 1/65536 секунды
func ntpShortToDuration(v uint32) time.Duration {
	return time.Duration(uint64(v) * uint64(time.Second) >> 16)
}

// IsControlPacket определяет RTCP пакет в мультиплексированном потоке (RFC 5761 §4).
// Решение принимается по второму байту: типы 192..223 принадлежат RTCP.
func IsControlPacket(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0]>>6 != 2 {
		return false
	}
	return data[1] >= 192 && data[1] <= 223
}

// fractionLost вычисляет fraction lost согласно RFC 3550 Appendix A.3
func fractionLost(expected, lost uint64) uint8 {
	if expected == 0 || lost == 0 {
		return 0
	}
	fraction := (lost << 8) / expected
	if fraction > 255 {
		return 255
	}
	return uint8(fraction)
}
