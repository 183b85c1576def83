package rtp

import "time"

var ntpEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// NTPTimestamp конвертирует время в 64-битный NTP timestamp (RFC 3550)
func NTPTimestamp(t time.Time) uint64 {
	d := t.Sub(ntpEpoch)
	seconds := uint64(d / time.Second)
	fraction := uint64(d%time.Second) << 32 / uint64(time.Second)
	return seconds<<32 | fraction
}

// NTPTimestampToTime обратное преобразование
func NTPTimestampToTime(ntp uint64) time.Time {
	seconds := time.Duration(ntp>>32) * time.Second
	nanos := time.Duration((ntp & 0xFFFFFFFF) * uint64(time.Second) >> 32)
	return ntpEpoch.Add(seconds + nanos)
}

// NTPShort средние 32 бита NTP timestamp (формат LSR/DLSR)
func NTPShort(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

// NTPShortToDuration переводит 1/65536 секунды в Duration
func NTPShortToDuration(v uint32) time.Duration {
	return time.Duration(uint64(v) * uint64(time.Second) >> 16)
}

// DurationToNTPShort переводит Duration в 1/65536 секунды
func DurationToNTPShort(d time.Duration) uint32 {
	if d < 0 {
		return 0
	}
	return uint32(uint64(d) << 16 / uint64(time.Second))
}

// CalculateJitter шаг оценки jitter согласно RFC 3550 Appendix A.8
func CalculateJitter(transit int64, lastTransit int64, jitter float64) float64 {
	d := float64(transit - lastTransit)
	if d < 0 {
		d = -d
	}
	return jitter + (d-jitter)/16.0
}

// CalculateFractionLost доля потерь в формате 8.8 (RFC 3550 Appendix A.3)
func CalculateFractionLost(expected, lost uint32) uint8 {
	if expected == 0 || int32(lost) <= 0 {
		return 0
	}
	fraction := uint64(lost) << 8 / uint64(expected)
	if fraction > 255 {
		return 255
	}
	return uint8(fraction)
}
