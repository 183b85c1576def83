package rtp

import (
	"time"

	"github.com/gammazero/deque"
)

type accSample struct {
	at    time.Time
	bytes int
}

// Accumulator скользящее окно байт для оценки битрейта
type Accumulator struct {
	window  time.Duration
	samples *deque.Deque[accSample]
	total   int
	count   int
}

// NewAccumulator создает окно заданной длины
func NewAccumulator(window time.Duration) *Accumulator {
	if window <= 0 {
		window = time.Second
	}
	return &Accumulator{window: window, samples: deque.New[accSample]()}
}

// Update добавляет выборку и вытесняет устаревшие
func (a *Accumulator) Update(now time.Time, bytes int) {
	a.samples.PushBack(accSample{at: now, bytes: bytes})
	a.total += bytes
	a.count++
	a.evict(now)
}

func (a *Accumulator) evict(now time.Time) {
	for a.samples.Len() > 0 {
		front := a.samples.Front()
		if now.Sub(front.at) < a.window {
			return
		}
		a.samples.PopFront()
		a.total -= front.bytes
		a.count--
	}
}

// Bitrate битрейт в бит/с на момент now
func (a *Accumulator) Bitrate(now time.Time) uint64 {
	a.evict(now)
	return uint64(a.total) * 8 * uint64(time.Second) / uint64(a.window)
}

// Bytes байт в окне
func (a *Accumulator) Bytes(now time.Time) int {
	a.evict(now)
	return a.total
}

// Packets пакетов в окне
func (a *Accumulator) Packets(now time.Time) int {
	a.evict(now)
	return a.count
}

// Reset очищает окно
func (a *Accumulator) Reset() {
	a.samples.Clear()
	a.total = 0
	a.count = 0
}
