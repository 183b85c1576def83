package rtp

import (
	"sort"
	"time"

	"github.com/pion/rtcp"
)

const (
	// DefaultLostWindow сколько номеров назад отслеживаются потери
	DefaultLostWindow = 512
	// DefaultMaxNACKRetries сколько раз запрашивается один пакет
	DefaultMaxNACKRetries = 4
	minNACKRetryInterval  = 20 * time.Millisecond
)

type lostEntry struct {
	lostAt     time.Time
	lastNACKAt time.Time
	nacks      int
}

// LostPackets окно потерянных номеров для генерации NACK (RFC 4585)
type LostPackets struct {
	window     uint32
	maxRetries int

	started bool
	last    uint32
	lost    map[uint32]*lostEntry
}

// NewLostPackets создает окно размером window номеров
func NewLostPackets(window uint32, maxRetries int) *LostPackets {
	if window == 0 {
		window = DefaultLostWindow
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxNACKRetries
	}
	return &LostPackets{window: window, maxRetries: maxRetries, lost: make(map[uint32]*lostEntry)}
}

// Reset забывает все номера
func (l *LostPackets) Reset() {
	l.started = false
	l.last = 0
	l.lost = make(map[uint32]*lostEntry)
}

// Last наибольший принятый расширенный номер
func (l *LostPackets) Last() uint32 {
	return l.last
}

// AddPacket учитывает пакет с расширенным номером extSeq.
// Возвращает число новых потерь, 0 для восстановленного пакета и -1
// для дубликата или пакета, опоздавшего за пределы окна.
func (l *LostPackets) AddPacket(extSeq uint32, now time.Time) int {
	if !l.started {
		l.started = true
		l.last = extSeq
		return 0
	}

	if extSeq <= l.last {
		if _, ok := l.lost[extSeq]; ok {
			delete(l.lost, extSeq)
			return 0
		}
		return -1
	}

	gap := extSeq - l.last - 1
	start := l.last + 1
	if gap > l.window {
		// слишком большой разрыв: отслеживаем только хвост окна
		start = extSeq - l.window
	}
	for seq := start; seq < extSeq; seq++ {
		l.lost[seq] = &lostEntry{lostAt: now}
	}
	l.last = extSeq

	if l.last > l.window {
		floor := l.last - l.window
		for seq := range l.lost {
			if seq < floor {
				delete(l.lost, seq)
			}
		}
	}
	return int(gap)
}

// Len число отслеживаемых потерь
func (l *LostPackets) Len() int {
	return len(l.lost)
}

// IsLost true, если номер числится потерянным
func (l *LostPackets) IsLost(extSeq uint32) bool {
	_, ok := l.lost[extSeq]
	return ok
}

// GetNacks возвращает поля NACK для потерь, которые еще не запрашивались
// или запрашивались давнее интервала повтора, зависящего от rtt.
// Поле покрывает pid и 16 следующих номеров, бит i означает pid+i+1.
// Запросы сверх maxRetries выбрасываются из окна.
func (l *LostPackets) GetNacks(now time.Time, rtt time.Duration) []rtcp.NackPair {
	retry := rtt + rtt/2
	if retry < minNACKRetryInterval {
		retry = minNACKRetryInterval
	}

	var seqs []uint32
	for seq, entry := range l.lost {
		if entry.nacks > 0 && now.Sub(entry.lastNACKAt) < retry {
			continue
		}
		if entry.nacks >= l.maxRetries {
			delete(l.lost, seq)
			continue
		}
		entry.nacks++
		entry.lastNACKAt = now
		seqs = append(seqs, seq)
	}
	if len(seqs) == 0 {
		return nil
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return NackPairs(seqs)
}

// NackPairs упаковывает отсортированные расширенные номера в поля NACK
func NackPairs(seqs []uint32) []rtcp.NackPair {
	var pairs []rtcp.NackPair
	for i := 0; i < len(seqs); {
		base := seqs[i]
		pair := rtcp.NackPair{PacketID: uint16(base)}
		i++
		for i < len(seqs) && seqs[i]-base <= 16 {
			pair.LostPackets |= rtcp.PacketBitmap(1 << (seqs[i] - base - 1))
			i++
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

// NackSequenceNumbers разворачивает поле NACK в список 16-битных номеров
func NackSequenceNumbers(pair rtcp.NackPair) []uint16 {
	seqs := []uint16{pair.PacketID}
	for i := uint16(0); i < 16; i++ {
		if pair.LostPackets&(1<<i) != 0 {
			seqs = append(seqs, pair.PacketID+i+1)
		}
	}
	return seqs
}
