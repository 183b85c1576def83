package rtp

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

const (
	// DefaultHistorySize сколько последних медиа-пакетов хранится для RTX
	DefaultHistorySize = 10
	minHistoryAge      = 200 * time.Millisecond
	maxHistoryAge      = 300 * time.Millisecond
)

// OutgoingGroupListener получатель обратной связи исходящей группы
// (кодер или транспондер). Вызывается в цикле транспорта-владельца.
type OutgoingGroupListener interface {
	OnPLIRequest(group *OutgoingSourceGroup, ssrc uint32)
	OnREMB(group *OutgoingSourceGroup, ssrc uint32, bitrate uint64)
}

// OutgoingSourceGroup исходящий логический поток с историей для RTX
type OutgoingSourceGroup struct {
	Type MediaType
	RID  string
	MID  string

	Media *OutgoingSource
	RTX   *OutgoingSource
	FEC   *OutgoingSource

	mutex       sync.RWMutex
	listeners   []OutgoingGroupListener
	history     *deque.Deque[*Packet]
	historySize int
}

// NewOutgoingSourceGroup создает группу. historySize <= 0 - DefaultHistorySize.
func NewOutgoingSourceGroup(mediaType MediaType, mediaSSRC, rtxSSRC, fecSSRC uint32, historySize int) *OutgoingSourceGroup {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	rate := mediaType.ClockRate()
	return &OutgoingSourceGroup{
		Type:        mediaType,
		Media:       NewOutgoingSource(mediaSSRC, rate),
		RTX:         NewOutgoingSource(rtxSSRC, rate),
		FEC:         NewOutgoingSource(fecSSRC, rate),
		history:     deque.New[*Packet](),
		historySize: historySize,
	}
}

// SSRCs ненулевые SSRC группы
func (g *OutgoingSourceGroup) SSRCs() []uint32 {
	var out []uint32
	for _, s := range []*OutgoingSource{g.Media, g.RTX, g.FEC} {
		if s.SSRC != 0 {
			out = append(out, s.SSRC)
		}
	}
	return out
}

// GetSource источник по SSRC или nil
func (g *OutgoingSourceGroup) GetSource(ssrc uint32) *OutgoingSource {
	if ssrc == 0 {
		return nil
	}
	switch ssrc {
	case g.Media.SSRC:
		return g.Media
	case g.RTX.SSRC:
		return g.RTX
	case g.FEC.SSRC:
		return g.FEC
	}
	return nil
}

// HasRTX true, если у группы есть RTX SSRC
func (g *OutgoingSourceGroup) HasRTX() bool {
	return g.RTX.SSRC != 0
}

// AddListener подписывает получателя обратной связи
func (g *OutgoingSourceGroup) AddListener(l OutgoingGroupListener) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for _, existing := range g.listeners {
		if existing == l {
			return
		}
	}
	g.listeners = append(g.listeners, l)
}

// RemoveListener отписывает получателя
func (g *OutgoingSourceGroup) RemoveListener(l OutgoingGroupListener) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for i, existing := range g.listeners {
		if existing == l {
			g.listeners = append(g.listeners[:i], g.listeners[i+1:]...)
			return
		}
	}
}

func (g *OutgoingSourceGroup) snapshotListeners() []OutgoingGroupListener {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return append([]OutgoingGroupListener(nil), g.listeners...)
}

// OnPLIRequest передает запрос ключевого кадра получателям
func (g *OutgoingSourceGroup) OnPLIRequest(ssrc uint32) {
	for _, l := range g.snapshotListeners() {
		l.OnPLIRequest(g, ssrc)
	}
}

// OnREMB запоминает оценку удаленной стороны и передает получателям
func (g *OutgoingSourceGroup) OnREMB(ssrc uint32, bitrate uint64) {
	g.Media.SetREMB(bitrate)
	for _, l := range g.snapshotListeners() {
		l.OnREMB(g, ssrc, bitrate)
	}
}

// AddPacket кладет клон пакета в историю, вытесняя самые старые
func (g *OutgoingSourceGroup) AddPacket(p *Packet) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.history.PushBack(p.Clone())
	for g.history.Len() > g.historySize {
		g.history.PopFront()
	}
}

// GetPacket ищет в истории пакет по исходному 16-битному номеру
func (g *OutgoingSourceGroup) GetPacket(seq uint16) *Packet {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	for i := g.history.Len() - 1; i >= 0; i-- {
		if p := g.history.At(i); p.SeqNum() == seq {
			return p
		}
	}
	return nil
}

// HistoryLen число пакетов в истории
func (g *OutgoingSourceGroup) HistoryLen() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.history.Len()
}

// LastPacket самый свежий пакет истории или nil
func (g *OutgoingSourceGroup) LastPacket() *Packet {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	if g.history.Len() == 0 {
		return nil
	}
	return g.history.Back()
}

// HistoryAge минимальный возраст пакетов, которые имеет смысл хранить:
// max(200мс, min(2*rtt, 300мс))
func HistoryAge(rtt time.Duration) time.Duration {
	age := 2 * rtt
	if age > maxHistoryAge {
		age = maxHistoryAge
	}
	if age < minHistoryAge {
		age = minHistoryAge
	}
	return age
}

// ReleasePackets удаляет пакеты, отправленные раньше before
func (g *OutgoingSourceGroup) ReleasePackets(before time.Time) int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	released := 0
	for g.history.Len() > 0 && g.history.Front().SentAt.Before(before) {
		g.history.PopFront()
		released++
	}
	return released
}

// ReleasePacketsByTimestamp удаляет пакеты с timestamp раньше ts.
// Вызывается при отправке ключевого кадра.
func (g *OutgoingSourceGroup) ReleasePacketsByTimestamp(ts uint64) int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	released := 0
	for g.history.Len() > 0 && g.history.Front().ExtTimestamp() < ts {
		g.history.PopFront()
		released++
	}
	return released
}

// ClearHistory удаляет все пакеты истории
func (g *OutgoingSourceGroup) ClearHistory() {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.history.Clear()
}
