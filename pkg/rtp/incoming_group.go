package rtp

import (
	"sort"
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// IncomingGroupListener получатель пакетов группы.
// OnRTP вызывается в цикле транспорта-владельца группы.
type IncomingGroupListener interface {
	OnRTP(group *IncomingSourceGroup, packet *Packet)
	OnBye(group *IncomingSourceGroup)
	OnEnded(group *IncomingSourceGroup)
}

// IncomingSourceGroupConfig настройки группы
type IncomingSourceGroupConfig struct {
	// MaxWait сколько держать пакеты ради упорядочивания. 0 - без ожидания.
	MaxWait        time.Duration
	LostWindow     uint32
	MaxNACKRetries int
}

// IncomingSourceGroup входящий логический поток: media, RTX и FEC источники
type IncomingSourceGroup struct {
	Type MediaType
	RID  string
	MID  string

	Media *IncomingSource
	RTX   *IncomingSource
	FEC   *IncomingSource

	Codec Codec

	mutex     sync.RWMutex
	listeners []IncomingGroupListener

	losts   *LostPackets
	rtt     time.Duration
	maxWait time.Duration

	pending     map[uint32]*Packet
	nextDeliver uint32
	delivering  bool

	LastKeyFrameAt time.Time
}

// NewIncomingSourceGroup создает группу. SSRC 0 означает "еще не привязан".
func NewIncomingSourceGroup(mediaType MediaType, mediaSSRC, rtxSSRC, fecSSRC uint32, config IncomingSourceGroupConfig) *IncomingSourceGroup {
	rate := mediaType.ClockRate()
	return &IncomingSourceGroup{
		Type:    mediaType,
		Media:   NewIncomingSource(mediaSSRC, rate),
		RTX:     NewIncomingSource(rtxSSRC, rate),
		FEC:     NewIncomingSource(fecSSRC, rate),
		Codec:   CodecUnknown,
		losts:   NewLostPackets(config.LostWindow, config.MaxNACKRetries),
		maxWait: config.MaxWait,
		pending: make(map[uint32]*Packet),
	}
}

// SSRCs ненулевые SSRC группы
func (g *IncomingSourceGroup) SSRCs() []uint32 {
	var out []uint32
	for _, s := range []*IncomingSource{g.Media, g.RTX, g.FEC} {
		if s.SSRC != 0 {
			out = append(out, s.SSRC)
		}
	}
	return out
}

// GetSource источник группы по SSRC или nil
func (g *IncomingSourceGroup) GetSource(ssrc uint32) *IncomingSource {
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

// AddListener подписывает получателя
func (g *IncomingSourceGroup) AddListener(l IncomingGroupListener) {
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
func (g *IncomingSourceGroup) RemoveListener(l IncomingGroupListener) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for i, existing := range g.listeners {
		if existing == l {
			g.listeners = append(g.listeners[:i], g.listeners[i+1:]...)
			return
		}
	}
}

func (g *IncomingSourceGroup) snapshotListeners() []IncomingGroupListener {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return append([]IncomingGroupListener(nil), g.listeners...)
}

// Process обновляет статистику источника, которому принадлежит пакет.
// nil, если SSRC пакета не входит в группу.
func (g *IncomingSourceGroup) Process(now time.Time, p *Packet, size int) *IncomingSource {
	source := g.GetSource(p.SSRC())
	if source == nil {
		return nil
	}
	source.Update(now, p, size)
	if source == g.RTX {
		g.Media.NumRTXPackets++
	}
	return source
}

// AddPacket учитывает медиа-пакет (RTX уже развернут) в окне потерь и
// передает его получателям. Возвращает число новых потерь или -1, если
// пакет отброшен как дубликат или опоздавший.
func (g *IncomingSourceGroup) AddPacket(now time.Time, p *Packet) int {
	ext := p.ExtSeqNum()
	lost := g.losts.AddPacket(ext, now)
	if lost < 0 {
		g.Media.Repeated++
		return lost
	}

	if p.Codec() != CodecUnknown && p.Codec() != CodecRTX {
		g.Codec = p.Codec()
	}
	if g.Type == MediaVideo && p.IsKeyFrame() {
		g.LastKeyFrameAt = now
	}

	if g.maxWait <= 0 {
		g.deliver(p)
		return lost
	}

	if !g.delivering {
		g.delivering = true
		g.nextDeliver = ext
	}
	if ext < g.nextDeliver {
		// восстановленный пакет после того, как дыру уже пропустили
		g.Media.Dropped++
		return lost
	}
	g.pending[ext] = p
	g.flush(now, false)
	return lost
}

// Update выдает пакеты, дождавшиеся дольше MaxWait
func (g *IncomingSourceGroup) Update(now time.Time) {
	if g.maxWait > 0 && len(g.pending) > 0 {
		g.flush(now, false)
	}
}

// flush выдает подряд идущие пакеты; дыру пропускает, если самый старый
// ожидающий пакет ждет дольше maxWait или force
func (g *IncomingSourceGroup) flush(now time.Time, force bool) {
	for len(g.pending) > 0 {
		if p, ok := g.pending[g.nextDeliver]; ok {
			delete(g.pending, g.nextDeliver)
			g.nextDeliver++
			g.deliver(p)
			continue
		}
		oldest := g.oldestPending()
		p := g.pending[oldest]
		if !force && now.Sub(p.ReceivedAt) < g.maxWait {
			return
		}
		g.nextDeliver = oldest
	}
}

func (g *IncomingSourceGroup) oldestPending() uint32 {
	keys := make([]uint32, 0, len(g.pending))
	for k := range g.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys[0]
}

func (g *IncomingSourceGroup) deliver(p *Packet) {
	for _, l := range g.snapshotListeners() {
		l.OnRTP(g, p)
	}
}

// GetNacks поля NACK для текущих потерь
func (g *IncomingSourceGroup) GetNacks(now time.Time) []rtcp.NackPair {
	return g.losts.GetNacks(now, g.rtt)
}

// LostCount число отслеживаемых потерь
func (g *IncomingSourceGroup) LostCount() int {
	return g.losts.Len()
}

// SetRTT обновляет RTT для интервалов повтора NACK
func (g *IncomingSourceGroup) SetRTT(rtt time.Duration) {
	g.rtt = rtt
}

// RTT текущее RTT группы
func (g *IncomingSourceGroup) RTT() time.Duration {
	return g.rtt
}

// CreateReports блоки отчета о приеме по всем источникам с новыми пакетами
func (g *IncomingSourceGroup) CreateReports(now time.Time) []rtcp.ReceptionReport {
	var reports []rtcp.ReceptionReport
	for _, s := range []*IncomingSource{g.Media, g.RTX, g.FEC} {
		if s.SSRC == 0 {
			continue
		}
		if r := s.CreateReport(now); r != nil {
			reports = append(reports, *r)
		}
	}
	return reports
}

// Bitrate входящий битрейт media и RTX
func (g *IncomingSourceGroup) Bitrate(now time.Time) uint64 {
	return g.Media.Bitrate(now) + g.RTX.Bitrate(now)
}

// Bye сбрасывает состояние после RTCP BYE и уведомляет получателей
func (g *IncomingSourceGroup) Bye() {
	g.Reset()
	for _, l := range g.snapshotListeners() {
		l.OnBye(g)
	}
}

// Reset сбрасывает источники, окно потерь и очередь упорядочивания
func (g *IncomingSourceGroup) Reset() {
	g.Media.Reset()
	g.RTX.Reset()
	g.FEC.Reset()
	g.losts.Reset()
	g.pending = make(map[uint32]*Packet)
	g.delivering = false
}

// Stop выдает ожидающие пакеты, уведомляет получателей и отписывает их
func (g *IncomingSourceGroup) Stop(now time.Time) {
	if len(g.pending) > 0 {
		g.flush(now, true)
	}
	listeners := g.snapshotListeners()
	g.mutex.Lock()
	g.listeners = nil
	g.mutex.Unlock()
	for _, l := range listeners {
		l.OnEnded(g)
	}
}
