// Пакет transponder пересылает поток входящей группы одного транспорта в
// исходящую группу другого.
//
// Transponder переписывает SSRC, номера и timestamp так, чтобы исходящий
// поток оставался непрерывным при смене источника и при отбрасывании
// слоев, и пропускает пакеты через layers.Selector.
//
// Входящие пакеты приходят с цикла входящего транспорта, PLI и REMB - с
// цикла исходящего, настройки - из любой горутины. Все методы берут
// мьютекс экземпляра, отправка и запросы PLI идут вне него.
package transponder

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/media_transport/pkg/layers"
	"github.com/arzzra/media_transport/pkg/logger"
	"github.com/arzzra/media_transport/pkg/rtp"
)

// Sender принимает переписанные пакеты исходящей группы
type Sender interface {
	Send(p *rtp.Packet) error
}

// Receiver транспорт входящей группы, которому передаются запросы
// ключевого кадра. SSRC группы читает сам транспорт на своем цикле.
type Receiver interface {
	RequestKeyFrame(group *rtp.IncomingSourceGroup)
}

// Config параметры транспондера
type Config struct {
	Logger logrus.FieldLogger
	// RewriteVP8 ведет собственные picture id и tl0picidx VP8
	RewriteVP8 bool
	// Now источник времени, по умолчанию time.Now
	Now func() time.Time
}

// Stats счетчики транспондера
type Stats struct {
	Forwarded uint64
	Dropped   uint64
	Fillers   uint64
	Switches  uint64
	LastREMB  uint64
}

// Transponder пересылка одной входящей группы в одну исходящую
type Transponder struct {
	mutex sync.Mutex
	log   logrus.FieldLogger
	now   func() time.Time

	outgoing *rtp.OutgoingSourceGroup
	sender   Sender

	incoming *rtp.IncomingSourceGroup
	receiver Receiver
	closed   bool

	// SSRC источника, от которого пришел последний пакет
	source    uint32
	reanchor  bool
	started   bool
	completed bool
	codec     rtp.Codec

	firstExtSeq    uint32
	baseExtSeq     uint32
	firstTimestamp uint64
	baseTimestamp  uint64
	dropped        uint32

	lastExtSeq    uint32
	lastTimestamp uint64
	lastSentAt    time.Time

	selector *layers.Selector
	spatial  uint8
	temporal uint8
	muted    bool

	rewriteVP8    bool
	pictureID     uint16
	tl0PicIdx     uint8
	lastPictureID int32
	lastTL0PicIdx int32

	stats Stats
}

// New создает транспондер для исходящей группы. Транспондер подписывается
// на PLI и REMB группы.
func New(outgoing *rtp.OutgoingSourceGroup, sender Sender, config Config) *Transponder {
	if config.Now == nil {
		config.Now = time.Now
	}
	t := &Transponder{
		log:           logger.Component(config.Logger, "transponder").WithField("ssrc", outgoing.Media.SSRC),
		now:           config.Now,
		outgoing:      outgoing,
		sender:        sender,
		codec:         rtp.CodecUnknown,
		completed:     true,
		spatial:       layers.MaxLayerID,
		temporal:      layers.MaxLayerID,
		rewriteVP8:    config.RewriteVP8,
		lastPictureID: -1,
		lastTL0PicIdx: -1,
	}
	outgoing.AddListener(t)
	return t
}

// SetIncoming переключает транспондер на другую входящую группу.
// Якоря пересчитываются на первом пакете новой группы, у нее
// запрашивается ключевой кадр. nil отключает вход.
func (t *Transponder) SetIncoming(group *rtp.IncomingSourceGroup, receiver Receiver) {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return
	}
	old := t.incoming
	t.incoming, t.receiver = group, receiver
	t.reanchor = true
	if t.selector != nil {
		t.selector.Reset()
	}
	t.mutex.Unlock()

	if old != nil && old != group {
		old.RemoveListener(t)
	}
	if group == nil {
		t.log.Debug("вход отключен")
		return
	}
	group.AddListener(t)
	t.log.WithFields(logrus.Fields{"mid": group.MID, "rid": group.RID}).Info("переключение входа")
	t.RequestPLI()
}

// Close отписывается от групп. Дальнейшие пакеты игнорируются.
func (t *Transponder) Close() {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return
	}
	t.closed = true
	incoming := t.incoming
	t.incoming, t.receiver = nil, nil
	t.mutex.Unlock()

	if incoming != nil {
		incoming.RemoveListener(t)
	}
	t.outgoing.RemoveListener(t)
}

// SelectLayer задает потолки слоев. Повышение пространственного слоя
// требует ключевого кадра, поэтому запрашивается PLI.
func (t *Transponder) SelectLayer(spatial, temporal uint8) {
	t.mutex.Lock()
	raise := spatial > t.spatial
	t.spatial, t.temporal = spatial, temporal
	if t.selector != nil {
		t.selector.SelectSpatialLayer(spatial)
		t.selector.SelectTemporalLayer(temporal)
	}
	t.mutex.Unlock()

	if raise {
		t.RequestPLI()
	}
}

// Mute приостанавливает пересылку. После снятия запрашивается ключевой кадр.
func (t *Transponder) Mute(muted bool) {
	t.mutex.Lock()
	changed := t.muted != muted
	t.muted = muted
	if changed && !muted && t.selector != nil {
		t.selector.Reset()
	}
	t.mutex.Unlock()

	if changed && !muted {
		t.RequestPLI()
	}
}

// RequestPLI запрашивает ключевой кадр у текущей входящей группы
func (t *Transponder) RequestPLI() {
	t.mutex.Lock()
	receiver, group := t.receiver, t.incoming
	t.mutex.Unlock()

	if receiver == nil || group == nil {
		return
	}
	receiver.RequestKeyFrame(group)
}

// GetStats снимок счетчиков
func (t *Transponder) GetStats() Stats {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.stats
}

// OnRTP пакет входящей группы
func (t *Transponder) OnRTP(group *rtp.IncomingSourceGroup, p *rtp.Packet) {
	packets := t.process(group, p)
	for _, out := range packets {
		if err := t.sender.Send(out); err != nil {
			t.log.WithError(err).Debug("пакет не переслан")
		}
	}
}

// OnBye источник попрощался, следующий пакет заново ставит якоря
func (t *Transponder) OnBye(group *rtp.IncomingSourceGroup) {
	t.mutex.Lock()
	if group == t.incoming {
		t.reanchor = true
	}
	t.mutex.Unlock()
}

// OnEnded входящая группа остановлена
func (t *Transponder) OnEnded(group *rtp.IncomingSourceGroup) {
	t.mutex.Lock()
	if group == t.incoming {
		t.incoming, t.receiver = nil, nil
		t.reanchor = true
	}
	t.mutex.Unlock()
}

// OnPLIRequest получатель исходящего потока просит ключевой кадр
func (t *Transponder) OnPLIRequest(_ *rtp.OutgoingSourceGroup, _ uint32) {
	t.RequestPLI()
}

// OnREMB оценка получателя исходящего потока
func (t *Transponder) OnREMB(_ *rtp.OutgoingSourceGroup, _ uint32, bitrate uint64) {
	t.mutex.Lock()
	t.stats.LastREMB = bitrate
	t.mutex.Unlock()
	logger.UltraDebug(t.log, "REMB %d", bitrate)
}

// process возвращает пакеты для отправки: при смене источника с
// незакрытым кадром первым идет пакет-заглушка с marker
func (t *Transponder) process(group *rtp.IncomingSourceGroup, p *rtp.Packet) []*rtp.Packet {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed || group != t.incoming || p.IsPaddingOnly() {
		return nil
	}
	if t.muted {
		t.dropped++
		t.stats.Dropped++
		return nil
	}

	var out []*rtp.Packet
	if t.reanchor || !t.started || p.SSRC() != t.source {
		if filler := t.filler(); filler != nil {
			out = append(out, filler)
		}
		t.anchor(p)
	}

	if p.ExtSeqNum() < t.firstExtSeq || p.ExtTimestamp() < t.firstTimestamp {
		// пакет старше якоря нового источника
		t.stats.Dropped++
		return out
	}

	if p.Codec() != t.codec {
		t.codec = p.Codec()
		t.selector = nil
		if layers.IsSupported(t.codec) {
			t.selector, _ = layers.NewSelector(t.codec)
			t.selector.SelectSpatialLayer(t.spatial)
			t.selector.SelectTemporalLayer(t.temporal)
		}
	}

	mark := p.Mark()
	if t.selector != nil {
		var forward bool
		if forward, mark = t.selector.Select(p); !forward {
			t.dropped++
			t.stats.Dropped++
			return out
		}
	}

	seq := t.baseExtSeq + (p.ExtSeqNum() - t.firstExtSeq) - t.dropped
	ts := t.baseTimestamp + (p.ExtTimestamp() - t.firstTimestamp)

	packet := p.Clone()
	packet.SetSSRC(t.outgoing.Media.SSRC)
	packet.SetMediaType(t.outgoing.Type)
	packet.SetExtSeqNum(seq)
	packet.SetExtTimestamp(ts)
	packet.SetMark(mark)
	packet.Ext.HasFrameMarking = false
	if t.rewriteVP8 && packet.Codec() == rtp.CodecVP8 {
		t.rewriteIndexes(packet)
	}

	if !t.started || seq > t.lastExtSeq {
		t.lastExtSeq = seq
		t.completed = mark
	}
	if !t.started || ts > t.lastTimestamp {
		t.lastTimestamp = ts
	}
	t.started = true
	t.lastSentAt = t.now()
	t.stats.Forwarded++
	return append(out, packet)
}

// anchor ставит якоря номеров и времени на первом пакете источника.
// Первый источник сохраняет свою нумерацию, следующие продолжают
// исходящий поток, timestamp сдвигается на реальный интервал.
func (t *Transponder) anchor(p *rtp.Packet) {
	if t.started {
		t.stats.Switches++
		t.baseExtSeq = t.lastExtSeq + 1
		elapsed := t.now().Sub(t.lastSentAt)
		if elapsed < 0 {
			elapsed = 0
		}
		step := uint64(elapsed) * uint64(t.outgoing.Type.ClockRate()) / uint64(time.Second)
		if step == 0 {
			step = 1
		}
		t.baseTimestamp = t.lastTimestamp + step
	} else {
		t.baseExtSeq = p.ExtSeqNum()
		t.baseTimestamp = p.ExtTimestamp()
	}
	t.firstExtSeq = p.ExtSeqNum()
	t.firstTimestamp = p.ExtTimestamp()
	t.dropped = 0
	t.source = p.SSRC()
	t.reanchor = false
	t.lastPictureID, t.lastTL0PicIdx = -1, -1
	if t.selector != nil {
		t.selector.Reset()
	}

	t.log.WithFields(logrus.Fields{
		"source": p.SSRC(),
		"first":  t.firstExtSeq,
		"base":   t.baseExtSeq,
	}).Debug("якоря источника")
}

// filler пакет с marker, закрывающий незавершенный кадр прежнего источника
func (t *Transponder) filler() *rtp.Packet {
	if !t.started || t.completed {
		return nil
	}
	p := rtp.NewPacket(t.outgoing.Type, t.codec)
	p.SetSSRC(t.outgoing.Media.SSRC)
	t.lastExtSeq++
	p.SetExtSeqNum(t.lastExtSeq)
	p.SetExtTimestamp(t.lastTimestamp)
	p.SetMark(true)
	t.completed = true
	t.stats.Fillers++
	return p
}

// rewriteIndexes заменяет picture id и tl0picidx собственными счетчиками,
// которые растут на единицу на каждую пересланную картинку
func (t *Transponder) rewriteIndexes(p *rtp.Packet) {
	idx, ok := layers.ReadVP8Indexes(p.Payload())
	if !ok {
		return
	}
	if idx.HasPictureID && int32(idx.PictureID) != t.lastPictureID {
		t.lastPictureID = int32(idx.PictureID)
		t.pictureID = (t.pictureID + 1) & 0x7FFF
	}
	if idx.HasTL0PicIdx && int32(idx.TL0PicIdx) != t.lastTL0PicIdx {
		t.lastTL0PicIdx = int32(idx.TL0PicIdx)
		t.tl0PicIdx++
	}
	pictureID := t.pictureID
	if idx.HasPictureID && !idx.LongPictureID {
		pictureID &= 0x7F
	}
	layers.RewriteVP8Indexes(p.Payload(), pictureID, t.tl0PicIdx)
}
