package transport

import (
	"time"

	"github.com/arzzra/media_transport/pkg/bwe"
	"github.com/arzzra/media_transport/pkg/logger"
	"github.com/arzzra/media_transport/pkg/rtp"
)

const (
	// запас на тег аутентификации SRTP (GCM - самый длинный)
	srtpOverhead = 16
	// максимальный паддинг одного пакета
	maxPadding = 255
)

// Send отправляет пакет исходящей группы. Пакет переходит во владение
// транспорта. Вызов не с цикла ставится в очередь.
func (t *Transport) Send(p *rtp.Packet) error {
	if t.stopped.Load() {
		return ErrTransportStopped
	}
	if t.loop.IsLoopThread() {
		return t.sendPacket(t.loop.Now(), p)
	}
	t.async(func(now time.Time) {
		if err := t.sendPacket(now, p); err != nil {
			logger.UltraDebug(t.log, "пакет не отправлен: %v", err)
		}
	})
	return nil
}

func (t *Transport) sendPacket(now time.Time, p *rtp.Packet) error {
	group := t.registry.outgoingGroup(p.SSRC())
	if group == nil {
		t.metrics.drop("unknown_ssrc")
		return &TransportError{Code: ErrorCodeGroupNotFound, Message: ErrGroupNotFound.Message, SSRC: p.SSRC()}
	}
	source := group.GetSource(p.SSRC())

	if source == group.Media && p.Codec() != rtp.CodecUnknown && p.Codec() != rtp.CodecRTX {
		pt := t.sendRTP.GetTypeForCodec(p.Codec())
		if pt == rtp.NotFound {
			t.log.WithField("codec", p.Codec()).Debug("кодек не согласован")
			t.metrics.drop("codec")
			return newError(ErrorCodeSendFailed, p.SSRC(), "кодек "+p.Codec().String()+" не согласован", nil)
		}
		p.SetPayloadType(pt)
	}

	if source == group.Media {
		p.SetExtSeqNum(source.MapSeqNum(p.ExtSeqNum()))
	}
	if source == group.Media && !p.IsPaddingOnly() {
		if group.Type == rtp.MediaVideo && p.IsKeyFrame() {
			// после ключевого кадра старые кадры получателю не нужны
			group.ReleasePacketsByTimestamp(p.ExtTimestamp())
		}
		p.SentAt = now
		group.AddPacket(p)
	}

	_, err := t.transmit(now, group, source, p, "rtp", false)
	return err
}

// setExtensions выставляет расширения по картам отправки. Номер
// transport-wide резервируется, значение назначается в transmit.
func (t *Transport) setExtensions(now time.Time, group *rtp.OutgoingSourceGroup, p *rtp.Packet, rtx bool) {
	ext := &p.Ext
	ext.HasTransportSeqNum = t.sendExt.Has(rtp.ExtTransportWideCC)
	ext.TransportSeqNum = 0
	if t.sendExt.Has(rtp.ExtAbsSendTime) {
		ext.HasAbsSendTime = true
		ext.AbsSendTime = rtp.AbsSendTimeFromMs(uint64(now.UnixMilli()))
	}
	if group.MID != "" && t.sendExt.Has(rtp.ExtMID) {
		ext.HasMID = true
		ext.MID = group.MID
	}

	ext.HasRID, ext.HasRepairedRID = false, false
	if t.config.SendRID && group.RID != "" {
		if rtx {
			ext.HasRepairedRID, ext.RepairedRID = true, group.RID
		} else {
			ext.HasRID, ext.RID = true, group.RID
		}
	}
	if !t.config.SendFrameMarking {
		ext.HasFrameMarking = false
	}
}

// transmit сериализует, шифрует и отправляет пакет. Возвращает размер на проводе.
func (t *Transport) transmit(now time.Time, group *rtp.OutgoingSourceGroup, source *rtp.OutgoingSource, p *rtp.Packet, kind string, probing bool) (int, error) {
	if t.active == nil {
		t.metrics.drop("no_candidate")
		return 0, ErrNoActiveCandidate
	}
	if !t.srtp.IsLocalReady() {
		t.metrics.drop("crypto")
		return 0, ErrCryptoNotReady
	}

	t.setExtensions(now, group, p, source == group.RTX)
	twccSeq := t.nextTransportSeq
	if p.Ext.HasTransportSeqNum {
		p.Ext.TransportSeqNum = uint16(twccSeq)
		t.nextTransportSeq++
	}

	buf := rtp.AcquireBuffer()
	defer rtp.ReleaseBuffer(buf)
	n := p.Serialize(buf.Space(), t.sendExt)
	if n == 0 {
		t.metrics.drop("serialize")
		return 0, newError(ErrorCodeSendFailed, p.SSRC(), "пакет не помещается в буфер", rtp.ErrBufferTooSmall)
	}
	plain := buf.Space()[:n]
	t.dumpOutbound(now, plain, false)

	encrypted, err := t.srtp.ProtectRTP(nil, plain)
	if err != nil {
		t.metrics.drop("crypto")
		return 0, newError(ErrorCodeCryptoNotReady, p.SSRC(), "шифрование RTP", err)
	}
	size := len(encrypted)
	if err := t.sender.Send(t.active, encrypted); err != nil {
		return 0, newError(ErrorCodeSendFailed, p.SSRC(), "отправка RTP", err)
	}

	source.Update(now, p, size)
	if p.Ext.HasTransportSeqNum {
		t.estimator.SentPacket(bwe.PacketStats{
			TransportSeqNum: twccSeq,
			SSRC:            p.SSRC(),
			ExtSeqNum:       p.ExtSeqNum(),
			Size:            size,
			Sent:            now,
			Mark:            p.Mark(),
			RTX:             source == group.RTX,
			Probing:         probing,
		})
	}
	t.metrics.packet("out", kind, size)
	return size, nil
}

// ReSendPacket повторяет пакет истории группы, через RTX если он согласован
func (t *Transport) ReSendPacket(group *rtp.OutgoingSourceGroup, seq uint16) {
	t.async(func(now time.Time) { t.resendPacket(now, group, seq) })
}

func (t *Transport) resendPacket(now time.Time, group *rtp.OutgoingSourceGroup, seq uint16) {
	original := group.GetPacket(seq)
	if original == nil {
		logger.UltraDebug(t.log, "пакет ssrc=%d seq=%d не найден в истории", group.Media.SSRC, seq)
		return
	}
	if t.rtxThrottled(now) {
		t.metrics.rtx(true)
		logger.UltraDebug(t.log, "RTX ssrc=%d seq=%d пропущен: превышен лимит", group.Media.SSRC, seq)
		return
	}

	p := original.Clone()
	source := group.Media
	if group.HasRTX() {
		if rtxPT := t.sendRTP.GetRTXForType(p.PayloadType()); rtxPT != rtp.NotFound {
			ext := group.RTX.NextSeqNum()
			p.WrapRTX(group.RTX.SSRC, rtxPT, uint16(ext))
			p.SetSeqCycles(uint16(ext >> 16))
			source = group.RTX
		}
	}

	size, err := t.transmit(now, group, source, p, "rtx", false)
	if err != nil {
		t.log.WithError(err).WithField("seq", seq).Debug("повтор не отправлен")
		return
	}
	t.rtxBitrate.Update(now, size)
	t.metrics.rtx(false)
}

// rtxThrottled единое правило для повторов и RTX зондирования: битрейт
// RTX не выше доли RTXThrottle от доступного битрейта оценщика.
// Пока оценщик не получает transport-wide отчеты, ограничения нет.
func (t *Transport) rtxThrottled(now time.Time) bool {
	if !t.sendExt.Has(rtp.ExtTransportWideCC) {
		return false
	}
	available := t.estimator.GetAvailableBitrate()
	if available == 0 {
		return false
	}
	return float64(t.rtxBitrate.Bitrate(now)) > float64(available)*t.config.RTXThrottle
}

// SendProbe отправляет size байт пакетов только из паддинга для группы
func (t *Transport) SendProbe(group *rtp.OutgoingSourceGroup, size int) {
	t.async(func(now time.Time) { t.sendProbe(now, group, size) })
}

// sendProbe возвращает число отправленных байт, не больше budget.
// С RTX паддинг идет по RTX SSRC, без RTX паддинг получает новый номер
// медиа-потока, а следующие пакеты отправителя сдвигаются на него.
func (t *Transport) sendProbe(now time.Time, group *rtp.OutgoingSourceGroup, budget int) int {
	last := group.LastPacket()
	if last == nil {
		return 0
	}
	useRTX := false
	rtxPT := rtp.NotFound
	if group.HasRTX() {
		rtxPT = t.sendRTP.GetRTXForType(last.PayloadType())
		useRTX = rtxPT != rtp.NotFound
	}
	if useRTX && t.rtxThrottled(now) {
		t.metrics.rtx(true)
		return 0
	}

	sent := 0
	for {
		p := rtp.NewPacket(group.Type, last.Codec())
		p.SetExtTimestamp(last.ExtTimestamp())
		source := group.Media
		if useRTX {
			source = group.RTX
			p.SetSSRC(group.RTX.SSRC)
			p.SetPayloadType(rtxPT)
		} else {
			p.SetSSRC(group.Media.SSRC)
			p.SetPayloadType(last.PayloadType())
		}

		// размер до назначения номера, чтобы не тратить номера впустую
		t.setExtensions(now, group, p, useRTX)
		overhead := p.Size(t.sendExt) + srtpOverhead
		padding := budget - sent - overhead
		if padding > maxPadding {
			padding = maxPadding
		}
		if padding < 1 {
			return sent
		}
		p.SetPadding(padding)
		if useRTX {
			p.SetExtSeqNum(group.RTX.NextSeqNum())
		} else {
			p.SetExtSeqNum(group.Media.InsertSeqNum())
		}

		size, err := t.transmit(now, group, source, p, "probe", true)
		if err != nil {
			t.log.WithError(err).Debug("пакет зондирования не отправлен")
			return sent
		}
		sent += size
		t.metrics.probing(size)
		if useRTX {
			t.rtxBitrate.Update(now, size)
		}
	}
}

// Probe вызывается таймером зондирования. Если transport-wide CC
// согласован и целевой битрейт выше текущего, досылает паддинг.
// За один интервал уходит не больше MaxProbingBitrate*interval/8 байт.
func (t *Transport) Probe(now time.Time) {
	if !t.probing || !t.sendExt.Has(rtp.ExtTransportWideCC) || t.active == nil || !t.srtp.IsLocalReady() {
		return
	}
	group := t.probeGroup()
	if group == nil {
		return
	}

	target := t.estimator.GetTargetBitrate()
	sent := t.estimator.GetSentBitrate(now)
	if target <= sent {
		return
	}
	bitrate := target - sent
	if t.maxProbingBitrate > 0 && bitrate > t.maxProbingBitrate {
		bitrate = t.maxProbingBitrate
	}
	if limit := t.probingBitrateLimit; limit > 0 {
		if sent >= limit {
			return
		}
		if sent+bitrate > limit {
			bitrate = limit - sent
		}
	}

	budget := int(bitrate * uint64(t.config.ProbingInterval) / uint64(time.Second) / 8)
	if budget <= 0 {
		return
	}
	if n := t.sendProbe(now, group, budget); n > 0 {
		logger.UltraDebug(t.log, "зондирование %d байт, цель %d, отправка %d", n, target, sent)
	}
}

// probeGroup видеогруппа, уже отправлявшая медиа. Группы с RTX в приоритете.
func (t *Transport) probeGroup() *rtp.OutgoingSourceGroup {
	var fallback *rtp.OutgoingSourceGroup
	for _, g := range t.registry.outgoing {
		if g.Type != rtp.MediaVideo || g.LastPacket() == nil {
			continue
		}
		if g.HasRTX() {
			return g
		}
		if fallback == nil {
			fallback = g
		}
	}
	return fallback
}
