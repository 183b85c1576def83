package transport

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/stun"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/media_transport/pkg/logger"
	"github.com/arzzra/media_transport/pkg/rtp"
)

// isDTLS первый байт записи DTLS лежит в [20, 64] (RFC 7983)
func isDTLS(data []byte) bool {
	return len(data) > 0 && data[0] >= 20 && data[0] <= 64
}

// isRTCP payload type RTCP 192..223 (RFC 5761)
func isRTCP(data []byte) bool {
	return len(data) >= 8 && data[1] >= 192 && data[1] <= 223
}

// OnData точка входа для датаграмм от сокета. Вызов не с цикла
// переносится на цикл с копией данных.
func (t *Transport) OnData(candidate Candidate, data []byte) {
	if t.stopped.Load() || len(data) == 0 {
		return
	}
	if t.loop.IsLoopThread() {
		t.onData(t.loop.Now(), candidate, data)
		return
	}
	owned := append([]byte(nil), data...)
	t.async(func(now time.Time) { t.onData(now, candidate, owned) })
}

func (t *Transport) onData(now time.Time, candidate Candidate, data []byte) {
	switch {
	case stun.IsMessage(data):
		// проверки связности обрабатывает ICE уровень
		logger.UltraDebug(t.log, "STUN от %s пропущен", candidateString(candidate))
	case isDTLS(data):
		t.metrics.packet("in", "dtls", len(data))
		if n := t.dtls.Write(data); n < 0 {
			t.log.Debug("DTLS не запущен, датаграмма отброшена")
			t.metrics.drop("dtls")
		}
	case isRTCP(data):
		t.onRTCPData(now, candidate, data)
	default:
		t.onRTPData(now, candidate, data)
	}
}

func (t *Transport) onRTCPData(now time.Time, candidate Candidate, data []byte) {
	plain, err := t.srtp.UnprotectRTCP(nil, data)
	if err != nil {
		t.log.WithError(err).Debug("SRTCP не расшифрован")
		t.metrics.drop("unprotect")
		return
	}
	t.metrics.packet("in", "rtcp", len(data))
	t.dumpInbound(now, candidate, plain, true)

	packets, err := rtcp.Unmarshal(plain)
	if err != nil {
		t.log.WithError(err).Debug("RTCP не разобран")
		t.metrics.drop("parse")
		return
	}
	t.onRTCP(now, packets)
}

func (t *Transport) onRTPData(now time.Time, candidate Candidate, data []byte) {
	plain, err := t.srtp.UnprotectRTP(nil, data)
	if err != nil {
		t.log.WithError(err).Debug("SRTP не расшифрован")
		t.metrics.drop("unprotect")
		return
	}
	t.metrics.packet("in", "rtp", len(data))

	p, err := rtp.Parse(plain, t.recvRTP, t.recvExt)
	if err != nil {
		t.log.WithError(err).Debug("RTP не разобран")
		t.metrics.drop("parse")
		return
	}
	p.ReceivedAt = now
	t.dumpInbound(now, candidate, plain, false)

	ssrc := p.SSRC()
	group := t.registry.incomingGroup(ssrc)
	if group == nil {
		if group = t.resolveGroup(p); group == nil {
			t.log.WithFields(logrus.Fields{"ssrc": ssrc, "pt": p.PayloadType(), "mid": p.Ext.MID, "rid": p.Ext.RID}).Debug("пакет без группы")
			t.metrics.drop("unknown_ssrc")
			return
		}
	}

	if p.Ext.HasTransportSeqNum && t.recvExt.Has(rtp.ExtTransportWideCC) {
		t.recorder.Record(ssrc, p.Ext.TransportSeqNum, now.UnixMicro())
	}

	source := group.Process(now, p, len(data))
	switch source {
	case nil:
		t.metrics.drop("unknown_ssrc")
		return
	case group.FEC:
		// FlexFEC только учитывается в статистике
		return
	case group.RTX:
		if p.IsPaddingOnly() {
			// зондирование удаленной стороны
			return
		}
		if !t.recoverRTX(now, group, p) {
			return
		}
	}

	lost := group.AddPacket(now, p)
	if lost < 0 {
		logger.UltraDebug(t.log, "повтор или опоздавший пакет ssrc=%d seq=%d", p.SSRC(), p.SeqNum())
	}
	if group.Type == rtp.MediaVideo && (lost > 0 || group.LostCount() > 0) {
		t.sendNACKs(now, group)
	}
	t.maybeSendReports(now)
}

// recoverRTX снимает RTX обертку и возвращает пакету media SSRC, payload
// type и расширенные номера. false - пакет отброшен.
func (t *Transport) recoverRTX(now time.Time, group *rtp.IncomingSourceGroup, p *rtp.Packet) bool {
	apt := t.recvRTP.GetAPT(p.PayloadType())
	if apt == rtp.NotFound {
		t.log.WithField("pt", p.PayloadType()).Debug("RTX без apt")
		t.metrics.drop("rtx_apt")
		return false
	}
	if err := p.RecoverOSN(); err != nil {
		t.log.WithError(err).Debug("RTX без OSN")
		t.metrics.drop("parse")
		return false
	}
	t.checkRTTProbe(now, group, p.OSN())

	codec := t.recvRTP.GetCodecForType(apt)
	p.SetSSRC(group.Media.SSRC)
	p.SetPayloadType(apt)
	p.SetCodec(codec)
	p.SetMediaType(group.Type)

	ext := group.Media.SetSeqNum(p.SeqNum())
	p.SetSeqCycles(uint16(ext >> 16))
	p.SetExtTimestamp(group.Media.SetTimestamp(p.Timestamp()))
	return true
}

// resolveGroup привязывает неизвестный SSRC к группе по RID или MID.
// Порядок: RTX с repaired-RID/RID, media с RID, затем по MID.
// Прежний SSRC слота удаляется из индексов и из SRTP.
func (t *Transport) resolveGroup(p *rtp.Packet) *rtp.IncomingSourceGroup {
	isRTX := p.Codec() == rtp.CodecRTX
	mid := ""
	if p.Ext.HasMID {
		mid = p.Ext.MID
	}

	var group *rtp.IncomingSourceGroup
	switch {
	case isRTX && p.Ext.HasRepairedRID && p.Ext.RepairedRID != "":
		group = t.registry.byRID(mid, p.Ext.RepairedRID)
	case p.Ext.HasRID && p.Ext.RID != "":
		group = t.registry.byRID(mid, p.Ext.RID)
	case mid != "":
		group = t.registry.byMID(mid)
	}
	if group == nil {
		return nil
	}

	slot := group.Media
	if isRTX {
		slot = group.RTX
	}
	old := slot.SSRC
	if old != 0 {
		t.srtp.RemoveIncomingStream(old)
	}
	slot.SSRC = p.SSRC()
	if isRTX {
		slot.Reset()
	} else {
		group.Reset()
	}
	t.registry.rebuild()

	t.log.WithFields(logrus.Fields{
		"ssrc": p.SSRC(),
		"old":  old,
		"mid":  group.MID,
		"rid":  group.RID,
		"rtx":  isRTX,
	}).Info("SSRC привязан к группе")
	return group
}

func (t *Transport) dumpInbound(now time.Time, candidate Candidate, plain []byte, isRTCP bool) {
	d := t.dump
	if d.dumper == nil || !d.inbound || (isRTCP && !d.rtcp) || candidate == nil {
		return
	}
	truncate := 0
	if !isRTCP && d.rtpHeadersOnly {
		truncate = rtpHeaderLength(plain)
	}
	if err := d.dumper.WriteUDP(now, candidate.GetIPAddress(), candidate.GetPort(),
		t.config.DumpLocalIP, t.config.DumpLocalPort, plain, truncate); err != nil {
		t.log.WithError(err).Debug("запись дампа")
	}
}

func (t *Transport) dumpOutbound(now time.Time, plain []byte, isRTCP bool) {
	d := t.dump
	if d.dumper == nil || !d.outbound || (isRTCP && !d.rtcp) || t.active == nil {
		return
	}
	truncate := 0
	if !isRTCP && d.rtpHeadersOnly {
		truncate = rtpHeaderLength(plain)
	}
	if err := d.dumper.WriteUDP(now, t.config.DumpLocalIP, t.config.DumpLocalPort,
		t.active.GetIPAddress(), t.active.GetPort(), plain, truncate); err != nil {
		t.log.WithError(err).Debug("запись дампа")
	}
}

// rtpHeaderLength длина заголовка с CSRC и расширениями
func rtpHeaderLength(data []byte) int {
	if len(data) < 12 {
		return len(data)
	}
	n := 12 + 4*int(data[0]&0x0F)
	if data[0]&0x10 != 0 && len(data) >= n+4 {
		n += 4 + 4*(int(data[n+2])<<8|int(data[n+3]))
	}
	if n > len(data) {
		return len(data)
	}
	return n
}
