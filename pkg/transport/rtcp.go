package transport

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/media_transport/pkg/bwe"
	"github.com/arzzra/media_transport/pkg/logger"
	"github.com/arzzra/media_transport/pkg/rtp"
)

// максимум блоков отчета в одном RR
const maxReportBlocks = 31

// onRTCP разбирает составной пакет по типам
func (t *Transport) onRTCP(now time.Time, packets []rtcp.Packet) {
	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *rtcp.SenderReport:
			if g := t.registry.incomingGroup(p.SSRC); g != nil {
				if source := g.GetSource(p.SSRC); source != nil {
					source.ProcessSenderReport(now, p)
				}
			}
			t.processReceptionReports(now, p.Reports)
		case *rtcp.ReceiverReport:
			t.processReceptionReports(now, p.Reports)
		case *rtcp.Goodbye:
			t.onBye(p)
		case *rtcp.TransportLayerNack:
			t.onNACK(now, p)
		case *rtcp.TransportLayerCC:
			if t.nextTransportSeq == 0 {
				continue
			}
			feedback := bwe.DecodeTransportCC(p, t.nextTransportSeq-1)
			t.estimator.ReceivedFeedback(p.FbPktCount, feedback, now)
		case *rtcp.PictureLossIndication:
			if g := t.registry.outgoingGroup(p.MediaSSRC); g != nil {
				g.OnPLIRequest(p.MediaSSRC)
			}
		case *rtcp.FullIntraRequest:
			for _, entry := range p.FIR {
				if g := t.registry.outgoingGroup(entry.SSRC); g != nil {
					g.OnPLIRequest(entry.SSRC)
				}
			}
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			for _, ssrc := range p.SSRCs {
				if g := t.registry.outgoingGroup(ssrc); g != nil {
					g.OnREMB(ssrc, uint64(p.Bitrate))
				}
			}
		default:
			logger.UltraDebug(t.log, "RTCP %T пропущен", pkt)
		}
	}
}

func (t *Transport) processReceptionReports(now time.Time, reports []rtcp.ReceptionReport) {
	for _, report := range reports {
		g := t.registry.outgoingGroup(report.SSRC)
		if g == nil {
			continue
		}
		source := g.GetSource(report.SSRC)
		if source == nil {
			continue
		}
		if rtt, ok := source.ProcessReceiverReport(now, report); ok {
			t.setRTT(now, rtt)
		}
	}
}

func (t *Transport) onBye(p *rtcp.Goodbye) {
	seen := make(map[*rtp.IncomingSourceGroup]struct{})
	for _, ssrc := range p.Sources {
		g := t.registry.incomingGroup(ssrc)
		if g == nil {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		t.log.WithFields(logrus.Fields{"ssrc": ssrc, "reason": p.Reason}).Info("RTCP BYE")
		g.Bye()
	}
}

func (t *Transport) onNACK(now time.Time, p *rtcp.TransportLayerNack) {
	g := t.registry.outgoingGroup(p.MediaSSRC)
	if g == nil {
		logger.UltraDebug(t.log, "NACK для неизвестного ssrc=%d", p.MediaSSRC)
		return
	}
	t.metrics.nackReceived()
	for _, pair := range p.Nacks {
		for _, seq := range rtp.NackSequenceNumbers(pair) {
			t.resendPacket(now, g, seq)
		}
	}
}

// sendRTCP сериализует, шифрует и отправляет составной пакет активному кандидату
func (t *Transport) sendRTCP(now time.Time, packets []rtcp.Packet) error {
	if len(packets) == 0 {
		return nil
	}
	if t.active == nil {
		return ErrNoActiveCandidate
	}
	if !t.srtp.IsLocalReady() {
		return ErrCryptoNotReady
	}
	raw, err := rtcp.Marshal(packets)
	if err != nil {
		return newError(ErrorCodeSendFailed, 0, "сериализация RTCP", err)
	}
	t.dumpOutbound(now, raw, true)

	encrypted, err := t.srtp.ProtectRTCP(nil, raw)
	if err != nil {
		return newError(ErrorCodeCryptoNotReady, 0, "шифрование RTCP", err)
	}
	if err := t.sender.Send(t.active, encrypted); err != nil {
		return newError(ErrorCodeSendFailed, 0, "отправка RTCP", err)
	}
	t.metrics.packet("out", "rtcp", len(encrypted))
	return nil
}

// sendNACKs запрашивает потери группы, интервалы повтора считает сама группа
func (t *Transport) sendNACKs(now time.Time, g *rtp.IncomingSourceGroup) {
	nacks := g.GetNacks(now)
	if len(nacks) == 0 {
		return
	}
	nack := &rtcp.TransportLayerNack{SenderSSRC: t.mainSSRC, MediaSSRC: g.Media.SSRC, Nacks: nacks}
	if err := t.sendRTCP(now, []rtcp.Packet{nack}); err != nil {
		t.log.WithError(err).Debug("NACK не отправлен")
		return
	}
	g.Media.LastNACKAt = now
	g.Media.TotalNACKs++
	t.metrics.nackSent()
}

func (t *Transport) maybeSendReports(now time.Time) {
	if now.Sub(t.lastReportAt) < t.config.RTCPInterval {
		return
	}
	t.sendReports(now)
}

// sendReports SR исходящих потоков, RR входящих, REMB без transport-wide CC
// и NACK для оценки RTT, если оценить его по SR/RR нечем
func (t *Transport) sendReports(now time.Time) {
	t.lastReportAt = now

	var packets []rtcp.Packet
	hasSent := false
	for _, g := range t.registry.outgoing {
		for _, s := range []*rtp.OutgoingSource{g.Media, g.RTX, g.FEC} {
			if s.SSRC != 0 && s.HasSent() {
				packets = append(packets, s.CreateSenderReport(now))
				hasSent = true
			}
		}
	}

	var reports []rtcp.ReceptionReport
	for _, g := range t.registry.incoming {
		reports = append(reports, g.CreateReports(now)...)
	}
	for len(reports) > 0 {
		n := len(reports)
		if n > maxReportBlocks {
			n = maxReportBlocks
		}
		packets = append(packets, &rtcp.ReceiverReport{SSRC: t.mainSSRC, Reports: reports[:n]})
		reports = reports[n:]
	}

	if remb := t.createREMB(now); remb != nil {
		packets = append(packets, remb)
	}

	if err := t.sendRTCP(now, packets); err != nil {
		t.log.WithError(err).Debug("отчеты не отправлены")
		return
	}

	if !hasSent {
		t.sendRTTProbe(now)
	}
}

// createREMB оценка входящего битрейта, если удаленная сторона не
// получает transport-wide CC
func (t *Transport) createREMB(now time.Time) *rtcp.ReceiverEstimatedMaximumBitrate {
	if t.recvExt.Has(rtp.ExtTransportWideCC) {
		return nil
	}
	var (
		bitrate uint64
		ssrcs   []uint32
	)
	for _, g := range t.registry.incoming {
		if g.Type != rtp.MediaVideo || g.Media.SSRC == 0 {
			continue
		}
		bitrate += g.Bitrate(now)
		ssrcs = append(ssrcs, g.Media.SSRC)
	}
	if len(ssrcs) == 0 || bitrate == 0 {
		return nil
	}
	return &rtcp.ReceiverEstimatedMaximumBitrate{SenderSSRC: t.mainSSRC, Bitrate: float32(bitrate), SSRCs: ssrcs}
}

// sendRTTProbe запрашивает через NACK уже принятый пакет видео потока с
// RTX. Время до прихода RTX ответа дает RTT.
func (t *Transport) sendRTTProbe(now time.Time) {
	if t.pendingRTTProbe != nil && now.Sub(t.pendingRTTProbe.sentAt) < 2*t.config.RTCPInterval {
		return
	}
	for _, g := range t.registry.incoming {
		if g.Type != rtp.MediaVideo || g.Media.SSRC == 0 || g.RTX.SSRC == 0 || g.Media.NumPackets == 0 {
			continue
		}
		seq := uint16(g.Media.ExtSeqNum())
		nack := &rtcp.TransportLayerNack{
			SenderSSRC: t.mainSSRC,
			MediaSSRC:  g.Media.SSRC,
			Nacks:      []rtcp.NackPair{{PacketID: seq}},
		}
		if err := t.sendRTCP(now, []rtcp.Packet{nack}); err != nil {
			return
		}
		t.pendingRTTProbe = &rttProbe{ssrc: g.Media.SSRC, seq: seq, sentAt: now}
		logger.UltraDebug(t.log, "NACK для оценки RTT ssrc=%d seq=%d", g.Media.SSRC, seq)
		return
	}
}

func (t *Transport) checkRTTProbe(now time.Time, g *rtp.IncomingSourceGroup, osn uint16) {
	probe := t.pendingRTTProbe
	if probe == nil || probe.ssrc != g.Media.SSRC || probe.seq != osn {
		return
	}
	t.pendingRTTProbe = nil
	t.setRTT(now, now.Sub(probe.sentAt))
}

// sendTransportWideFeedback отправляет накопленные отметки о приеме
func (t *Transport) sendTransportWideFeedback(now time.Time) {
	if !t.recvExt.Has(rtp.ExtTransportWideCC) {
		return
	}
	packets := t.recorder.BuildFeedbackPacket()
	if len(packets) == 0 {
		return
	}
	if err := t.sendRTCP(now, packets); err != nil {
		t.log.WithError(err).Debug("transport-wide feedback не отправлен")
	}
}

// SendPLI запрашивает ключевой кадр. Не чаще PLIInterval на SSRC.
func (t *Transport) SendPLI(ssrc uint32) {
	t.async(func(now time.Time) { t.sendPLI(now, ssrc) })
}

// RequestKeyFrame запрашивает ключевой кадр у входящей группы. SSRC
// группы меняется при привязке по RID на цикле транспорта, поэтому
// читается там же. Группа без SSRC пропускается.
func (t *Transport) RequestKeyFrame(group *rtp.IncomingSourceGroup) {
	t.async(func(now time.Time) {
		if ssrc := group.Media.SSRC; ssrc != 0 {
			t.sendPLI(now, ssrc)
		}
	})
}

func (t *Transport) sendPLI(now time.Time, ssrc uint32) {
	if !t.allowPLI(now, ssrc) {
		return
	}
	pli := &rtcp.PictureLossIndication{SenderSSRC: t.mainSSRC, MediaSSRC: ssrc}
	if err := t.sendRTCP(now, []rtcp.Packet{pli}); err != nil {
		t.log.WithError(err).WithField("ssrc", ssrc).Debug("PLI не отправлен")
	}
}

// SendFIR запрашивает ключевой кадр через FIR (RFC 5104)
func (t *Transport) SendFIR(ssrc uint32) {
	t.async(func(now time.Time) {
		if !t.allowPLI(now, ssrc) {
			return
		}
		t.firSeq++
		fir := &rtcp.FullIntraRequest{
			SenderSSRC: t.mainSSRC,
			MediaSSRC:  ssrc,
			FIR:        []rtcp.FIREntry{{SSRC: ssrc, SequenceNumber: t.firSeq}},
		}
		if err := t.sendRTCP(now, []rtcp.Packet{fir}); err != nil {
			t.log.WithError(err).WithField("ssrc", ssrc).Debug("FIR не отправлен")
		}
	})
}

func (t *Transport) allowPLI(now time.Time, ssrc uint32) bool {
	if last, ok := t.lastPLI[ssrc]; ok && now.Sub(last) < t.config.PLIInterval {
		logger.UltraDebug(t.log, "PLI для ssrc=%d пропущен", ssrc)
		return false
	}
	t.lastPLI[ssrc] = now
	return true
}
