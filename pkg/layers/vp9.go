package layers

import (
	"github.com/pion/rtp/codecs"

	"github.com/arzzra/media_transport/pkg/rtp"
)

type vp9Descriptor struct {
	interPicture  bool
	start         bool
	end           bool
	sid           uint8
	tid           uint8
	switchingUp   bool
	interLayerDep bool
	hasLayers     bool
}

func parseVP9(payload []byte) (vp9Descriptor, bool) {
	var pkt codecs.VP9Packet
	if _, err := pkt.Unmarshal(payload); err != nil {
		return vp9Descriptor{}, false
	}
	return vp9Descriptor{
		interPicture:  pkt.P,
		start:         pkt.B,
		end:           pkt.E,
		sid:           pkt.SID,
		tid:           pkt.TID,
		switchingUp:   pkt.U,
		interLayerDep: pkt.D,
		hasLayers:     pkt.L,
	}, true
}

// selectVP9 фильтрует пространственные и временные слои SVC.
// Marker ставится на конце кадра самого верхнего пересылаемого
// пространственного слоя.
func (s *Selector) selectVP9(p *rtp.Packet) (bool, bool) {
	d, ok := parseVP9(p.Payload())
	if !ok {
		return false, false
	}

	if s.waitingForIntra {
		if d.interPicture || !d.start || d.sid != 0 {
			return false, false
		}
		s.waitingForIntra = false
		s.currentSpatial = s.selectedSpatial
		s.currentTemporal = s.selectedTemporal
	}

	if !d.hasLayers {
		return true, p.Mark()
	}

	if d.start {
		switch {
		case s.selectedSpatial < s.currentSpatial:
			s.currentSpatial = s.selectedSpatial
		case s.selectedSpatial > s.currentSpatial && d.sid > s.currentSpatial &&
			d.sid <= s.selectedSpatial && !d.interPicture:
			// верхний слой без межкадрового предсказания можно начинать
			s.currentSpatial = d.sid
		}

		switch {
		case s.selectedTemporal < s.currentTemporal:
			s.currentTemporal = s.selectedTemporal
		case s.selectedTemporal > s.currentTemporal && d.switchingUp &&
			d.tid > s.currentTemporal && d.tid <= s.selectedTemporal:
			s.currentTemporal = d.tid
		}
	}

	if d.sid > s.currentSpatial || d.tid > s.currentTemporal {
		return false, false
	}

	mark := p.Mark() || (d.end && d.sid == s.currentSpatial)
	return true, mark
}
