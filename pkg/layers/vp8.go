package layers

import (
	"github.com/pion/rtp/codecs"

	"github.com/arzzra/media_transport/pkg/rtp"
)

type vp8Descriptor struct {
	start     bool
	partition uint8
	tid       uint8
	layerSync bool
	hasTID    bool
	keyFrame  bool
}

func parseVP8(payload []byte) (vp8Descriptor, bool) {
	var pkt codecs.VP8Packet
	frame, err := pkt.Unmarshal(payload)
	if err != nil {
		return vp8Descriptor{}, false
	}
	d := vp8Descriptor{
		start:     pkt.S == 1,
		partition: pkt.PID,
		tid:       pkt.TID,
		layerSync: pkt.Y == 1,
		hasTID:    pkt.T == 1,
	}
	d.keyFrame = d.start && d.partition == 0 && len(frame) > 0 && frame[0]&0x01 == 0
	return d, true
}

// selectVP8 фильтрует только временные слои: VP8 simulcast не имеет
// пространственных слоев внутри одного SSRC
func (s *Selector) selectVP8(p *rtp.Packet) (bool, bool) {
	d, ok := parseVP8(p.Payload())
	if !ok {
		return false, false
	}

	if s.waitingForIntra {
		if !d.keyFrame {
			return false, false
		}
		s.waitingForIntra = false
		s.currentTemporal = s.selectedTemporal
	}

	if !d.hasTID {
		return true, p.Mark()
	}

	switch {
	case s.selectedTemporal < s.currentTemporal:
		// вниз можно сразу
		s.currentTemporal = s.selectedTemporal
	case s.selectedTemporal > s.currentTemporal && d.start && d.layerSync &&
		d.tid > s.currentTemporal && d.tid <= s.selectedTemporal:
		// вверх только на кадре синхронизации слоя
		s.currentTemporal = d.tid
	}

	if d.tid > s.currentTemporal {
		return false, false
	}
	return true, p.Mark()
}

// VP8Indexes значения picture id и tl0picidx дескриптора
type VP8Indexes struct {
	HasPictureID  bool
	PictureID     uint16
	LongPictureID bool
	HasTL0PicIdx  bool
	TL0PicIdx     uint8
	pictureIDPos  int
	tl0PicIdxPos  int
}

// ReadVP8Indexes находит picture id и tl0picidx в дескрипторе VP8
func ReadVP8Indexes(payload []byte) (VP8Indexes, bool) {
	var idx VP8Indexes
	if len(payload) < 1 {
		return idx, false
	}
	pos := 1
	if payload[0]&0x80 == 0 {
		return idx, true
	}
	if len(payload) < 2 {
		return idx, false
	}
	ext := payload[1]
	pos++
	if ext&0x80 != 0 {
		if pos >= len(payload) {
			return idx, false
		}
		idx.HasPictureID = true
		idx.pictureIDPos = pos
		if payload[pos]&0x80 != 0 {
			if pos+1 >= len(payload) {
				return idx, false
			}
			idx.LongPictureID = true
			idx.PictureID = uint16(payload[pos]&0x7F)<<8 | uint16(payload[pos+1])
			pos += 2
		} else {
			idx.PictureID = uint16(payload[pos] & 0x7F)
			pos++
		}
	}
	if ext&0x40 != 0 {
		if pos >= len(payload) {
			return idx, false
		}
		idx.HasTL0PicIdx = true
		idx.tl0PicIdxPos = pos
		idx.TL0PicIdx = payload[pos]
	}
	return idx, true
}

// RewriteVP8Indexes переписывает picture id и tl0picidx на месте.
// Ширина поля picture id сохраняется.
func RewriteVP8Indexes(payload []byte, pictureID uint16, tl0PicIdx uint8) bool {
	idx, ok := ReadVP8Indexes(payload)
	if !ok {
		return false
	}
	if idx.HasPictureID {
		if idx.LongPictureID {
			payload[idx.pictureIDPos] = 0x80 | byte(pictureID>>8)&0x7F
			payload[idx.pictureIDPos+1] = byte(pictureID)
		} else {
			payload[idx.pictureIDPos] = byte(pictureID) & 0x7F
		}
	}
	if idx.HasTL0PicIdx {
		payload[idx.tl0PicIdxPos] = tl0PicIdx
	}
	return true
}
