package bwe

import (
	"github.com/pion/rtcp"
)

// UnwrapNear разворачивает 16-битный номер в расширенный, ближайший к ref
func UnwrapNear(ref uint32, seq uint16) uint32 {
	candidate := ref&^0xFFFF | uint32(seq)
	diff := int32(candidate - ref)
	switch {
	case diff > 0x8000 && candidate >= 0x10000:
		candidate -= 0x10000
	case diff < -0x8000:
		candidate += 0x10000
	}
	return candidate
}

// DecodeTransportCC превращает отчет transport-wide CC в карту
// расширенный номер -> время прихода в микросекундах (0 - потерян).
// ref - наибольший отправленный расширенный номер.
func DecodeTransportCC(fb *rtcp.TransportLayerCC, ref uint32) map[uint32]uint64 {
	packets := make(map[uint32]uint64, fb.PacketStatusCount)

	base := UnwrapNear(ref, fb.BaseSequenceNumber)
	// ReferenceTime в единицах 64мс
	arrival := int64(fb.ReferenceTime) * 64000
	deltaIdx := 0

	seq := base
	count := uint32(fb.PacketStatusCount)
	emit := func(symbol uint16) {
		if seq-base >= count {
			return
		}
		switch symbol {
		case rtcp.TypeTCCPacketReceivedSmallDelta, rtcp.TypeTCCPacketReceivedLargeDelta:
			if deltaIdx < len(fb.RecvDeltas) {
				arrival += fb.RecvDeltas[deltaIdx].Delta
				deltaIdx++
			}
			at := arrival
			if at <= 0 {
				at = 1
			}
			packets[seq] = uint64(at)
		default:
			packets[seq] = 0
		}
		seq++
	}

	for _, chunk := range fb.PacketChunks {
		switch c := chunk.(type) {
		case *rtcp.RunLengthChunk:
			for i := uint16(0); i < c.RunLength; i++ {
				emit(c.PacketStatusSymbol)
			}
		case *rtcp.StatusVectorChunk:
			for _, symbol := range c.SymbolList {
				emit(symbol)
			}
		}
	}
	return packets
}
