package rtp

import (
	"encoding/binary"

	"github.com/pion/rtp"
)

const (
	extensionProfileOneByte = 0xBEDE
	extensionProfileTwoByte = 0x1000
	oneByteMaxID            = 14
	oneByteMaxLen           = 16
)

// VideoOrientation значение расширения CVO (3GPP TS 26.114)
type VideoOrientation struct {
	Camera   bool  // true - задняя камера
	Flip     bool  // горизонтальное отражение
	Rotation uint8 // 0..3, шаг 90 градусов
}

// FrameMarks значение расширения frame-marking
type FrameMarks struct {
	StartOfFrame    bool
	EndOfFrame      bool
	Independent     bool
	Discardable     bool
	BaseLayerSync   bool
	TemporalLayerID uint8
	// Только для масштабируемых потоков
	Scalable  bool
	LayerID   uint8
	TL0PicIdx uint8
}

// HeaderExtension разобранные значения расширений RFC 5285.
// Флаги Has* показывают, какие элементы присутствуют.
type HeaderExtension struct {
	HasTimeOffset bool
	TimeOffset    int32

	HasAbsSendTime bool
	AbsSendTime    uint32 // 24 бита, 6.18 секунд

	HasTransportSeqNum bool
	TransportSeqNum    uint16

	HasAudioLevel bool
	VAD           bool
	Level         uint8 // -dBov, 0..127

	HasVideoOrientation bool
	CVO                 VideoOrientation

	HasFrameMarking bool
	FrameMarks      FrameMarks

	HasRID bool
	RID    string

	HasRepairedRID bool
	RepairedRID    string

	HasMID bool
	MID    string

	HasDependencyDescriptor bool
	DependencyDescriptor    []byte
}

// Clone глубокая копия
func (e HeaderExtension) Clone() HeaderExtension {
	c := e
	if e.DependencyDescriptor != nil {
		c.DependencyDescriptor = append([]byte(nil), e.DependencyDescriptor...)
	}
	return c
}

// AbsSendTimeFromMs переводит миллисекунды в 24-битное значение 6.18
func AbsSendTimeFromMs(ms uint64) uint32 {
	return uint32((ms<<18)/1000) & 0x00FFFFFF
}

// AbsSendTimeToMs переводит 24-битное значение 6.18 в миллисекунды (по модулю 64с)
func AbsSendTimeToMs(v uint32) uint64 {
	return (uint64(v&0x00FFFFFF) * 1000) >> 18
}

// TimeOffsetFromWire разбирает 24-битное значение знак+модуль
func TimeOffsetFromWire(v uint32) int32 {
	magnitude := int32(v & 0x7FFFFF)
	if v&0x800000 != 0 {
		return -magnitude
	}
	return magnitude
}

// TimeOffsetToWire кодирует значение в 24 бита знак+модуль
func TimeOffsetToWire(offset int32) uint32 {
	if offset < 0 {
		return 0x800000 | (uint32(-offset) & 0x7FFFFF)
	}
	return uint32(offset) & 0x7FFFFF
}

// ParseHeader разбирает фиксированный заголовок, CSRC и расширения.
// Неизвестные id расширений пропускаются. Возвращает длину заголовка
// или 0 при ошибке.
func ParseHeader(buf []byte, extMap *ExtensionMap, h *rtp.Header, ext *HeaderExtension) int {
	if len(buf) < 12 || buf[0]>>6 != 2 {
		return 0
	}
	n, err := h.Unmarshal(buf)
	if err != nil && extensionEnd(buf) == len(buf) {
		// pion требует хотя бы один байт после последнего элемента
		// расширения, пакет из одного заголовка разбираем с копии
		padded := make([]byte, len(buf)+1)
		copy(padded, buf)
		n, err = h.Unmarshal(padded)
	}
	if err != nil || n > len(buf) {
		return 0
	}
	*ext = HeaderExtension{}
	if h.Extension && extMap != nil {
		ext.parse(h, extMap)
	}
	return n
}

// extensionEnd конец блока расширений или -1, если его нет
func extensionEnd(buf []byte) int {
	if len(buf) < 12 || buf[0]&0x10 == 0 {
		return -1
	}
	offset := 12 + 4*int(buf[0]&0x0F)
	if len(buf) < offset+4 {
		return -1
	}
	return offset + 4 + 4*int(binary.BigEndian.Uint16(buf[offset+2:]))
}

func (e *HeaderExtension) parse(h *rtp.Header, extMap *ExtensionMap) {
	for _, id := range h.GetExtensionIDs() {
		data := h.GetExtension(id)
		if len(data) == 0 {
			continue
		}
		switch extMap.GetTypeForID(id) {
		case ExtTimeOffset:
			if len(data) >= 3 {
				e.HasTimeOffset = true
				e.TimeOffset = TimeOffsetFromWire(get3(data))
			}
		case ExtAbsSendTime:
			if len(data) >= 3 {
				e.HasAbsSendTime = true
				e.AbsSendTime = get3(data)
			}
		case ExtTransportWideCC:
			if len(data) >= 2 {
				e.HasTransportSeqNum = true
				e.TransportSeqNum = binary.BigEndian.Uint16(data)
			}
		case ExtAudioLevel:
			e.HasAudioLevel = true
			e.VAD = data[0]&0x80 != 0
			e.Level = data[0] & 0x7F
		case ExtVideoOrientation:
			e.HasVideoOrientation = true
			e.CVO = VideoOrientation{
				Camera:   data[0]&0x08 != 0,
				Flip:     data[0]&0x04 != 0,
				Rotation: data[0] & 0x03,
			}
		case ExtFrameMarking:
			e.HasFrameMarking = true
			e.FrameMarks = FrameMarks{
				StartOfFrame:    data[0]&0x80 != 0,
				EndOfFrame:      data[0]&0x40 != 0,
				Independent:     data[0]&0x20 != 0,
				Discardable:     data[0]&0x10 != 0,
				BaseLayerSync:   data[0]&0x08 != 0,
				TemporalLayerID: data[0] & 0x07,
			}
			if len(data) >= 3 {
				e.FrameMarks.Scalable = true
				e.FrameMarks.LayerID = data[1]
				e.FrameMarks.TL0PicIdx = data[2]
			}
		case ExtRID:
			e.HasRID = true
			e.RID = string(data)
		case ExtRepairedRID:
			e.HasRepairedRID = true
			e.RepairedRID = string(data)
		case ExtMID:
			e.HasMID = true
			e.MID = string(data)
		case ExtDependencyDescriptor:
			e.HasDependencyDescriptor = true
			e.DependencyDescriptor = append([]byte(nil), data...)
		}
	}
}

type element struct {
	id      uint8
	payload []byte
}

// elements кодирует присутствующие расширения, сопоставленные в extMap
func (e *HeaderExtension) elements(extMap *ExtensionMap) []element {
	var out []element
	add := func(t ExtensionType, payload []byte) {
		if id := extMap.GetIDForType(t); id != 0 && len(payload) > 0 {
			out = append(out, element{id: id, payload: payload})
		}
	}

	if e.HasTimeOffset {
		add(ExtTimeOffset, put3(TimeOffsetToWire(e.TimeOffset)))
	}
	if e.HasAbsSendTime {
		add(ExtAbsSendTime, put3(e.AbsSendTime))
	}
	if e.HasTransportSeqNum {
		add(ExtTransportWideCC, binary.BigEndian.AppendUint16(nil, e.TransportSeqNum))
	}
	if e.HasAudioLevel {
		b := e.Level & 0x7F
		if e.VAD {
			b |= 0x80
		}
		add(ExtAudioLevel, []byte{b})
	}
	if e.HasVideoOrientation {
		b := e.CVO.Rotation & 0x03
		if e.CVO.Camera {
			b |= 0x08
		}
		if e.CVO.Flip {
			b |= 0x04
		}
		add(ExtVideoOrientation, []byte{b})
	}
	if e.HasFrameMarking {
		fm := e.FrameMarks
		b := fm.TemporalLayerID & 0x07
		for i, flag := range []bool{fm.StartOfFrame, fm.EndOfFrame, fm.Independent, fm.Discardable, fm.BaseLayerSync} {
			if flag {
				b |= 0x80 >> i
			}
		}
		if fm.Scalable {
			add(ExtFrameMarking, []byte{b, fm.LayerID, fm.TL0PicIdx})
		} else {
			add(ExtFrameMarking, []byte{b})
		}
	}
	if e.HasRID {
		add(ExtRID, []byte(e.RID))
	}
	if e.HasRepairedRID {
		add(ExtRepairedRID, []byte(e.RepairedRID))
	}
	if e.HasMID {
		add(ExtMID, []byte(e.MID))
	}
	if e.HasDependencyDescriptor {
		add(ExtDependencyDescriptor, e.DependencyDescriptor)
	}
	return out
}

// buildHeader собирает заголовок pion с элементами расширений по extMap
func buildHeader(h *rtp.Header, ext *HeaderExtension, extMap *ExtensionMap) (rtp.Header, bool) {
	out := *h
	out.Version = 2
	out.Extension = false
	out.ExtensionProfile = 0
	out.Extensions = nil

	if ext == nil || extMap == nil {
		return out, true
	}
	elems := ext.elements(extMap)
	if len(elems) == 0 {
		return out, true
	}

	profile := uint16(extensionProfileOneByte)
	for _, el := range elems {
		if len(el.payload) > 255 {
			return out, false
		}
		if el.id > oneByteMaxID || len(el.payload) > oneByteMaxLen {
			profile = extensionProfileTwoByte
		}
	}
	out.Extension = true
	out.ExtensionProfile = profile
	for _, el := range elems {
		if err := out.SetExtension(el.id, el.payload); err != nil {
			return out, false
		}
	}
	return out, true
}

// HeaderSize размер заголовка с расширениями на проводе
func HeaderSize(h *rtp.Header, ext *HeaderExtension, extMap *ExtensionMap) int {
	out, ok := buildHeader(h, ext, extMap)
	if !ok {
		return 0
	}
	return out.MarshalSize()
}

// SerializeHeader пишет заголовок с расширениями из ext по карте extMap.
// Возвращает число записанных байт или 0, если не хватает места.
func SerializeHeader(h *rtp.Header, ext *HeaderExtension, extMap *ExtensionMap, buf []byte) int {
	out, ok := buildHeader(h, ext, extMap)
	if !ok || out.MarshalSize() > len(buf) {
		return 0
	}
	n, err := out.MarshalTo(buf)
	if err != nil {
		return 0
	}
	return n
}

func get3(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func put3(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}
