package rtp

import (
	"github.com/sirupsen/logrus"

	"github.com/arzzra/media_transport/pkg/properties"
)

// NotFound значение "нет payload type" для обратных поисков
const NotFound uint8 = 255

// Map отображение payload type -> кодек с картой apt для RTX.
//
// Перестраивается целиком при каждом FromProperties, инкрементально
// не правится.
type Map struct {
	codecs [128]Codec
	apt    [128]uint8
}

// NewMap создает пустую карту
func NewMap() *Map {
	m := &Map{}
	m.Clear()
	return m
}

// Clear удаляет все отображения
func (m *Map) Clear() {
	for i := range m.codecs {
		m.codecs[i] = CodecUnknown
		m.apt[i] = NotFound
	}
}

// Set связывает payload type с кодеком
func (m *Map) Set(pt uint8, codec Codec) {
	if pt > 127 {
		return
	}
	m.codecs[pt] = codec
}

// SetAPT связывает RTX payload type с защищаемым payload type
func (m *Map) SetAPT(rtxPT, apt uint8) {
	if rtxPT > 127 || apt > 127 {
		return
	}
	m.codecs[rtxPT] = CodecRTX
	m.apt[rtxPT] = apt
}

// GetCodecForType возвращает кодек или CodecUnknown
func (m *Map) GetCodecForType(pt uint8) Codec {
	if pt > 127 {
		return CodecUnknown
	}
	return m.codecs[pt]
}

// GetTypeForCodec возвращает первый (наименьший) payload type кодека или NotFound
func (m *Map) GetTypeForCodec(codec Codec) uint8 {
	for pt, c := range m.codecs {
		if c == codec {
			return uint8(pt)
		}
	}
	return NotFound
}

// GetAPT возвращает защищаемый payload type для RTX или NotFound
func (m *Map) GetAPT(rtxPT uint8) uint8 {
	if rtxPT > 127 {
		return NotFound
	}
	return m.apt[rtxPT]
}

// GetRTXForType возвращает RTX payload type, защищающий pt, или NotFound
func (m *Map) GetRTXForType(pt uint8) uint8 {
	for rtx, apt := range m.apt {
		if apt == pt {
			return uint8(rtx)
		}
	}
	return NotFound
}

// Len количество сопоставленных payload type
func (m *Map) Len() int {
	n := 0
	for _, c := range m.codecs {
		if c != CodecUnknown {
			n++
		}
	}
	return n
}

// FromProperties перестраивает карту из массива "codecs" {codec, pt, rtx}.
// Записи с неизвестным кодеком или без pt пропускаются с предупреждением.
func (m *Map) FromProperties(codecs []*properties.Properties, log logrus.FieldLogger) {
	m.Clear()
	for _, item := range codecs {
		name := item.GetString("codec", "")
		codec := CodecFromName(name)
		pt := item.GetInt("pt", -1)
		if codec == CodecUnknown || pt < 0 || pt > 127 {
			if log != nil {
				log.WithFields(logrus.Fields{"codec": name, "pt": pt}).Warn("пропущен кодек в свойствах")
			}
			continue
		}
		m.Set(uint8(pt), codec)

		if rtx := item.GetInt("rtx", -1); rtx >= 0 && rtx <= 127 {
			m.SetAPT(uint8(rtx), uint8(pt))
		}
	}
}
