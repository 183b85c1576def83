// Пакет rtp - ядро RTP для медиа-транспорта SFU.
//
// Содержит кодек заголовка и расширений RFC 5285 поверх pion/rtp,
// карты payload type и идентификаторов расширений, разобранный пакет
// с расширенными номерами последовательности, учет входящих и исходящих
// источников (RFC 3550), группы источников с окном NACK и историей RTX.
//
// Все типы, кроме OutgoingSource и слушателей групп, рассчитаны на
// работу в одном цикле событий транспорта и не синхронизированы.
package rtp

import "strings"

// MediaType тип медиа группы источников
type MediaType int

const (
	MediaUnknown MediaType = iota - 1
	MediaAudio
	MediaVideo
	MediaText
)

func (m MediaType) String() string {
	switch m {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	case MediaText:
		return "text"
	default:
		return "unknown"
	}
}

// MediaTypeFromString разбирает "audio", "video", "text"
func MediaTypeFromString(s string) MediaType {
	switch strings.ToLower(s) {
	case "audio":
		return MediaAudio
	case "video":
		return MediaVideo
	case "text":
		return MediaText
	default:
		return MediaUnknown
	}
}

// ClockRate частота RTP часов по умолчанию для типа медиа
func (m MediaType) ClockRate() uint32 {
	switch m {
	case MediaAudio:
		return 48000
	case MediaText:
		return 1000
	default:
		return 90000
	}
}

// Codec логический кодек, разрешаемый через Map
type Codec int

const CodecUnknown Codec = -1

const (
	CodecPCMU Codec = iota
	CodecPCMA
	CodecG722
	CodecOpus
	CodecTelephoneEvent
	CodecVP8
	CodecVP9
	CodecH264
	CodecH265
	CodecAV1
	CodecRED
	CodecRTX
	CodecULPFEC
	CodecFlexFEC
	CodecT140
)

var codecNames = map[Codec]string{
	CodecPCMU:           "pcmu",
	CodecPCMA:           "pcma",
	CodecG722:           "g722",
	CodecOpus:           "opus",
	CodecTelephoneEvent: "telephone-event",
	CodecVP8:            "vp8",
	CodecVP9:            "vp9",
	CodecH264:           "h264",
	CodecH265:           "h265",
	CodecAV1:            "av1",
	CodecRED:            "red",
	CodecRTX:            "rtx",
	CodecULPFEC:         "ulpfec",
	CodecFlexFEC:        "flexfec-03",
	CodecT140:           "t140",
}

func (c Codec) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return "unknown"
}

// CodecFromName разбирает имя кодека без учета регистра.
// Для неизвестного имени возвращает CodecUnknown.
func CodecFromName(name string) Codec {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "av1x":
		return CodecAV1
	case "flexfec":
		return CodecFlexFEC
	}
	for c, n := range codecNames {
		if n == name {
			return c
		}
	}
	return CodecUnknown
}

// MediaType тип медиа кодека
func (c Codec) MediaType() MediaType {
	switch c {
	case CodecPCMU, CodecPCMA, CodecG722, CodecOpus, CodecTelephoneEvent:
		return MediaAudio
	case CodecVP8, CodecVP9, CodecH264, CodecH265, CodecAV1:
		return MediaVideo
	case CodecT140:
		return MediaText
	default:
		return MediaUnknown
	}
}

// IsFEC true для кодеков избыточности
func (c Codec) IsFEC() bool {
	return c == CodecULPFEC || c == CodecFlexFEC
}
