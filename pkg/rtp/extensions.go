package rtp

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/media_transport/pkg/properties"
)

// URI расширений заголовка RTP
const (
	URIAudioLevel           = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	URITimeOffset           = "urn:ietf:params:rtp-hdrext:toffset"
	URIAbsSendTime          = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	URIVideoOrientation     = "urn:3gpp:video-orientation"
	URITransportWideCC      = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	URIFrameMarking         = "urn:ietf:params:rtp-hdrext:framemarking"
	URIFrameMarkingDraft07  = "http://tools.ietf.org/html/draft-ietf-avtext-framemarking-07"
	URIRID                  = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"
	URIRepairedRID          = "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id"
	URIMID                  = "urn:ietf:params:rtp-hdrext:sdes:mid"
	URIDependencyDescriptor = "https://aomediacodec.github.io/av1-rtp-spec/#dependency-descriptor-rtp-header-extension"
)

// ExtensionType тип расширения заголовка
type ExtensionType int

const (
	ExtUnknown ExtensionType = iota
	ExtAudioLevel
	ExtTimeOffset
	ExtAbsSendTime
	ExtVideoOrientation
	ExtTransportWideCC
	ExtFrameMarking
	ExtRID
	ExtRepairedRID
	ExtMID
	ExtDependencyDescriptor
)

func (t ExtensionType) String() string {
	switch t {
	case ExtAudioLevel:
		return "audio-level"
	case ExtTimeOffset:
		return "toffset"
	case ExtAbsSendTime:
		return "abs-send-time"
	case ExtVideoOrientation:
		return "video-orientation"
	case ExtTransportWideCC:
		return "transport-wide-cc"
	case ExtFrameMarking:
		return "framemarking"
	case ExtRID:
		return "rid"
	case ExtRepairedRID:
		return "repaired-rid"
	case ExtMID:
		return "mid"
	case ExtDependencyDescriptor:
		return "dependency-descriptor"
	default:
		return "unknown"
	}
}

// ExtensionTypeFromURI возвращает тип по URI или ExtUnknown
func ExtensionTypeFromURI(uri string) ExtensionType {
	switch strings.TrimSpace(uri) {
	case URIAudioLevel:
		return ExtAudioLevel
	case URITimeOffset:
		return ExtTimeOffset
	case URIAbsSendTime:
		return ExtAbsSendTime
	case URIVideoOrientation:
		return ExtVideoOrientation
	case URITransportWideCC:
		return ExtTransportWideCC
	case URIFrameMarking, URIFrameMarkingDraft07:
		return ExtFrameMarking
	case URIRID:
		return ExtRID
	case URIRepairedRID:
		return ExtRepairedRID
	case URIMID:
		return ExtMID
	case URIDependencyDescriptor:
		return ExtDependencyDescriptor
	default:
		return ExtUnknown
	}
}

// ExtensionMap двунаправленное отображение id <-> тип расширения
type ExtensionMap struct {
	types [256]ExtensionType
	ids   map[ExtensionType]uint8
}

// NewExtensionMap создает пустую карту
func NewExtensionMap() *ExtensionMap {
	return &ExtensionMap{ids: make(map[ExtensionType]uint8)}
}

// Clear удаляет все отображения
func (m *ExtensionMap) Clear() {
	m.types = [256]ExtensionType{}
	m.ids = make(map[ExtensionType]uint8)
}

// Set связывает id с типом. id 0 зарезервирован.
func (m *ExtensionMap) Set(id uint8, t ExtensionType) {
	if id == 0 || t == ExtUnknown {
		return
	}
	if old, ok := m.ids[t]; ok {
		m.types[old] = ExtUnknown
	}
	m.types[id] = t
	m.ids[t] = id
}

// GetTypeForID тип расширения для id
func (m *ExtensionMap) GetTypeForID(id uint8) ExtensionType {
	return m.types[id]
}

// GetIDForType id для типа или 0
func (m *ExtensionMap) GetIDForType(t ExtensionType) uint8 {
	return m.ids[t]
}

// Has true, если тип сопоставлен
func (m *ExtensionMap) Has(t ExtensionType) bool {
	_, ok := m.ids[t]
	return ok
}

// Remove удаляет тип из карты
func (m *ExtensionMap) Remove(t ExtensionType) {
	if id, ok := m.ids[t]; ok {
		m.types[id] = ExtUnknown
		delete(m.ids, t)
	}
}

// Clone копия карты
func (m *ExtensionMap) Clone() *ExtensionMap {
	c := NewExtensionMap()
	c.types = m.types
	for t, id := range m.ids {
		c.ids[t] = id
	}
	return c
}

// FromProperties перестраивает карту из массива "ext" {uri, id}
func (m *ExtensionMap) FromProperties(exts []*properties.Properties, log logrus.FieldLogger) {
	m.Clear()
	for _, item := range exts {
		uri := item.GetString("uri", "")
		id := item.GetInt("id", 0)
		t := ExtensionTypeFromURI(uri)
		if t == ExtUnknown || id <= 0 || id > 255 {
			if log != nil {
				log.WithFields(logrus.Fields{"uri": uri, "id": id}).Debug("пропущено расширение в свойствах")
			}
			continue
		}
		m.Set(uint8(id), t)
	}
}
