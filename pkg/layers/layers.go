// Пакет layers - выбор пространственных и временных слоев видео.
//
// Selector - закрытый вариант по кодеку (VP8, VP9, AV1 с dependency
// descriptor). Для каждого пакета он решает, пересылать ли его при
// выбранных потолках слоев, и какой бит marker поставить, чтобы
// последний пакет кадра выбранного слоя закрывал кадр.
package layers

import (
	"errors"
	"fmt"

	dd "github.com/livekit/livekit-server/pkg/sfu/dependencydescriptor"

	"github.com/arzzra/media_transport/pkg/rtp"
)

// MaxLayerID потолок "все слои"
const MaxLayerID uint8 = 0xFF

// ErrUnsupportedCodec кодек без селектора слоев
var ErrUnsupportedCodec = errors.New("кодек не поддерживает выбор слоев")

// LayerInfo идентификаторы слоев пакета
type LayerInfo struct {
	SpatialLayerID  uint8
	TemporalLayerID uint8
}

func (l LayerInfo) String() string {
	return fmt.Sprintf("S%dT%d", l.SpatialLayerID, l.TemporalLayerID)
}

// Selector состояние выбора слоев для одного потока
type Selector struct {
	codec rtp.Codec

	selectedSpatial  uint8
	selectedTemporal uint8
	currentSpatial   uint8
	currentTemporal  uint8

	waitingForIntra bool

	av1 *dd.FrameDependencyStructure
}

// IsSupported true, если для кодека есть селектор
func IsSupported(codec rtp.Codec) bool {
	switch codec {
	case rtp.CodecVP8, rtp.CodecVP9, rtp.CodecAV1:
		return true
	}
	return false
}

// NewSelector создает селектор для кодека. Новый селектор ждет ключевой кадр.
func NewSelector(codec rtp.Codec) (*Selector, error) {
	if !IsSupported(codec) {
		return nil, fmt.Errorf("%s: %w", codec, ErrUnsupportedCodec)
	}
	return &Selector{
		codec:            codec,
		selectedSpatial:  MaxLayerID,
		selectedTemporal: MaxLayerID,
		currentSpatial:   MaxLayerID,
		currentTemporal:  MaxLayerID,
		waitingForIntra:  true,
	}, nil
}

// Codec кодек селектора
func (s *Selector) Codec() rtp.Codec {
	return s.codec
}

// SelectSpatialLayer задает потолок пространственного слоя (включительно)
func (s *Selector) SelectSpatialLayer(id uint8) {
	s.selectedSpatial = id
}

// SelectTemporalLayer задает потолок временного слоя (включительно)
func (s *Selector) SelectTemporalLayer(id uint8) {
	s.selectedTemporal = id
}

// SpatialLayer выбранный потолок пространственного слоя
func (s *Selector) SpatialLayer() uint8 {
	return s.selectedSpatial
}

// TemporalLayer выбранный потолок временного слоя
func (s *Selector) TemporalLayer() uint8 {
	return s.selectedTemporal
}

// IsWaitingForIntra true, пока для продолжения нужен ключевой кадр
func (s *Selector) IsWaitingForIntra() bool {
	return s.waitingForIntra
}

// Reset возвращает селектор в ожидание ключевого кадра
func (s *Selector) Reset() {
	s.waitingForIntra = true
	s.currentSpatial = MaxLayerID
	s.currentTemporal = MaxLayerID
	s.av1 = nil
}

// Select решает, пересылать ли пакет, и возвращает новый бит marker
func (s *Selector) Select(p *rtp.Packet) (forward bool, mark bool) {
	switch s.codec {
	case rtp.CodecVP8:
		return s.selectVP8(p)
	case rtp.CodecVP9:
		return s.selectVP9(p)
	case rtp.CodecAV1:
		return s.selectAV1(p)
	}
	return true, p.Mark()
}

// GetLayerIDs слои пакета без учета состояния селектора.
// Для AV1 слои известны только из пакета со структурой зависимостей.
func GetLayerIDs(p *rtp.Packet) []LayerInfo {
	switch p.Codec() {
	case rtp.CodecVP8:
		if d, ok := parseVP8(p.Payload()); ok {
			return []LayerInfo{{TemporalLayerID: d.tid}}
		}
	case rtp.CodecVP9:
		if d, ok := parseVP9(p.Payload()); ok {
			return []LayerInfo{{SpatialLayerID: d.sid, TemporalLayerID: d.tid}}
		}
	case rtp.CodecAV1:
		if p.Ext.HasDependencyDescriptor {
			if descriptor, _, err := ParseDependencyDescriptor(p.Ext.DependencyDescriptor, nil); err == nil {
				return []LayerInfo{frameLayer(descriptor)}
			}
		}
	}
	if p.Ext.HasFrameMarking {
		return []LayerInfo{{SpatialLayerID: p.Ext.FrameMarks.LayerID, TemporalLayerID: p.Ext.FrameMarks.TemporalLayerID}}
	}
	return nil
}
