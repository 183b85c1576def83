package layers

import (
	"errors"

	dd "github.com/livekit/livekit-server/pkg/sfu/dependencydescriptor"

	"github.com/arzzra/media_transport/pkg/rtp"
)

var (
	errShortDescriptor = errors.New("dependency descriptor короче обязательных полей")
	errNoStructure     = errors.New("нет структуры зависимостей для dependency descriptor")
)

// ParseDependencyDescriptor разбирает расширение dependency descriptor.
// Если в пакете нет структуры, используется structure. Возвращает
// дескриптор и действующую для него структуру.
func ParseDependencyDescriptor(data []byte, structure *dd.FrameDependencyStructure) (*dd.DependencyDescriptor, *dd.FrameDependencyStructure, error) {
	if len(data) < 3 {
		return nil, nil, errShortDescriptor
	}
	descriptor := &dd.DependencyDescriptor{}
	ext := &dd.DependencyDescriptorExtension{Descriptor: descriptor, Structure: structure}
	if _, err := ext.Unmarshal(data); err != nil {
		return nil, nil, err
	}
	if descriptor.AttachedStructure != nil {
		structure = descriptor.AttachedStructure
	}
	if structure == nil || descriptor.FrameDependencies == nil {
		return nil, nil, errNoStructure
	}
	return descriptor, structure, nil
}

// StructureLayers наибольшие пространственный и временной слои шаблонов
func StructureLayers(structure *dd.FrameDependencyStructure) (spatial, temporal uint8) {
	for _, tmpl := range structure.Templates {
		if s := uint8(tmpl.SpatialId); s > spatial {
			spatial = s
		}
		if t := uint8(tmpl.TemporalId); t > temporal {
			temporal = t
		}
	}
	return spatial, temporal
}

func frameLayer(descriptor *dd.DependencyDescriptor) LayerInfo {
	return LayerInfo{
		SpatialLayerID:  uint8(descriptor.FrameDependencies.SpatialId),
		TemporalLayerID: uint8(descriptor.FrameDependencies.TemporalId),
	}
}

// selectAV1 выбирает слои по dependency descriptor. Структура шаблонов
// приходит с ключевым кадром, до нее пакеты не пересылаются.
func (s *Selector) selectAV1(p *rtp.Packet) (bool, bool) {
	if !p.Ext.HasDependencyDescriptor {
		return !s.waitingForIntra, p.Mark()
	}
	descriptor, structure, err := ParseDependencyDescriptor(p.Ext.DependencyDescriptor, s.av1)
	if err != nil {
		return false, false
	}

	if s.waitingForIntra {
		if descriptor.AttachedStructure == nil || !descriptor.FirstPacketInFrame {
			return false, false
		}
		s.waitingForIntra = false
	}
	s.av1 = structure

	maxSpatial, maxTemporal := StructureLayers(structure)
	spatial := minU8(s.selectedSpatial, maxSpatial)
	temporal := minU8(s.selectedTemporal, maxTemporal)
	s.currentSpatial, s.currentTemporal = spatial, temporal

	layer := frameLayer(descriptor)
	if layer.SpatialLayerID > spatial || layer.TemporalLayerID > temporal {
		return false, false
	}
	mark := p.Mark() || (descriptor.LastPacketInFrame && layer.SpatialLayerID == spatial)
	return true, mark
}

func minU8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}
