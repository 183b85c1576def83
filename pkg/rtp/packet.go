package rtp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// Packet разобранный RTP пакет, владеющий своими байтами.
//
// Header хранит фиксированный заголовок без сырых расширений: значения
// расширений лежат в Ext и при сериализации кодируются по карте
// отправки. Пакет, сохраняемый в истории, клонируется, а не разделяется.
type Packet struct {
	Header rtp.Header
	Ext    HeaderExtension

	payload []byte
	padding int

	codec     Codec
	mediaType MediaType

	seqCycles    uint16
	extTimestamp uint64

	ReceivedAt time.Time
	SentAt     time.Time

	rtx bool
	osn uint16
}

// NewPacket создает пустой пакет для отправки
func NewPacket(mediaType MediaType, codec Codec) *Packet {
	return &Packet{
		Header:    rtp.Header{Version: 2},
		codec:     codec,
		mediaType: mediaType,
	}
}

// Parse разбирает пакет из буфера. rtpMap и extMap - карты приема.
// Данные копируются, buf можно переиспользовать.
func Parse(buf []byte, rtpMap *Map, extMap *ExtensionMap) (*Packet, error) {
	if len(buf) < 12 {
		return nil, ErrHeaderTooShort
	}
	if buf[0]>>6 != 2 {
		return nil, ErrInvalidVersion
	}

	p := &Packet{mediaType: MediaUnknown, codec: CodecUnknown}
	n := ParseHeader(buf, extMap, &p.Header, &p.Ext)
	if n == 0 {
		return nil, ErrHeaderTooShort
	}
	p.Header.Extension = false
	p.Header.ExtensionProfile = 0
	p.Header.Extensions = nil

	payload := buf[n:]
	if p.Header.Padding {
		if len(payload) == 0 {
			return nil, fmt.Errorf("паддинг без данных: %w", ErrHeaderTooShort)
		}
		pad := int(payload[len(payload)-1])
		if pad == 0 || pad > len(payload) {
			return nil, fmt.Errorf("неверная длина паддинга %d: %w", pad, ErrHeaderTooShort)
		}
		payload = payload[:len(payload)-pad]
		p.padding = pad
	}
	p.payload = append([]byte(nil), payload...)

	if rtpMap != nil {
		p.codec = rtpMap.GetCodecForType(p.Header.PayloadType)
		p.mediaType = p.codec.MediaType()
	}
	return p, nil
}

// Serialize пишет пакет в buf с расширениями по карте отправки.
// Возвращает длину или 0, если буфер мал.
func (p *Packet) Serialize(buf []byte, extMap *ExtensionMap) int {
	p.Header.Padding = p.padding > 0
	n := SerializeHeader(&p.Header, &p.Ext, extMap, buf)
	if n == 0 {
		return 0
	}
	if n+len(p.payload)+p.padding > len(buf) {
		return 0
	}
	n += copy(buf[n:], p.payload)
	if p.padding > 0 {
		for i := 0; i < p.padding-1; i++ {
			buf[n+i] = 0
		}
		buf[n+p.padding-1] = byte(p.padding)
		n += p.padding
	}
	return n
}

// Clone глубокая копия пакета
func (p *Packet) Clone() *Packet {
	c := *p
	c.Header.CSRC = append([]uint32(nil), p.Header.CSRC...)
	c.Header.Extensions = nil
	c.Ext = p.Ext.Clone()
	c.payload = append([]byte(nil), p.payload...)
	return &c
}

// SSRC источник пакета
func (p *Packet) SSRC() uint32 { return p.Header.SSRC }

// SetSSRC меняет источник пакета
func (p *Packet) SetSSRC(ssrc uint32) { p.Header.SSRC = ssrc }

// SeqNum 16-битный номер последовательности из заголовка
func (p *Packet) SeqNum() uint16 { return p.Header.SequenceNumber }

// Timestamp RTP метка времени
func (p *Packet) Timestamp() uint32 { return p.Header.Timestamp }

// Mark бит маркера, обычно последний пакет кадра
func (p *Packet) Mark() bool { return p.Header.Marker }

// SetMark выставляет бит маркера
func (p *Packet) SetMark(mark bool) { p.Header.Marker = mark }

// PayloadType тип нагрузки из заголовка
func (p *Packet) PayloadType() uint8 { return p.Header.PayloadType }

// SetPayloadType задает тип нагрузки, старший бит отбрасывается
func (p *Packet) SetPayloadType(pt uint8) { p.Header.PayloadType = pt & 0x7F }

// Codec кодек, назначенный по типу нагрузки
func (p *Packet) Codec() Codec { return p.codec }

// SetCodec назначает кодек пакета
func (p *Packet) SetCodec(c Codec) { p.codec = c }

// MediaType аудио или видео
func (p *Packet) MediaType() MediaType { return p.mediaType }

// SetMediaType задает тип медиа пакета
func (p *Packet) SetMediaType(m MediaType) { p.mediaType = m }

// SetSeqNum задает 16-битный номер без изменения циклов
func (p *Packet) SetSeqNum(seq uint16) {
	p.Header.SequenceNumber = seq
}

// SeqCycles число циклов номера последовательности
func (p *Packet) SeqCycles() uint16 {
	return p.seqCycles
}

// SetSeqCycles задает число циклов
func (p *Packet) SetSeqCycles(cycles uint16) {
	p.seqCycles = cycles
}

// ExtSeqNum расширенный номер последовательности
func (p *Packet) ExtSeqNum() uint32 {
	return uint32(p.seqCycles)<<16 | uint32(p.Header.SequenceNumber)
}

// SetExtSeqNum задает расширенный номер и 16-битный номер на проводе
func (p *Packet) SetExtSeqNum(ext uint32) {
	p.seqCycles = uint16(ext >> 16)
	p.Header.SequenceNumber = uint16(ext)
}

// SetTimestamp задает 32-битный timestamp. Расширенный сбрасывается на него.
func (p *Packet) SetTimestamp(ts uint32) {
	p.Header.Timestamp = ts
	p.extTimestamp = p.extTimestamp&^0xFFFFFFFF | uint64(ts)
}

// ExtTimestamp расширенный timestamp
func (p *Packet) ExtTimestamp() uint64 {
	if p.extTimestamp == 0 {
		return uint64(p.Header.Timestamp)
	}
	return p.extTimestamp
}

// SetExtTimestamp задает расширенный timestamp и timestamp на проводе
func (p *Packet) SetExtTimestamp(ts uint64) {
	p.extTimestamp = ts
	p.Header.Timestamp = uint32(ts)
}

// Payload медиа-данные без паддинга
func (p *Packet) Payload() []byte {
	return p.payload
}

// SetPayload копирует медиа-данные в пакет
func (p *Packet) SetPayload(payload []byte) {
	p.payload = append(p.payload[:0], payload...)
}

// MediaLength длина медиа-данных. 0 - пакет только из паддинга.
func (p *Packet) MediaLength() int {
	return len(p.payload)
}

// IsPaddingOnly пакет без медиа-данных
func (p *Packet) IsPaddingOnly() bool {
	return len(p.payload) == 0
}

// Padding число байт паддинга
func (p *Packet) Padding() int {
	return p.padding
}

// SetPadding задает число байт паддинга (0..255)
func (p *Packet) SetPadding(n int) {
	if n < 0 {
		n = 0
	}
	if n > 255 {
		n = 255
	}
	p.padding = n
}

// Size размер пакета на проводе без учета SRTP
func (p *Packet) Size(extMap *ExtensionMap) int {
	return HeaderSize(&p.Header, &p.Ext, extMap) + len(p.payload) + p.padding
}

// IsRTX true, если пакет обернут в RTX и OSN еще не восстановлен
func (p *Packet) IsRTX() bool {
	return p.rtx
}

// OSN исходный номер последовательности RTX пакета
func (p *Packet) OSN() uint16 {
	return p.osn
}

// WrapRTX превращает пакет в RTX (RFC 4588): добавляет OSN перед данными
// и подменяет SSRC, payload type и номер. Вызывается на клоне.
func (p *Packet) WrapRTX(ssrc uint32, pt uint8, seq uint16) {
	p.osn = p.Header.SequenceNumber
	payload := make([]byte, 2+len(p.payload))
	binary.BigEndian.PutUint16(payload, p.osn)
	copy(payload[2:], p.payload)
	p.payload = payload

	p.Header.SSRC = ssrc
	p.Header.PayloadType = pt & 0x7F
	p.Header.SequenceNumber = seq
	p.rtx = true
}

// RecoverOSN снимает OSN с RTX пакета и восстанавливает исходный номер.
// SSRC и payload type восстанавливает вызывающий по карте apt.
func (p *Packet) RecoverOSN() error {
	if len(p.payload) < 2 {
		return ErrRTXTooShort
	}
	p.osn = binary.BigEndian.Uint16(p.payload)
	p.payload = p.payload[2:]
	p.Header.SequenceNumber = p.osn
	p.rtx = false
	return nil
}

// IsKeyFrame определяет, начинает ли пакет ключевой кадр
func (p *Packet) IsKeyFrame() bool {
	payload := p.payload
	if len(payload) == 0 {
		return false
	}
	switch p.codec {
	case CodecVP8:
		var vp8 codecs.VP8Packet
		frame, err := vp8.Unmarshal(payload)
		if err != nil || vp8.S != 1 || vp8.PID != 0 || len(frame) == 0 {
			return false
		}
		return frame[0]&0x01 == 0
	case CodecVP9:
		var vp9 codecs.VP9Packet
		if _, err := vp9.Unmarshal(payload); err != nil {
			return false
		}
		return !vp9.P && vp9.B && vp9.SID == 0
	case CodecH264:
		return isH264KeyFrame(payload)
	case CodecH265:
		return isH265KeyFrame(payload)
	case CodecAV1:
		// N: первый пакет новой кодированной видеопоследовательности
		return payload[0]&0x08 != 0
	default:
		return p.mediaType == MediaAudio || p.codec.MediaType() == MediaAudio
	}
}

func isH264KeyFrame(payload []byte) bool {
	const (
		naluIDR   = 5
		naluSPS   = 7
		naluSTAPA = 24
		naluFUA   = 28
	)
	switch nal := payload[0] & 0x1F; nal {
	case naluIDR, naluSPS:
		return true
	case naluSTAPA:
		for i := 1; i+2 < len(payload); {
			size := int(binary.BigEndian.Uint16(payload[i:]))
			i += 2
			if i >= len(payload) {
				break
			}
			if t := payload[i] & 0x1F; t == naluIDR || t == naluSPS {
				return true
			}
			i += size
		}
	case naluFUA:
		if len(payload) > 1 && payload[1]&0x80 != 0 {
			return payload[1]&0x1F == naluIDR
		}
	}
	return false
}

func isH265KeyFrame(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	irap := func(t byte) bool { return (t >= 16 && t <= 21) || (t >= 32 && t <= 34) }
	t := (payload[0] >> 1) & 0x3F
	if t == 49 && len(payload) > 2 {
		return payload[2]&0x80 != 0 && irap(payload[2]&0x3F)
	}
	return irap(t)
}

func (p *Packet) String() string {
	return fmt.Sprintf("[RTP ssrc=%d pt=%d seq=%d ext=%d ts=%d mark=%t len=%d pad=%d codec=%s]",
		p.Header.SSRC, p.Header.PayloadType, p.Header.SequenceNumber, p.ExtSeqNum(),
		p.Header.Timestamp, p.Header.Marker, len(p.payload), p.padding, p.codec)
}
