package rtp_test

import (
	"testing"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_transport/pkg/rtp"
)

func testExtensionMap() *rtp.ExtensionMap {
	m := rtp.NewExtensionMap()
	m.Set(1, rtp.ExtAudioLevel)
	m.Set(2, rtp.ExtTimeOffset)
	m.Set(3, rtp.ExtAbsSendTime)
	m.Set(4, rtp.ExtTransportWideCC)
	m.Set(5, rtp.ExtVideoOrientation)
	m.Set(6, rtp.ExtFrameMarking)
	m.Set(7, rtp.ExtRID)
	m.Set(8, rtp.ExtRepairedRID)
	m.Set(9, rtp.ExtMID)
	return m
}

// TestHeaderRoundTrip проверяет, что разбор сериализованного заголовка
// возвращает те же поля
func TestHeaderRoundTrip(t *testing.T) {
	extMap := testExtensionMap()
	h := pionrtp.Header{
		Version:        2,
		Marker:         true,
		PayloadType:    96,
		SequenceNumber: 65000,
		Timestamp:      0xDEADBEEF,
		SSRC:           0x11223344,
		CSRC:           []uint32{1, 2},
	}
	ext := rtp.HeaderExtension{
		HasAudioLevel:       true,
		VAD:                 true,
		Level:               42,
		HasTimeOffset:       true,
		TimeOffset:          -1234,
		HasAbsSendTime:      true,
		AbsSendTime:         0xABCDEF,
		HasTransportSeqNum:  true,
		TransportSeqNum:     777,
		HasVideoOrientation: true,
		CVO:                 rtp.VideoOrientation{Camera: true, Rotation: 3},
		HasFrameMarking:     true,
		FrameMarks:          rtp.FrameMarks{StartOfFrame: true, Independent: true, TemporalLayerID: 2, Scalable: true, LayerID: 1, TL0PicIdx: 9},
		HasRID:              true,
		RID:                 "hi",
		HasRepairedRID:      true,
		RepairedRID:         "lo",
		HasMID:              true,
		MID:                 "video0",
	}

	buf := make([]byte, 256)
	n := rtp.SerializeHeader(&h, &ext, extMap, buf)
	require.NotZero(t, n)
	assert.Equal(t, n, rtp.HeaderSize(&h, &ext, extMap))

	var parsed pionrtp.Header
	var parsedExt rtp.HeaderExtension
	m := rtp.ParseHeader(buf[:n], extMap, &parsed, &parsedExt)
	require.Equal(t, n, m)

	assert.Equal(t, h.Marker, parsed.Marker)
	assert.Equal(t, h.PayloadType, parsed.PayloadType)
	assert.Equal(t, h.SequenceNumber, parsed.SequenceNumber)
	assert.Equal(t, h.Timestamp, parsed.Timestamp)
	assert.Equal(t, h.SSRC, parsed.SSRC)
	assert.Equal(t, h.CSRC, parsed.CSRC)
	assert.Equal(t, ext, parsedExt)
}

// TestHeaderOnlyRoundTrip заголовок без полезной нагрузки, последний
// элемент расширения заканчивается ровно на конце буфера
func TestHeaderOnlyRoundTrip(t *testing.T) {
	extMap := testExtensionMap()
	cases := []struct {
		name string
		ext  rtp.HeaderExtension
	}{
		{"abs-send-time", rtp.HeaderExtension{HasAbsSendTime: true, AbsSendTime: 0x123456}},
		{"time-offset", rtp.HeaderExtension{HasTimeOffset: true, TimeOffset: 1234}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := pionrtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 7, Timestamp: 90000, SSRC: 10}
			ext := tc.ext
			buf := make([]byte, 64)
			n := rtp.SerializeHeader(&h, &ext, extMap, buf)
			require.Equal(t, 20, n)

			var parsed pionrtp.Header
			var parsedExt rtp.HeaderExtension
			require.Equal(t, n, rtp.ParseHeader(buf[:n], extMap, &parsed, &parsedExt))
			assert.Equal(t, h.SequenceNumber, parsed.SequenceNumber)
			assert.Equal(t, ext, parsedExt)

			p, err := rtp.Parse(buf[:n], nil, extMap)
			require.NoError(t, err)
			assert.Empty(t, p.Payload())
			assert.Equal(t, ext, p.Ext)
		})
	}
}

func TestSerializeHeaderInsufficientSpace(t *testing.T) {
	h := pionrtp.Header{Version: 2, SSRC: 1}
	assert.Zero(t, rtp.SerializeHeader(&h, nil, nil, make([]byte, 8)))
}

func TestParseHeaderRejectsVersion(t *testing.T) {
	buf := make([]byte, 12)
	buf[0] = 0x40 // версия 1
	var h pionrtp.Header
	var ext rtp.HeaderExtension
	assert.Zero(t, rtp.ParseHeader(buf, nil, &h, &ext))
	assert.Zero(t, rtp.ParseHeader(buf[:5], nil, &h, &ext))
}

// TestParseSkipsUnknownAndPadding проверяет пропуск неизвестных id и нулевого паддинга
func TestParseSkipsUnknownAndPadding(t *testing.T) {
	buf := []byte{
		0x90, 96, 0x00, 0x01, // V=2 X=1, pt, seq
		0, 0, 0, 1, // ts
		0, 0, 0, 2, // ssrc
		0xBE, 0xDE, 0x00, 0x02,
		0x50, 0xAA, // id 5 не сопоставлен в этой карте
		0x00,             // паддинг
		0x31, 0x12, 0x34, // id 3, 2 байта
		0x00, 0x00,
	}
	extMap := rtp.NewExtensionMap()
	extMap.Set(3, rtp.ExtTransportWideCC)

	var h pionrtp.Header
	var ext rtp.HeaderExtension
	n := rtp.ParseHeader(buf, extMap, &h, &ext)
	require.Equal(t, len(buf), n)
	assert.True(t, ext.HasTransportSeqNum)
	assert.Equal(t, uint16(0x1234), ext.TransportSeqNum)
	assert.False(t, ext.HasVideoOrientation)
}

func TestAbsSendTimeConversion(t *testing.T) {
	assert.Equal(t, uint32(1<<18), rtp.AbsSendTimeFromMs(1000))
	assert.Equal(t, uint64(1000), rtp.AbsSendTimeToMs(1<<18))
	// 64 секунды переполняют 6 бит целой части
	assert.Equal(t, uint32(0), rtp.AbsSendTimeFromMs(64000))

	for _, ms := range []uint64{0, 1, 250, 33333, 63999} {
		got := rtp.AbsSendTimeToMs(rtp.AbsSendTimeFromMs(ms))
		assert.InDelta(t, float64(ms), float64(got), 1, "ms=%d", ms)
	}
}

func TestTimeOffsetSignMagnitude(t *testing.T) {
	assert.Equal(t, uint32(0x800005), rtp.TimeOffsetToWire(-5))
	assert.Equal(t, int32(-5), rtp.TimeOffsetFromWire(0x800005))
	assert.Equal(t, int32(0x7FFFFF), rtp.TimeOffsetFromWire(rtp.TimeOffsetToWire(0x7FFFFF)))
	assert.Equal(t, int32(-0x7FFFFF), rtp.TimeOffsetFromWire(rtp.TimeOffsetToWire(-0x7FFFFF)))
}

func TestExtensionMapFromURI(t *testing.T) {
	m := rtp.NewExtensionMap()
	m.Set(3, rtp.ExtMID)
	m.Set(4, rtp.ExtMID)
	assert.Equal(t, uint8(4), m.GetIDForType(rtp.ExtMID))
	assert.Equal(t, rtp.ExtUnknown, m.GetTypeForID(3), "старый id освобождается")
	assert.Equal(t, rtp.ExtFrameMarking, rtp.ExtensionTypeFromURI(rtp.URIFrameMarkingDraft07))
}
