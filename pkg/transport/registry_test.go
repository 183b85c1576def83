package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_transport/pkg/rtp"
)

func incoming(media, rtx uint32, mid, rid string) *rtp.IncomingSourceGroup {
	g := rtp.NewIncomingSourceGroup(rtp.MediaVideo, media, rtx, 0, rtp.IncomingSourceGroupConfig{})
	g.MID, g.RID = mid, rid
	return g
}

func TestRegistryIndexes(t *testing.T) {
	r := newRegistry()
	g1 := incoming(1, 2, "v", "")
	g2 := incoming(0, 0, "v", "hi")
	require.NoError(t, r.addIncoming(g1))
	require.NoError(t, r.addIncoming(g2))

	assert.Same(t, g1, r.incomingGroup(2))
	assert.Same(t, g1, r.byMID("v"))
	assert.Same(t, g2, r.byRID("v", "hi"))
	assert.Nil(t, r.byRID("a", "hi"))
	assert.Nil(t, r.incomingGroup(0))

	// перепривязка SSRC видна после rebuild
	g2.Media.SSRC = 7
	r.rebuild()
	assert.Same(t, g2, r.incomingGroup(7))

	assert.ErrorIs(t, r.addIncoming(g1), ErrSSRCAlreadyAssigned)
	assert.ErrorIs(t, r.addIncoming(incoming(7, 0, "", "")), ErrSSRCAlreadyAssigned)
	assert.ErrorIs(t, r.addIncoming(incoming(0, 0, "v", "hi")), ErrSSRCAlreadyAssigned)
	assert.ErrorIs(t, r.addIncoming(incoming(9, 9, "", "")), ErrSSRCAlreadyAssigned, "повтор внутри группы")
	assert.Len(t, r.incoming, 2)

	assert.True(t, r.removeIncoming(g1))
	assert.False(t, r.removeIncoming(g1))
	assert.Nil(t, r.incomingGroup(1))
	assert.Same(t, g2, r.byMID("v"))

	r.clear()
	assert.Empty(t, r.incoming)
	assert.Nil(t, r.incomingGroup(7))
}

func TestRegistryOutgoingSeparateFromIncoming(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.addIncoming(incoming(10, 0, "", "")))

	out := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 10, 11, 0, 10)
	require.NoError(t, r.addOutgoing(out))
	assert.Same(t, out, r.outgoingGroup(11))

	assert.ErrorIs(t, r.addOutgoing(rtp.NewOutgoingSourceGroup(rtp.MediaAudio, 11, 0, 0, 10)), ErrSSRCAlreadyAssigned)
	assert.True(t, r.removeOutgoing(out))
	assert.Nil(t, r.outgoingGroup(10))
}

func TestDemux(t *testing.T) {
	assert.True(t, isDTLS([]byte{22, 254, 253}))
	assert.False(t, isDTLS([]byte{0x80, 96}))
	assert.True(t, isRTCP([]byte{0x80, 200, 0, 6, 0, 0, 0, 1}))
	assert.False(t, isRTCP([]byte{0x80, 96, 0, 6, 0, 0, 0, 1}))
	assert.False(t, isRTCP([]byte{0x80, 200}))

	// V=2, X=1, CC=1: 12 + 4 CSRC + 4 заголовок расширения + 4 данные
	pkt := []byte{0x91, 96, 0, 1, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3, 0xBE, 0xDE, 0, 1, 0x10, 0xFF, 0, 0, 1, 2, 3}
	assert.Equal(t, 24, rtpHeaderLength(pkt))
	assert.Equal(t, 5, rtpHeaderLength(pkt[:5]))
}

func TestErrorCodes(t *testing.T) {
	err := newError(ErrorCodeGroupNotFound, 5, "нет группы", nil)
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.NotErrorIs(t, err, ErrSSRCAlreadyAssigned)
	assert.Contains(t, err.Error(), "ssrc 5")
}
