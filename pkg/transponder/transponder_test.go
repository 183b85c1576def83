package transponder_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_transport/pkg/layers"
	"github.com/arzzra/media_transport/pkg/rtp"
	"github.com/arzzra/media_transport/pkg/transponder"
)

type recorder struct {
	mutex   sync.Mutex
	packets []*rtp.Packet
}

func (r *recorder) Send(p *rtp.Packet) error {
	r.mutex.Lock()
	r.packets = append(r.packets, p)
	r.mutex.Unlock()
	return nil
}

func (r *recorder) sent() []*rtp.Packet {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]*rtp.Packet(nil), r.packets...)
}

type pliRecorder struct {
	mutex sync.Mutex
	ssrcs []uint32
}

func (r *pliRecorder) RequestKeyFrame(group *rtp.IncomingSourceGroup) {
	r.mutex.Lock()
	if group.Media.SSRC != 0 {
		r.ssrcs = append(r.ssrcs, group.Media.SSRC)
	}
	r.mutex.Unlock()
}

func (r *pliRecorder) requests() []uint32 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]uint32(nil), r.ssrcs...)
}

// clock ручное время для пересчета timestamp при переключении
type clock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mutex.Lock()
	c.now = c.now.Add(d)
	c.mutex.Unlock()
}

func h264Packet(ssrc uint32, seq uint32, ts uint64, mark bool) *rtp.Packet {
	p := rtp.NewPacket(rtp.MediaVideo, rtp.CodecH264)
	p.SetSSRC(ssrc)
	p.SetExtSeqNum(seq)
	p.SetExtTimestamp(ts)
	p.SetMark(mark)
	p.SetPayload([]byte{0x41, 0x9a, byte(seq)})
	return p
}

// vp8Payload дескриптор с 15-битным picture id, tl0picidx и TID
func vp8Payload(key bool, tid uint8, sync bool, pictureID uint16, tl0 uint8) []byte {
	t := tid << 6
	if sync {
		t |= 0x20
	}
	frame := byte(0x01)
	if key {
		frame = 0x00
	}
	return []byte{0x90, 0xE0, 0x80 | byte(pictureID>>8), byte(pictureID), tl0, t, frame, 0x00, 0x00}
}

func vp8Packet(ssrc uint32, seq uint32, payload []byte) *rtp.Packet {
	p := rtp.NewPacket(rtp.MediaVideo, rtp.CodecVP8)
	p.SetSSRC(ssrc)
	p.SetExtSeqNum(seq)
	p.SetExtTimestamp(uint64(seq) * 3000)
	p.SetMark(true)
	p.SetPayload(payload)
	return p
}

func newTransponder(t *testing.T, config transponder.Config) (*transponder.Transponder, *rtp.OutgoingSourceGroup, *recorder) {
	t.Helper()
	out := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 7777, 0, 0, 100)
	rec := &recorder{}
	tr := transponder.New(out, rec, config)
	t.Cleanup(tr.Close)
	return tr, out, rec
}

// TestSequenceContinuityAcrossSwitch после смены источника номера
// продолжаются без дыр, незакрытый кадр закрывается заглушкой
func TestSequenceContinuityAcrossSwitch(t *testing.T) {
	clk := &clock{now: time.Unix(1000, 0)}
	tr, _, rec := newTransponder(t, transponder.Config{Now: clk.Now})

	a := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 1, 0, 0, rtp.IncomingSourceGroupConfig{})
	b := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 2, 0, 0, rtp.IncomingSourceGroupConfig{})
	plis := &pliRecorder{}

	tr.SetIncoming(a, plis)
	for seq := uint32(1000); seq <= 1010; seq++ {
		// последний кадр A не закрыт
		tr.OnRTP(a, h264Packet(1, seq, 90000+uint64(seq-1000)*3000, seq < 1010))
	}
	lastA := rec.sent()[10].ExtTimestamp()

	clk.advance(100 * time.Millisecond)
	tr.SetIncoming(b, plis)
	// пакет прежней группы после переключения не пересылается
	tr.OnRTP(a, h264Packet(1, 1011, 200000, true))
	for seq := uint32(50); seq < 55; seq++ {
		tr.OnRTP(b, h264Packet(2, seq, 5000+uint64(seq-50)*3000, true))
	}

	sent := rec.sent()
	require.Len(t, sent, 11+1+5)
	for i, p := range sent {
		assert.Equal(t, uint32(1000+i), p.ExtSeqNum(), "пакет %d", i)
		assert.Equal(t, uint32(7777), p.SSRC())
	}

	filler := sent[11]
	assert.True(t, filler.Mark())
	assert.True(t, filler.IsPaddingOnly())
	assert.Equal(t, lastA, filler.ExtTimestamp())

	// timestamp B сдвинут на реальный интервал 100мс = 9000 тактов
	assert.Equal(t, lastA+9000, sent[12].ExtTimestamp())
	assert.Equal(t, lastA+9000+3000, sent[13].ExtTimestamp())

	assert.Equal(t, []uint32{1, 2}, plis.requests())
	stats := tr.GetStats()
	assert.Equal(t, uint64(1), stats.Fillers)
	assert.Equal(t, uint64(1), stats.Switches)
}

func TestNoFillerForCompletedFrame(t *testing.T) {
	tr, _, rec := newTransponder(t, transponder.Config{})
	a := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 1, 0, 0, rtp.IncomingSourceGroupConfig{})
	b := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 2, 0, 0, rtp.IncomingSourceGroupConfig{})

	tr.SetIncoming(a, nil)
	tr.OnRTP(a, h264Packet(1, 10, 0, true))
	tr.SetIncoming(b, nil)
	tr.OnRTP(b, h264Packet(2, 500, 0, true))

	sent := rec.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, uint32(11), sent[1].ExtSeqNum())
}

// TestDroppedLayersCompactSequence отброшенные слои не оставляют дыр в
// номерах, picture id VP8 растет на единицу
func TestDroppedLayersCompactSequence(t *testing.T) {
	tr, _, rec := newTransponder(t, transponder.Config{RewriteVP8: true})
	in := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 1, 0, 0, rtp.IncomingSourceGroupConfig{})
	tr.SetIncoming(in, nil)
	tr.SelectLayer(layers.MaxLayerID, 0)

	tr.OnRTP(in, vp8Packet(1, 100, vp8Payload(true, 0, false, 500, 3)))
	tr.OnRTP(in, vp8Packet(1, 101, vp8Payload(false, 1, true, 501, 3)))
	tr.OnRTP(in, vp8Packet(1, 102, vp8Payload(false, 0, false, 502, 4)))
	tr.OnRTP(in, vp8Packet(1, 103, vp8Payload(false, 1, true, 503, 4)))
	tr.OnRTP(in, vp8Packet(1, 104, vp8Payload(false, 0, false, 504, 5)))

	sent := rec.sent()
	require.Len(t, sent, 3)
	var pictures []uint16
	var tl0s []uint8
	for i, p := range sent {
		assert.Equal(t, uint32(100+i), p.ExtSeqNum())
		idx, ok := layers.ReadVP8Indexes(p.Payload())
		require.True(t, ok)
		pictures = append(pictures, idx.PictureID)
		tl0s = append(tl0s, idx.TL0PicIdx)
	}
	assert.Equal(t, []uint16{pictures[0], pictures[0] + 1, pictures[0] + 2}, pictures)
	assert.Equal(t, []uint8{tl0s[0], tl0s[0] + 1, tl0s[0] + 2}, tl0s)
	assert.Equal(t, uint64(2), tr.GetStats().Dropped)
}

func TestPLIRouting(t *testing.T) {
	tr, out, _ := newTransponder(t, transponder.Config{})
	in := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 42, 0, 0, rtp.IncomingSourceGroupConfig{})
	plis := &pliRecorder{}

	tr.SetIncoming(in, plis)
	require.Equal(t, []uint32{42}, plis.requests())

	// PLI получателя исходящего потока уходит к источнику
	out.OnPLIRequest(7777)
	assert.Len(t, plis.requests(), 2)

	tr.SelectLayer(0, 0)
	assert.Len(t, plis.requests(), 2, "понижение без PLI")
	tr.SelectLayer(2, 0)
	assert.Len(t, plis.requests(), 3, "повышение пространственного слоя")

	out.OnREMB(7777, 800_000)
	assert.Equal(t, uint64(800_000), tr.GetStats().LastREMB)

	in.Stop(time.Now())
	out.OnPLIRequest(7777)
	assert.Len(t, plis.requests(), 3, "вход завершен")
}

func TestMuteAndPadding(t *testing.T) {
	tr, _, rec := newTransponder(t, transponder.Config{})
	in := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 1, 0, 0, rtp.IncomingSourceGroupConfig{})
	plis := &pliRecorder{}
	tr.SetIncoming(in, plis)

	tr.OnRTP(in, h264Packet(1, 1, 0, true))
	padding := h264Packet(1, 2, 0, false)
	padding.SetPayload(nil)
	tr.OnRTP(in, padding)

	tr.Mute(true)
	tr.OnRTP(in, h264Packet(1, 3, 3000, true))
	tr.Mute(false)
	tr.OnRTP(in, h264Packet(1, 4, 6000, true))

	sent := rec.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, uint32(1), sent[0].ExtSeqNum())
	// паддинг не сдвигает нумерацию, заглушенный пакет вычитается
	assert.Equal(t, uint32(3), sent[1].ExtSeqNum())
	assert.Len(t, plis.requests(), 2, "после снятия mute нужен ключевой кадр")
}

func TestCloseDetaches(t *testing.T) {
	tr, _, rec := newTransponder(t, transponder.Config{})
	in := rtp.NewIncomingSourceGroup(rtp.MediaAudio, 1, 0, 0, rtp.IncomingSourceGroupConfig{})
	tr.SetIncoming(in, nil)

	now := time.Now()
	p := rtp.NewPacket(rtp.MediaAudio, rtp.CodecOpus)
	p.SetSSRC(1)
	p.SetPayload([]byte{1})
	p.ReceivedAt = now
	in.Process(now, p, 20)
	in.AddPacket(now, p)
	require.Len(t, rec.sent(), 1, "доставка через подписку группы")

	tr.Close()
	tr.Close()
	p2 := p.Clone()
	p2.SetSeqNum(1)
	in.AddPacket(now, p2)
	assert.Len(t, rec.sent(), 1)
}

func TestConcurrentControl(t *testing.T) {
	tr, out, rec := newTransponder(t, transponder.Config{})
	in := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 1, 0, 0, rtp.IncomingSourceGroupConfig{})
	tr.SetIncoming(in, &pliRecorder{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for seq := uint32(0); seq < 500; seq++ {
			tr.OnRTP(in, h264Packet(1, seq, uint64(seq)*3000, true))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			tr.SelectLayer(uint8(i%3), layers.MaxLayerID)
			out.OnPLIRequest(7777)
			_ = tr.GetStats()
		}
	}()
	wg.Wait()
	assert.Len(t, rec.sent(), 500)
}
