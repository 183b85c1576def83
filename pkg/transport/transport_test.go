package transport

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_transport/pkg/eventloop"
	"github.com/arzzra/media_transport/pkg/logger"
	"github.com/arzzra/media_transport/pkg/properties"
	"github.com/arzzra/media_transport/pkg/rtp"
	"github.com/arzzra/media_transport/pkg/srtp"
	"github.com/arzzra/media_transport/pkg/transponder"
)

const testSuite = "AES_CM_128_HMAC_SHA1_80"

var (
	addrA = Address{IP: "10.0.0.1", Port: 5000}
	addrB = Address{IP: "10.0.0.2", Port: 6000}
)

func testKey(seed byte) []byte {
	key := make([]byte, 30)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

// capture Sender, запоминающий датаграммы и, если задан forward,
// передающий их встречному транспорту
type capture struct {
	mutex   sync.Mutex
	packets [][]byte
	forward *Transport
	from    Candidate
	drop    func(data []byte) bool
}

func (c *capture) Send(_ Candidate, data []byte) error {
	c.mutex.Lock()
	dropped := c.drop != nil && c.drop(data)
	if !dropped {
		c.packets = append(c.packets, data)
	}
	forward, from := c.forward, c.from
	c.mutex.Unlock()

	if forward != nil && !dropped {
		forward.OnData(from, data)
	}
	return nil
}

func (c *capture) take() [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := c.packets
	c.packets = nil
	return out
}

func (c *capture) connect(to *Transport, from Candidate) {
	c.mutex.Lock()
	c.forward, c.from = to, from
	c.mutex.Unlock()
}

type sessionListener struct {
	mutex     sync.Mutex
	states    []State
	activated []Candidate
	timeouts  int
}

func (l *sessionListener) OnRemoteICECandidateActivated(_ *Transport, c Candidate) {
	l.mutex.Lock()
	l.activated = append(l.activated, c)
	l.mutex.Unlock()
}

func (l *sessionListener) OnDTLSStateChanged(_ *Transport, state State) {
	l.mutex.Lock()
	l.states = append(l.states, state)
	l.mutex.Unlock()
}

func (l *sessionListener) OnICETimeout(*Transport) {
	l.mutex.Lock()
	l.timeouts++
	l.mutex.Unlock()
}

func (l *sessionListener) snapshot() ([]State, []Candidate, int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]State(nil), l.states...), append([]Candidate(nil), l.activated...), l.timeouts
}

type rtpCollector struct {
	mutex    sync.Mutex
	seqs     []uint16
	payloads map[uint16][]byte
	byes     int
}

func newCollector() *rtpCollector {
	return &rtpCollector{payloads: make(map[uint16][]byte)}
}

func (c *rtpCollector) OnRTP(_ *rtp.IncomingSourceGroup, p *rtp.Packet) {
	c.mutex.Lock()
	c.seqs = append(c.seqs, p.SeqNum())
	c.payloads[p.SeqNum()] = append([]byte(nil), p.Payload()...)
	c.mutex.Unlock()
}

func (c *rtpCollector) OnBye(*rtp.IncomingSourceGroup) {
	c.mutex.Lock()
	c.byes++
	c.mutex.Unlock()
}

func (c *rtpCollector) OnEnded(*rtp.IncomingSourceGroup) {}

func (c *rtpCollector) received() []uint16 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]uint16(nil), c.seqs...)
}

type groupListener struct {
	mutex sync.Mutex
	plis  []uint32
	rembs []uint64
}

func (l *groupListener) OnPLIRequest(_ *rtp.OutgoingSourceGroup, ssrc uint32) {
	l.mutex.Lock()
	l.plis = append(l.plis, ssrc)
	l.mutex.Unlock()
}

func (l *groupListener) OnREMB(_ *rtp.OutgoingSourceGroup, _ uint32, bitrate uint64) {
	l.mutex.Lock()
	l.rembs = append(l.rembs, bitrate)
	l.mutex.Unlock()
}

func codecItem(codec string, pt, rtx int) *properties.Properties {
	item := properties.New()
	item.Set("codec", codec)
	item.Set("pt", pt)
	if rtx >= 0 {
		item.Set("rtx", rtx)
	}
	return item
}

func extItem(uri string, id int) *properties.Properties {
	item := properties.New()
	item.Set("uri", uri)
	item.Set("id", id)
	return item
}

// testProperties VP8 с RTX, opus и расширения transport-wide, MID и RID
func testProperties(uris ...string) *properties.Properties {
	props := properties.New()
	props.AppendChild("video.codecs", codecItem("vp8", 96, 97))
	props.AppendChild("audio.codecs", codecItem("opus", 111, -1))
	for i, uri := range uris {
		props.AppendChild("video.ext", extItem(uri, i+1))
	}
	return props
}

func newTestTransport(t *testing.T, sender Sender, mutate func(*Config)) *Transport {
	t.Helper()
	loop := eventloop.New(eventloop.Config{Name: t.Name()})
	loop.Start()
	t.Cleanup(loop.Stop)

	cfg := DefaultConfig()
	cfg.Loop = loop
	cfg.Sender = sender
	cfg.Logger = logger.Discard()
	if mutate != nil {
		mutate(&cfg)
	}
	tr, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(tr.Stop)
	return tr
}

// newPair два транспорта, соединенные через capture, с SDES ключами
func newPair(t *testing.T, props *properties.Properties, mutate func(*Config)) (*Transport, *Transport, *capture, *capture) {
	t.Helper()
	ca, cb := &capture{}, &capture{}
	a := newTestTransport(t, ca, mutate)
	b := newTestTransport(t, cb, mutate)
	ca.connect(b, addrA)
	cb.connect(a, addrB)

	require.NoError(t, a.SetLocalCryptoSDES(testSuite, testKey(1)))
	require.NoError(t, b.SetRemoteCryptoSDES(testSuite, testKey(1)))
	require.NoError(t, b.SetLocalCryptoSDES(testSuite, testKey(100)))
	require.NoError(t, a.SetRemoteCryptoSDES(testSuite, testKey(100)))

	for _, tr := range []*Transport{a, b} {
		require.NoError(t, tr.SetLocalProperties(props))
		require.NoError(t, tr.SetRemoteProperties(props))
	}
	a.ActivateRemoteCandidate(addrB, true, 1)
	b.ActivateRemoteCandidate(addrA, true, 1)
	return a, b, ca, cb
}

func videoPacket(ssrc uint32, seq uint16) *rtp.Packet {
	p := rtp.NewPacket(rtp.MediaVideo, rtp.CodecVP8)
	p.SetSSRC(ssrc)
	p.SetSeqNum(seq)
	p.SetTimestamp(90000 + uint32(seq)*3000)
	// P=1: не ключевой кадр
	p.SetPayload([]byte{0x10, 0x01, byte(seq), 0xAA})
	return p
}

func rtpHeader(data []byte) (ssrc uint32, seq uint16, ok bool) {
	if len(data) < 12 || isRTCP(data) || isDTLS(data) {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(data[8:12]), binary.BigEndian.Uint16(data[2:4]), true
}

func TestNewRequiresLoopAndSender(t *testing.T) {
	_, err := New(Config{Sender: &capture{}})
	assert.ErrorIs(t, err, ErrInvalidState)

	loop := eventloop.New(eventloop.Config{Name: t.Name()})
	_, err = New(Config{Loop: loop})
	assert.ErrorIs(t, err, ErrInvalidState)
}

// TestIncomingSSRCIsExclusive вторая группа с занятым SSRC не
// регистрируется, поиск возвращает первую
func TestIncomingSSRCIsExclusive(t *testing.T) {
	tr := newTestTransport(t, &capture{}, nil)

	g1 := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 100, 101, 0, rtp.IncomingSourceGroupConfig{})
	g2 := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 100, 0, 0, rtp.IncomingSourceGroupConfig{})
	g3 := rtp.NewIncomingSourceGroup(rtp.MediaAudio, 200, 101, 0, rtp.IncomingSourceGroupConfig{})

	require.NoError(t, tr.AddIncomingSourceGroup(g1))
	err := tr.AddIncomingSourceGroup(g2)
	assert.ErrorIs(t, err, ErrSSRCAlreadyAssigned)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, uint32(100), terr.SSRC)

	assert.ErrorIs(t, tr.AddIncomingSourceGroup(g3), ErrSSRCAlreadyAssigned)
	assert.Nil(t, tr.GetIncomingSourceGroup(200), "частично добавленная группа")
	assert.Same(t, g1, tr.GetIncomingSourceGroup(100))
	assert.Same(t, g1, tr.GetIncomingSourceGroup(101))

	require.NoError(t, tr.RemoveIncomingSourceGroup(g1))
	assert.ErrorIs(t, tr.RemoveIncomingSourceGroup(g1), ErrGroupNotFound)
	require.NoError(t, tr.AddIncomingSourceGroup(g2))
	assert.Same(t, g2, tr.GetIncomingSourceGroup(100))
}

func TestOutgoingGroupNeedsMediaSSRC(t *testing.T) {
	tr := newTestTransport(t, &capture{}, nil)
	assert.ErrorIs(t, tr.AddOutgoingSourceGroup(rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 0, 20, 0, 10)), ErrSSRCAlreadyAssigned)

	g := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 10, 20, 0, 10)
	require.NoError(t, tr.AddOutgoingSourceGroup(g))
	assert.ErrorIs(t, tr.AddOutgoingSourceGroup(rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 30, 20, 0, 10)), ErrSSRCAlreadyAssigned)
	assert.Same(t, g, tr.GetOutgoingSourceGroup(20))
}

// TestRemoveOutgoingGroupSendsSingleBye при удалении уходит ровно один
// составной RTCP с BYE по всем SSRC группы
func TestRemoveOutgoingGroupSendsSingleBye(t *testing.T) {
	sender := &capture{}
	tr := newTestTransport(t, sender, nil)
	require.NoError(t, tr.SetLocalCryptoSDES(testSuite, testKey(1)))
	tr.ActivateRemoteCandidate(addrB, true, 1)

	g := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 10, 20, 0, 10)
	require.NoError(t, tr.AddOutgoingSourceGroup(g))
	initial := sender.take()
	require.Len(t, initial, 1, "начальный SR")

	require.NoError(t, tr.RemoveOutgoingSourceGroup(g))
	sent := sender.take()
	require.Len(t, sent, 1)

	suite, err := srtp.ParseSuite(testSuite)
	require.NoError(t, err)
	peer := srtp.NewSession(0)
	require.NoError(t, peer.SetRemoteKey(suite, testKey(1)))
	plain, err := peer.UnprotectRTCP(nil, sent[0])
	require.NoError(t, err)

	packets, err := rtcp.Unmarshal(plain)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	bye, ok := packets[0].(*rtcp.Goodbye)
	require.True(t, ok, "ожидался BYE, получен %T", packets[0])
	assert.ElementsMatch(t, []uint32{10, 20}, bye.Sources)

	assert.Nil(t, tr.GetOutgoingSourceGroup(10))
	assert.Equal(t, 0, g.HistoryLen())
	assert.ErrorIs(t, tr.RemoveOutgoingSourceGroup(g), ErrGroupNotFound)
	assert.Empty(t, sender.take())
}

// TestSDESLoopback пакеты проходят шифрование, разбор и доставку получателю группы
func TestSDESLoopback(t *testing.T) {
	a, b, _, _ := newPair(t, testProperties(rtp.URITransportWideCC, rtp.URIMID), nil)

	out := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 1111, 2222, 0, 100)
	out.MID = "v"
	require.NoError(t, a.AddOutgoingSourceGroup(out))

	in := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 1111, 2222, 0, rtp.IncomingSourceGroupConfig{})
	collector := newCollector()
	in.AddListener(collector)
	require.NoError(t, b.AddIncomingSourceGroup(in))

	for seq := uint16(10); seq < 15; seq++ {
		require.NoError(t, a.Send(videoPacket(1111, seq)))
	}

	require.Eventually(t, func() bool { return len(collector.received()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint16{10, 11, 12, 13, 14}, collector.received())
	collector.mutex.Lock()
	assert.Equal(t, []byte{0x10, 0x01, 12, 0xAA}, collector.payloads[12])
	collector.mutex.Unlock()

	var received uint32
	require.NoError(t, b.sync(func(time.Time) { received = in.Media.NumPackets }))
	assert.Equal(t, uint32(5), received)
	var hasSent bool
	require.NoError(t, a.sync(func(time.Time) { hasSent = out.Media.HasSent() }))
	assert.True(t, hasSent)
	assert.Equal(t, 5, out.HistoryLen())
}

// TestNACKRecoversThroughRTX потерянный пакет запрашивается NACK и
// приходит по RTX с исходным номером
func TestNACKRecoversThroughRTX(t *testing.T) {
	a, b, ca, _ := newPair(t, testProperties(rtp.URITransportWideCC, rtp.URIMID), nil)

	dropped := false
	ca.mutex.Lock()
	ca.drop = func(data []byte) bool {
		ssrc, seq, ok := rtpHeader(data)
		if ok && !dropped && ssrc == 1111 && seq == 102 {
			dropped = true
			return true
		}
		return false
	}
	ca.mutex.Unlock()

	out := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 1111, 2222, 0, 100)
	require.NoError(t, a.AddOutgoingSourceGroup(out))
	in := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 1111, 2222, 0, rtp.IncomingSourceGroupConfig{})
	collector := newCollector()
	in.AddListener(collector)
	require.NoError(t, b.AddIncomingSourceGroup(in))

	for seq := uint16(100); seq < 105; seq++ {
		require.NoError(t, a.Send(videoPacket(1111, seq)))
	}

	require.Eventually(t, func() bool { return len(collector.received()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []uint16{100, 101, 102, 103, 104}, collector.received())
	collector.mutex.Lock()
	assert.Equal(t, []byte{0x10, 0x01, 102, 0xAA}, collector.payloads[102])
	collector.mutex.Unlock()

	var rtxPackets, nacks uint32
	require.NoError(t, b.sync(func(time.Time) { rtxPackets, nacks = in.RTX.NumPackets, in.Media.TotalNACKs }))
	assert.Positive(t, rtxPackets)
	assert.Positive(t, nacks)
}

// TestResolveGroupByRID неизвестный SSRC привязывается к группе по MID и RID
func TestResolveGroupByRID(t *testing.T) {
	props := testProperties(rtp.URITransportWideCC, rtp.URIMID, rtp.URIRID, rtp.URIRepairedRID)
	a, b, _, _ := newPair(t, props, func(c *Config) { c.SendRID = true })

	out := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 5555, 0, 0, 100)
	out.MID, out.RID = "v", "hi"
	require.NoError(t, a.AddOutgoingSourceGroup(out))

	low := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 0, 0, 0, rtp.IncomingSourceGroupConfig{})
	low.MID, low.RID = "v", "lo"
	high := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 0, 0, 0, rtp.IncomingSourceGroupConfig{})
	high.MID, high.RID = "v", "hi"
	collector := newCollector()
	high.AddListener(collector)
	require.NoError(t, b.AddIncomingSourceGroup(low))
	require.NoError(t, b.AddIncomingSourceGroup(high))

	dup := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 0, 0, 0, rtp.IncomingSourceGroupConfig{})
	dup.MID, dup.RID = "v", "hi"
	assert.ErrorIs(t, b.AddIncomingSourceGroup(dup), ErrSSRCAlreadyAssigned)

	require.NoError(t, a.Send(videoPacket(5555, 1)))
	require.NoError(t, a.Send(videoPacket(5555, 2)))

	require.Eventually(t, func() bool { return len(collector.received()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Same(t, high, b.GetIncomingSourceGroup(5555))
	var ssrc, lowSSRC uint32
	require.NoError(t, b.sync(func(time.Time) { ssrc, lowSSRC = high.Media.SSRC, low.Media.SSRC }))
	assert.Equal(t, uint32(5555), ssrc)
	assert.Zero(t, lowSSRC)
}

// dropOnce отбрасывает первый пакет с заданными SSRC и номером
func dropOnce(c *capture, ssrc uint32, seq uint16) {
	dropped := false
	c.mutex.Lock()
	c.drop = func(data []byte) bool {
		s, n, ok := rtpHeader(data)
		if ok && !dropped && s == ssrc && n == seq {
			dropped = true
			return true
		}
		return false
	}
	c.mutex.Unlock()
}

// TestResolveRTXByRepairedRID RTX с неизвестным SSRC привязывается к RTX
// слоту группы по repaired-RID и восстанавливает потерянный пакет
func TestResolveRTXByRepairedRID(t *testing.T) {
	props := testProperties(rtp.URITransportWideCC, rtp.URIMID, rtp.URIRID, rtp.URIRepairedRID)
	a, b, ca, _ := newPair(t, props, func(c *Config) { c.SendRID = true })
	dropOnce(ca, 5555, 3)

	out := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 5555, 6666, 0, 100)
	out.MID, out.RID = "v", "hi"
	require.NoError(t, a.AddOutgoingSourceGroup(out))

	high := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 0, 0, 0, rtp.IncomingSourceGroupConfig{})
	high.MID, high.RID = "v", "hi"
	collector := newCollector()
	high.AddListener(collector)
	require.NoError(t, b.AddIncomingSourceGroup(high))

	for seq := uint16(1); seq <= 5; seq++ {
		require.NoError(t, a.Send(videoPacket(5555, seq)))
	}

	require.Eventually(t, func() bool { return len(collector.received()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []uint16{1, 2, 3, 4, 5}, collector.received())
	assert.Same(t, high, b.GetIncomingSourceGroup(6666))
	var media, rtx uint32
	require.NoError(t, b.sync(func(time.Time) { media, rtx = high.Media.SSRC, high.RTX.SSRC }))
	assert.Equal(t, uint32(5555), media)
	assert.Equal(t, uint32(6666), rtx)
}

// TestResolveByMIDOnly без RID media и RTX привязываются к группе по MID
func TestResolveByMIDOnly(t *testing.T) {
	a, b, ca, _ := newPair(t, testProperties(rtp.URITransportWideCC, rtp.URIMID), nil)
	dropOnce(ca, 1111, 3)

	out := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 1111, 2222, 0, 100)
	out.MID = "a"
	require.NoError(t, a.AddOutgoingSourceGroup(out))

	other := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 0, 0, 0, rtp.IncomingSourceGroupConfig{})
	other.MID = "b"
	in := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 0, 0, 0, rtp.IncomingSourceGroupConfig{})
	in.MID = "a"
	collector := newCollector()
	in.AddListener(collector)
	require.NoError(t, b.AddIncomingSourceGroup(other))
	require.NoError(t, b.AddIncomingSourceGroup(in))

	for seq := uint16(1); seq <= 5; seq++ {
		require.NoError(t, a.Send(videoPacket(1111, seq)))
	}

	require.Eventually(t, func() bool { return len(collector.received()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []uint16{1, 2, 3, 4, 5}, collector.received())
	assert.Same(t, in, b.GetIncomingSourceGroup(1111))
	assert.Same(t, in, b.GetIncomingSourceGroup(2222))
	var media, rtx, otherMedia uint32
	require.NoError(t, b.sync(func(time.Time) { media, rtx, otherMedia = in.Media.SSRC, in.RTX.SSRC, other.Media.SSRC }))
	assert.Equal(t, uint32(1111), media)
	assert.Equal(t, uint32(2222), rtx)
	assert.Zero(t, otherMedia)
}

// TestResolveSSRCRotation новый SSRC с тем же RID вытесняет прежний
// из индекса, пакеты нового SSRC доставляются
func TestResolveSSRCRotation(t *testing.T) {
	props := testProperties(rtp.URITransportWideCC, rtp.URIMID, rtp.URIRID, rtp.URIRepairedRID)
	a, b, _, _ := newPair(t, props, func(c *Config) { c.SendRID = true })

	first := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 5555, 0, 0, 100)
	first.MID, first.RID = "v", "hi"
	second := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 7777, 0, 0, 100)
	second.MID, second.RID = "v", "hi"
	require.NoError(t, a.AddOutgoingSourceGroup(first))
	require.NoError(t, a.AddOutgoingSourceGroup(second))

	high := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 0, 0, 0, rtp.IncomingSourceGroupConfig{})
	high.MID, high.RID = "v", "hi"
	collector := newCollector()
	high.AddListener(collector)
	require.NoError(t, b.AddIncomingSourceGroup(high))

	require.NoError(t, a.Send(videoPacket(5555, 1)))
	require.NoError(t, a.Send(videoPacket(5555, 2)))
	require.Eventually(t, func() bool { return len(collector.received()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Same(t, high, b.GetIncomingSourceGroup(5555))

	for seq := uint16(10); seq < 13; seq++ {
		require.NoError(t, a.Send(videoPacket(7777, seq)))
	}
	require.Eventually(t, func() bool { return len(collector.received()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint16{1, 2, 10, 11, 12}, collector.received())

	assert.Nil(t, b.GetIncomingSourceGroup(5555))
	assert.Same(t, high, b.GetIncomingSourceGroup(7777))
	var ssrc, packets uint32
	require.NoError(t, b.sync(func(time.Time) { ssrc, packets = high.Media.SSRC, high.Media.NumPackets }))
	assert.Equal(t, uint32(7777), ssrc)
	assert.Equal(t, uint32(3), packets, "счетчики сброшены при смене SSRC")
}

type discardSender struct{}

func (discardSender) Send(*rtp.Packet) error { return nil }

// TestRequestKeyFrameDuringRIDBinding запросы ключевого кадра из другой
// горутины идут параллельно с привязкой SSRC по RID и после нее
// доходят до отправителя с привязанным SSRC
func TestRequestKeyFrameDuringRIDBinding(t *testing.T) {
	props := testProperties(rtp.URITransportWideCC, rtp.URIMID, rtp.URIRID)
	a, b, _, _ := newPair(t, props, func(c *Config) { c.SendRID = true })

	out := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 5555, 0, 0, 100)
	out.MID, out.RID = "v", "hi"
	listener := &groupListener{}
	out.AddListener(listener)
	require.NoError(t, a.AddOutgoingSourceGroup(out))

	high := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 0, 0, 0, rtp.IncomingSourceGroupConfig{})
	high.MID, high.RID = "v", "hi"
	collector := newCollector()
	high.AddListener(collector)
	require.NoError(t, b.AddIncomingSourceGroup(high))

	relay := transponder.New(rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 9000, 0, 0, 10), discardSender{},
		transponder.Config{Logger: logger.Discard()})
	defer relay.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			relay.SetIncoming(high, b)
		}
	}()
	for seq := uint16(1); seq <= 5; seq++ {
		require.NoError(t, a.Send(videoPacket(5555, seq)))
	}
	<-done

	require.Eventually(t, func() bool { return len(collector.received()) == 5 }, 2*time.Second, 5*time.Millisecond)
	relay.RequestPLI()
	require.Eventually(t, func() bool {
		listener.mutex.Lock()
		defer listener.mutex.Unlock()
		return len(listener.plis) > 0
	}, 2*time.Second, 5*time.Millisecond)
	listener.mutex.Lock()
	for _, ssrc := range listener.plis {
		assert.Equal(t, uint32(5555), ssrc)
	}
	listener.mutex.Unlock()
}

// TestPLIAndREMBDispatch обратная связь RTCP доходит до получателей исходящей группы
func TestPLIAndREMBDispatch(t *testing.T) {
	tr := newTestTransport(t, &capture{}, nil)
	require.NoError(t, tr.SetRemoteCryptoSDES(testSuite, testKey(7)))

	g := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 10, 20, 0, 10)
	listener := &groupListener{}
	g.AddListener(listener)
	require.NoError(t, tr.AddOutgoingSourceGroup(g))

	raw, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 10},
		&rtcp.ReceiverEstimatedMaximumBitrate{SenderSSRC: 1, Bitrate: 500_000, SSRCs: []uint32{10}},
		&rtcp.FullIntraRequest{SenderSSRC: 1, MediaSSRC: 10, FIR: []rtcp.FIREntry{{SSRC: 10, SequenceNumber: 1}}},
		&rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 999},
	})
	require.NoError(t, err)

	suite, err := srtp.ParseSuite(testSuite)
	require.NoError(t, err)
	peer := srtp.NewSession(0)
	require.NoError(t, peer.SetLocalKey(suite, testKey(7)))
	encrypted, err := peer.ProtectRTCP(nil, raw)
	require.NoError(t, err)

	tr.OnData(addrA, encrypted)

	require.Eventually(t, func() bool {
		listener.mutex.Lock()
		defer listener.mutex.Unlock()
		return len(listener.plis) == 2 && len(listener.rembs) == 1
	}, 2*time.Second, 5*time.Millisecond)
	listener.mutex.Lock()
	assert.Equal(t, []uint32{10, 10}, listener.plis)
	assert.Equal(t, []uint64{500_000}, listener.rembs)
	listener.mutex.Unlock()
}

// TestProbingRespectsCeiling за один интервал зондирования уходит не больше
// MaxProbingBitrate*interval/8 байт
func TestProbingRespectsCeiling(t *testing.T) {
	for _, tc := range []struct {
		name string
		rtx  uint32
	}{
		{"rtx", 20},
		{"media", 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sender := &capture{}
			tr := newTestTransport(t, sender, nil)
			require.NoError(t, tr.SetLocalCryptoSDES(testSuite, testKey(1)))
			require.NoError(t, tr.SetRemoteProperties(testProperties(rtp.URITransportWideCC)))
			tr.ActivateRemoteCandidate(addrB, true, 1)

			g := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 10, tc.rtx, 0, 100)
			require.NoError(t, tr.AddOutgoingSourceGroup(g))
			var sendErr error
			require.NoError(t, tr.sync(func(now time.Time) { sendErr = tr.sendPacket(now, videoPacket(10, 1)) }))
			require.NoError(t, sendErr)
			sender.take()

			// выключено: ничего не уходит
			require.NoError(t, tr.sync(tr.Probe))
			assert.Empty(t, sender.take())

			const ceiling = 100_000
			tr.SetBandwidthProbing(true)
			tr.SetMaxProbingBitrate(ceiling)
			require.NoError(t, tr.sync(tr.Probe))

			budget := int(ceiling * uint64(tr.config.ProbingInterval) / uint64(time.Second) / 8)
			total := 0
			sent := sender.take()
			require.NotEmpty(t, sent)
			expected := uint32(10)
			if tc.rtx != 0 {
				expected = tc.rtx
			}
			for _, data := range sent {
				ssrc, _, ok := rtpHeader(data)
				require.True(t, ok)
				assert.Equal(t, expected, ssrc)
				total += len(data)
			}
			assert.LessOrEqual(t, total, budget)
		})
	}
}

// TestMediaPaddingUsesFreshSeqNums паддинг без RTX получает новые номера
// медиа-потока: получатель с защитой от повторов принимает все пакеты,
// а следующий медиа-пакет идет после паддинга
func TestMediaPaddingUsesFreshSeqNums(t *testing.T) {
	sender := &capture{}
	tr := newTestTransport(t, sender, nil)
	require.NoError(t, tr.SetLocalCryptoSDES(testSuite, testKey(1)))
	require.NoError(t, tr.SetRemoteProperties(testProperties(rtp.URITransportWideCC)))
	tr.ActivateRemoteCandidate(addrB, true, 1)

	g := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 10, 0, 0, 100)
	require.NoError(t, tr.AddOutgoingSourceGroup(g))
	send := func(seq uint16) {
		var sendErr error
		require.NoError(t, tr.sync(func(now time.Time) { sendErr = tr.sendPacket(now, videoPacket(10, seq)) }))
		require.NoError(t, sendErr)
	}

	send(1)
	tr.SetBandwidthProbing(true)
	tr.SetMaxProbingBitrate(400_000)
	require.NoError(t, tr.sync(tr.Probe))
	send(2)

	suite, err := srtp.ParseSuite(testSuite)
	require.NoError(t, err)
	peer := srtp.NewSession(0)
	require.NoError(t, peer.SetRemoteKey(suite, testKey(1)))

	var seqs []uint16
	var last []byte
	for _, data := range sender.take() {
		ssrc, seq, ok := rtpHeader(data)
		if !ok {
			continue
		}
		plain, err := peer.UnprotectRTP(nil, data)
		require.NoError(t, err, "seq %d", seq)
		assert.Equal(t, uint32(10), ssrc)
		seqs = append(seqs, seq)
		last = plain
	}
	require.Greater(t, len(seqs), 2, "ожидался хотя бы один пакет паддинга")
	for i, seq := range seqs {
		assert.Equal(t, uint16(i+1), seq)
	}

	lastSeq := seqs[len(seqs)-1]
	received, err := rtp.Parse(last, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x01, 2, 0xAA}, received.Payload())
	var stored *rtp.Packet
	require.NoError(t, tr.sync(func(time.Time) { stored = g.GetPacket(lastSeq) }))
	require.NotNil(t, stored, "история хранит номер на проводе")
	assert.Equal(t, lastSeq, stored.SeqNum())
}

func TestProbingStopsAboveLimit(t *testing.T) {
	sender := &capture{}
	tr := newTestTransport(t, sender, nil)
	require.NoError(t, tr.SetLocalCryptoSDES(testSuite, testKey(1)))
	require.NoError(t, tr.SetRemoteProperties(testProperties(rtp.URITransportWideCC)))
	tr.ActivateRemoteCandidate(addrB, true, 1)

	g := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 10, 20, 0, 100)
	require.NoError(t, tr.AddOutgoingSourceGroup(g))
	var sendErr error
	require.NoError(t, tr.sync(func(now time.Time) { sendErr = tr.sendPacket(now, videoPacket(10, 1)) }))
	require.NoError(t, sendErr)
	sender.take()

	tr.SetBandwidthProbing(true)
	tr.SetProbingBitrateLimit(1)
	require.NoError(t, tr.sync(tr.Probe))
	assert.Empty(t, sender.take())
}

func TestSendErrors(t *testing.T) {
	tr := newTestTransport(t, &capture{}, nil)
	require.NoError(t, tr.SetRemoteProperties(testProperties()))

	var errUnknown, errNoCandidate, errCodec error
	g := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 10, 0, 0, 10)
	require.NoError(t, tr.AddOutgoingSourceGroup(g))
	require.NoError(t, tr.sync(func(now time.Time) {
		errUnknown = tr.sendPacket(now, videoPacket(99, 1))
		errNoCandidate = tr.sendPacket(now, videoPacket(10, 1))
		h264 := rtp.NewPacket(rtp.MediaVideo, rtp.CodecH264)
		h264.SetSSRC(10)
		errCodec = tr.sendPacket(now, h264)
	}))

	assert.ErrorIs(t, errUnknown, ErrGroupNotFound)
	var terr *TransportError
	require.ErrorAs(t, errUnknown, &terr)
	assert.Equal(t, uint32(99), terr.SSRC)
	assert.ErrorIs(t, errNoCandidate, ErrNoActiveCandidate)
	assert.Error(t, errCodec)
}

func TestUnknownSuite(t *testing.T) {
	tr := newTestTransport(t, &capture{}, nil)
	assert.ErrorIs(t, tr.SetLocalCryptoSDES("NULL_CIPHER", testKey(1)), ErrUnknownSuite)
	assert.ErrorIs(t, tr.SetRemoteCryptoSDES(testSuite, []byte{1, 2, 3}), ErrCryptoNotReady)
}

func TestCandidateActivation(t *testing.T) {
	listener := &sessionListener{}
	tr := newTestTransport(t, &capture{}, func(c *Config) { c.Listener = listener })

	other := Address{IP: "10.0.0.3", Port: 7000}
	tr.ActivateRemoteCandidate(addrA, false, 10)
	tr.ActivateRemoteCandidate(other, false, 20)
	assert.Equal(t, addrA, tr.ActiveCandidate())

	tr.ActivateRemoteCandidate(other, true, 20)
	assert.Equal(t, other, tr.ActiveCandidate())

	_, activated, _ := listener.snapshot()
	assert.Equal(t, []Candidate{addrA, other}, activated)
	assert.Equal(t, "10.0.0.3:7000", tr.GetStats().ActiveCandidate)
}

func TestICETimeout(t *testing.T) {
	listener := &sessionListener{}
	tr := newTestTransport(t, &capture{}, func(c *Config) {
		c.Listener = listener
		c.ICETimeout = 30 * time.Millisecond
	})
	tr.ActivateRemoteCandidate(addrA, true, 1)

	require.Eventually(t, func() bool {
		_, _, timeouts := listener.snapshot()
		return timeouts == 1
	}, time.Second, 5*time.Millisecond)
}

// TestDTLSHandshake рукопожатие через транспорты, ключи SRTP из DTLS
func TestDTLSHandshake(t *testing.T) {
	la, lb := &sessionListener{}, &sessionListener{}
	ca, cb := &capture{}, &capture{}
	a := newTestTransport(t, ca, func(c *Config) { c.Listener = la })
	b := newTestTransport(t, cb, func(c *Config) { c.Listener = lb })
	ca.connect(b, addrA)
	cb.connect(a, addrB)

	props := testProperties(rtp.URIMID)
	for _, tr := range []*Transport{a, b} {
		require.NoError(t, tr.SetLocalProperties(props))
		require.NoError(t, tr.SetRemoteProperties(props))
	}
	a.ActivateRemoteCandidate(addrB, true, 1)
	b.ActivateRemoteCandidate(addrA, true, 1)

	fpA, err := a.GetLocalFingerprint("sha-256")
	require.NoError(t, err)
	fpB, err := b.GetLocalFingerprint("sha-256")
	require.NoError(t, err)

	// b отвечает на actpass и становится сервером, a - клиент
	require.NoError(t, b.SetRemoteCryptoDTLS("active", "sha-256", fpA))
	require.NoError(t, a.SetRemoteCryptoDTLS("passive", "sha-256", fpB))
	assert.Equal(t, StateConnecting, a.State())

	require.Eventually(t, func() bool {
		return a.State() == StateConnected && b.State() == StateConnected
	}, 10*time.Second, 10*time.Millisecond)

	states, _, _ := la.snapshot()
	assert.Equal(t, []State{StateConnecting, StateConnected}, states)

	out := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 42, 0, 0, 10)
	require.NoError(t, a.AddOutgoingSourceGroup(out))
	in := rtp.NewIncomingSourceGroup(rtp.MediaVideo, 42, 0, 0, rtp.IncomingSourceGroupConfig{})
	collector := newCollector()
	in.AddListener(collector)
	require.NoError(t, b.AddIncomingSourceGroup(in))

	require.NoError(t, a.Send(videoPacket(42, 7)))
	require.Eventually(t, func() bool { return len(collector.received()) == 1 }, 2*time.Second, 5*time.Millisecond)

	a.Stop()
	assert.Equal(t, StateClosed, a.State())
}

func TestResetReturnsToNew(t *testing.T) {
	sender := &capture{}
	tr := newTestTransport(t, sender, nil)
	require.NoError(t, tr.SetLocalCryptoSDES(testSuite, testKey(1)))
	tr.ActivateRemoteCandidate(addrA, true, 1)
	fp, err := tr.GetLocalFingerprint("sha-256")
	require.NoError(t, err)

	require.NoError(t, tr.SetRemoteCryptoDTLS("active", "sha-256", fp))
	assert.Equal(t, StateConnecting, tr.State())

	require.NoError(t, tr.Reset())
	assert.Equal(t, StateNew, tr.State())
	assert.Nil(t, tr.ActiveCandidate())

	after, err := tr.GetLocalFingerprint("sha-256")
	require.NoError(t, err)
	assert.Equal(t, fp, after, "сертификат сохраняется")

	var ready bool
	require.NoError(t, tr.sync(func(time.Time) { ready = tr.srtp.IsLocalReady() }))
	assert.False(t, ready)
}

func TestStopIsIdempotent(t *testing.T) {
	tr := newTestTransport(t, &capture{}, nil)
	g := rtp.NewIncomingSourceGroup(rtp.MediaAudio, 1, 0, 0, rtp.IncomingSourceGroupConfig{})
	require.NoError(t, tr.AddIncomingSourceGroup(g))

	tr.Stop()
	tr.Stop()
	assert.Equal(t, StateClosed, tr.State())
	assert.ErrorIs(t, tr.Send(videoPacket(1, 1)), ErrTransportStopped)
	assert.ErrorIs(t, tr.AddIncomingSourceGroup(rtp.NewIncomingSourceGroup(rtp.MediaAudio, 2, 0, 0, rtp.IncomingSourceGroupConfig{})), ErrTransportStopped)
	assert.Nil(t, tr.GetIncomingSourceGroup(1))
}

func TestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	sender := &capture{}
	tr := newTestTransport(t, sender, func(c *Config) {
		c.ID = "metrics"
		c.Metrics = m
	})
	require.NoError(t, tr.SetLocalCryptoSDES(testSuite, testKey(1)))
	require.NoError(t, tr.SetRemoteProperties(testProperties()))
	tr.ActivateRemoteCandidate(addrB, true, 1)

	g := rtp.NewOutgoingSourceGroup(rtp.MediaVideo, 10, 0, 0, 10)
	require.NoError(t, tr.AddOutgoingSourceGroup(g))
	var sendErr error
	require.NoError(t, tr.sync(func(now time.Time) { sendErr = tr.sendPacket(now, videoPacket(10, 1)) }))
	require.NoError(t, sendErr)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.packets.WithLabelValues("metrics", "out", "rtp")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.packets.WithLabelValues("metrics", "out", "rtcp")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.groups.WithLabelValues("metrics", "out")))

	tr.OnData(addrB, []byte{0x80, 96, 0, 1, 0, 0, 0, 1, 0, 0, 0, 99, 1, 2, 3})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.dropped.WithLabelValues("metrics", "unprotect")) == 1
	}, time.Second, 5*time.Millisecond)
}
