// Пакет transport - медиа-транспорт WebRTC: DTLS + ICE + SRTP.
//
// Transport разбирает входящие датаграммы (STUN, DTLS, SRTP, SRTCP),
// раскладывает RTP по входящим группам, отвечает на NACK из истории
// исходящих групп, формирует отчеты RTCP и обратную связь transport-wide
// CC, зондирует канал и шифрует исходящие пакеты.
//
// Все состояние транспорта принадлежит одному eventloop.Loop. Публичные
// методы, меняющие реестры или криптографию, переносятся на цикл через
// Sync (когда нужен результат) или Async.
package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/randutil"
	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/media_transport/pkg/bwe"
	"github.com/arzzra/media_transport/pkg/dtls"
	"github.com/arzzra/media_transport/pkg/eventloop"
	"github.com/arzzra/media_transport/pkg/logger"
	"github.com/arzzra/media_transport/pkg/properties"
	"github.com/arzzra/media_transport/pkg/rtp"
	"github.com/arzzra/media_transport/pkg/srtp"
)

// Candidate удаленный ICE кандидат
type Candidate interface {
	GetIPAddress() string
	GetPort() uint16
}

// Address простая реализация Candidate
type Address struct {
	IP   string
	Port uint16
}

func (a Address) GetIPAddress() string { return a.IP }
func (a Address) GetPort() uint16      { return a.Port }
func (a Address) String() string       { return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port))) }

func candidateString(c Candidate) string {
	if c == nil {
		return ""
	}
	return net.JoinHostPort(c.GetIPAddress(), strconv.Itoa(int(c.GetPort())))
}

func sameCandidate(a, b Candidate) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.GetIPAddress() == b.GetIPAddress() && a.GetPort() == b.GetPort()
}

// Sender отправляет датаграмму кандидату. data передается во владение.
type Sender interface {
	Send(candidate Candidate, data []byte) error
}

// Listener события уровня сессии. Вызывается на цикле транспорта.
type Listener interface {
	OnRemoteICECandidateActivated(t *Transport, candidate Candidate)
	OnDTLSStateChanged(t *Transport, state State)
	OnICETimeout(t *Transport)
}

// Dumper приемник копий датаграмм (например pcap файл)
type Dumper interface {
	WriteUDP(ts time.Time, srcIP string, srcPort uint16, dstIP string, dstPort uint16, data []byte, truncate int) error
	Close() error
}

// Config конфигурация транспорта
type Config struct {
	// ID идентификатор для логов и метрик, по умолчанию uuid
	ID       string
	Loop     *eventloop.Loop
	Sender   Sender
	Listener Listener
	Logger   logrus.FieldLogger
	Metrics  *Metrics

	DTLS dtls.Config
	BWE  bwe.Config

	ICETimeout      time.Duration
	RTCPInterval    time.Duration
	TWCCInterval    time.Duration
	TickInterval    time.Duration
	ProbingInterval time.Duration
	PLIInterval     time.Duration

	// MaxProbingBitrate потолок битрейта зондирования
	MaxProbingBitrate uint64
	// ProbingBitrateLimit общий битрейт, выше которого зондирование не идет. 0 - без ограничения.
	ProbingBitrateLimit uint64
	// RTXThrottle доля доступного битрейта, которую может занять RTX
	RTXThrottle float64

	// SendRID и SendFrameMarking оставляют эти расширения в исходящих пакетах
	SendRID          bool
	SendFrameMarking bool

	// адрес локальной стороны для записей дампа
	DumpLocalIP   string
	DumpLocalPort uint16
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		DTLS:              dtls.DefaultConfig(),
		BWE:               bwe.DefaultConfig(),
		ICETimeout:        30 * time.Second,
		RTCPInterval:      time.Second,
		TWCCInterval:      100 * time.Millisecond,
		TickInterval:      20 * time.Millisecond,
		ProbingInterval:   5 * time.Millisecond,
		PLIInterval:       500 * time.Millisecond,
		MaxProbingBitrate: 1_500_000,
		RTXThrottle:       0.3,
		DumpLocalIP:       "127.0.0.1",
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ICETimeout <= 0 {
		c.ICETimeout = def.ICETimeout
	}
	if c.RTCPInterval <= 0 {
		c.RTCPInterval = def.RTCPInterval
	}
	if c.TWCCInterval <= 0 {
		c.TWCCInterval = def.TWCCInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.ProbingInterval <= 0 {
		c.ProbingInterval = def.ProbingInterval
	}
	if c.PLIInterval <= 0 {
		c.PLIInterval = def.PLIInterval
	}
	if c.MaxProbingBitrate == 0 {
		c.MaxProbingBitrate = def.MaxProbingBitrate
	}
	if c.RTXThrottle <= 0 {
		c.RTXThrottle = def.RTXThrottle
	}
	if c.DumpLocalIP == "" {
		c.DumpLocalIP = def.DumpLocalIP
	}
	if c.DTLS.Logger == nil {
		c.DTLS.Logger = c.Logger
	}
	if c.BWE.Logger == nil {
		c.BWE.Logger = c.Logger
	}
}

// Stats снимок состояния транспорта
type Stats struct {
	ID               string
	State            State
	ActiveCandidate  string
	RTT              time.Duration
	EstimatedBitrate uint64
	AvailableBitrate uint64
	TargetBitrate    uint64
	SentBitrate      uint64
	RTXBitrate       uint64
	IncomingGroups   int
	OutgoingGroups   int
	Probing          bool
}

type stunCredentials struct {
	username string
	password string
}

type rttProbe struct {
	ssrc   uint32
	seq    uint16
	sentAt time.Time
}

type dumpSettings struct {
	dumper         Dumper
	inbound        bool
	outbound       bool
	rtcp           bool
	rtpHeadersOnly bool
}

// Transport DTLS-ICE транспорт одного peer connection
type Transport struct {
	id      string
	config  Config
	loop    *eventloop.Loop
	sender  Sender
	log     logrus.FieldLogger
	metrics *transportMetrics

	credMutex  sync.Mutex
	localCred  stunCredentials
	remoteCred stunCredentials

	stopped atomic.Bool

	// дальше все поля принадлежат циклу
	listener Listener
	state    *fsm.FSM
	dtls     *dtls.Connection
	srtp     *srtp.Session

	estimator *bwe.Estimator
	recorder  *twcc.Recorder

	active   Candidate
	priority uint32
	iceTimer *eventloop.Timer

	tickTimer  *eventloop.Timer
	twccTimer  *eventloop.Timer
	probeTimer *eventloop.Timer

	recvRTP *rtp.Map
	recvExt *rtp.ExtensionMap
	sendRTP *rtp.Map
	sendExt *rtp.ExtensionMap

	registry *registry

	mainSSRC         uint32
	nextTransportSeq uint32
	rtt              time.Duration
	lastReportAt     time.Time
	lastPLI          map[uint32]time.Time
	firSeq           uint8
	pendingRTTProbe  *rttProbe

	rtxBitrate *rtp.Accumulator

	probing             bool
	maxProbingBitrate   uint64
	probingBitrateLimit uint64

	dump dumpSettings
}

// New создает транспорт. Цикл должен быть запущен до Start.
func New(config Config) (*Transport, error) {
	if config.Loop == nil {
		return nil, newError(ErrorCodeInvalidState, 0, "не задан event loop", nil)
	}
	if config.Sender == nil {
		return nil, newError(ErrorCodeInvalidState, 0, "не задан Sender", nil)
	}
	config.applyDefaults()

	t := &Transport{
		id:                  config.ID,
		config:              config,
		loop:                config.Loop,
		sender:              config.Sender,
		listener:            config.Listener,
		log:                 logger.Component(config.Logger, "transport").WithField("transport", config.ID),
		metrics:             config.Metrics.forTransport(config.ID),
		srtp:                srtp.NewSession(srtp.DefaultReplayWindow),
		estimator:           bwe.New(config.BWE),
		recvRTP:             rtp.NewMap(),
		recvExt:             rtp.NewExtensionMap(),
		sendRTP:             rtp.NewMap(),
		sendExt:             rtp.NewExtensionMap(),
		registry:            newRegistry(),
		lastPLI:             make(map[uint32]time.Time),
		rtxBitrate:          rtp.NewAccumulator(time.Second),
		maxProbingBitrate:   config.MaxProbingBitrate,
		probingBitrateLimit: config.ProbingBitrateLimit,
	}
	t.mainSSRC = randutil.NewMathRandomGenerator().Uint32()
	if t.mainSSRC == 0 {
		t.mainSSRC = 1
	}
	t.recorder = twcc.NewRecorder(t.mainSSRC)
	t.state = newStateMachine(t.onStateChanged)

	conn, err := t.newDTLSConnection(config.DTLS)
	if err != nil {
		return nil, newError(ErrorCodeInvalidState, 0, "создание DTLS соединения", err)
	}
	t.dtls = conn

	t.log.WithField("ssrc", t.mainSSRC).Debug("транспорт создан")
	return t, nil
}

// ID идентификатор транспорта
func (t *Transport) ID() string {
	return t.id
}

// MainSSRC SSRC отправителя для RTCP без исходящих потоков
func (t *Transport) MainSSRC() uint32 {
	return t.mainSSRC
}

// State текущее состояние DTLS сессии
func (t *Transport) State() State {
	var state State
	if err := t.sync(func(time.Time) { state = State(t.state.Current()) }); err != nil {
		return StateClosed
	}
	return state
}

// sync выполняет задачу на цикле. Ошибка, если транспорт или цикл остановлены.
func (t *Transport) sync(task eventloop.Task) error {
	if t.stopped.Load() {
		return ErrTransportStopped
	}
	if err := t.loop.Sync(task); err != nil {
		return newError(ErrorCodeTransportStopped, 0, "цикл остановлен", err)
	}
	return nil
}

// async ставит задачу в очередь цикла или выполняет сразу, если вызов уже на цикле
func (t *Transport) async(task eventloop.Task) {
	if t.stopped.Load() {
		return
	}
	if t.loop.IsLoopThread() {
		task(t.loop.Now())
		return
	}
	t.loop.Async(func(now time.Time) {
		if t.stopped.Load() {
			return
		}
		task(now)
	})
}

func (t *Transport) onStateChanged(from, to State) {
	t.log.WithFields(logrus.Fields{"from": from, "to": to}).Info("состояние DTLS")
	if t.listener != nil {
		t.listener.OnDTLSStateChanged(t, to)
	}
}

func (t *Transport) transition(event string) {
	if err := t.state.Event(context.Background(), event); err != nil {
		t.log.WithError(err).WithField("event", event).Debug("переход состояния пропущен")
	}
}

// SetListener задает получателя событий сессии
func (t *Transport) SetListener(l Listener) {
	_ = t.sync(func(time.Time) { t.listener = l })
}

// Start запускает периодические таймеры транспорта
func (t *Transport) Start() error {
	return t.sync(func(now time.Time) {
		if t.tickTimer != nil {
			return
		}
		t.tickTimer = t.loop.CreateTimer(t.config.TickInterval, t.config.TickInterval, t.onTick)
		t.twccTimer = t.loop.CreateTimer(t.config.TWCCInterval, t.config.TWCCInterval, t.sendTransportWideFeedback)
		t.probeTimer = t.loop.CreateTimer(t.config.ProbingInterval, t.config.ProbingInterval, t.Probe)
		t.log.Debug("транспорт запущен")
	})
}

// Stop останавливает таймеры, завершает входящие группы и закрывает DTLS.
// Повторный вызов ничего не делает.
func (t *Transport) Stop() {
	err := t.sync(func(now time.Time) {
		t.cancelTimers()
		for _, g := range t.registry.incoming {
			g.Stop(now)
		}
		if t.dump.dumper != nil {
			if err := t.dump.dumper.Close(); err != nil {
				t.log.WithError(err).Warn("закрытие дампа")
			}
			t.dump = dumpSettings{}
		}
		t.transition(eventClose)
	})
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	if err != nil {
		t.log.WithError(err).Debug("остановка без цикла")
	}
	if err := t.dtls.Close(); err != nil {
		t.log.WithError(err).Debug("закрытие DTLS")
	}
	t.metrics.delete()
	t.log.Info("транспорт остановлен")
}

func (t *Transport) cancelTimers() {
	for _, timer := range []*eventloop.Timer{t.tickTimer, t.twccTimer, t.probeTimer, t.iceTimer} {
		if timer != nil {
			timer.Cancel()
		}
	}
	t.tickTimer, t.twccTimer, t.probeTimer, t.iceTimer = nil, nil, nil, nil
}

// Reset сбрасывает криптографию, DTLS, кандидата и состояние потоков.
// Группы остаются зарегистрированными.
func (t *Transport) Reset() error {
	var old *dtls.Connection
	err := t.sync(func(now time.Time) {
		conf := t.config.DTLS
		cert := t.dtls.Certificate()
		conf.Certificate = &cert
		conn, err := t.newDTLSConnection(conf)
		if err != nil {
			t.log.WithError(err).Error("пересоздание DTLS соединения")
			return
		}
		old, t.dtls = t.dtls, conn

		t.srtp.Reset()
		t.active = nil
		if t.iceTimer != nil {
			t.iceTimer.Cancel()
			t.iceTimer = nil
		}
		t.estimator.Reset()
		t.recorder = twcc.NewRecorder(t.mainSSRC)
		t.rtxBitrate.Reset()
		t.pendingRTTProbe = nil
		t.lastPLI = make(map[uint32]time.Time)
		for _, g := range t.registry.incoming {
			g.Reset()
		}
		for _, g := range t.registry.outgoing {
			g.ClearHistory()
		}
		if !State(t.state.Current()).IsTerminal() {
			t.transition(eventReset)
		} else {
			t.state = newStateMachine(t.onStateChanged)
		}
		t.log.Info("транспорт сброшен")
	})
	if err != nil {
		return err
	}
	if old != nil {
		if err := old.Close(); err != nil {
			t.log.WithError(err).Debug("закрытие старого DTLS")
		}
	}
	return nil
}

// SetLocalSTUNCredentials запоминает локальные ICE ufrag/pwd
func (t *Transport) SetLocalSTUNCredentials(username, password string) {
	t.credMutex.Lock()
	t.localCred = stunCredentials{username: username, password: password}
	t.credMutex.Unlock()
}

// SetRemoteSTUNCredentials запоминает удаленные ICE ufrag/pwd
func (t *Transport) SetRemoteSTUNCredentials(username, password string) {
	t.credMutex.Lock()
	t.remoteCred = stunCredentials{username: username, password: password}
	t.credMutex.Unlock()
}

// GetLocalSTUNCredentials локальные ICE ufrag/pwd
func (t *Transport) GetLocalSTUNCredentials() (string, string) {
	t.credMutex.Lock()
	defer t.credMutex.Unlock()
	return t.localCred.username, t.localCred.password
}

// GetRemoteSTUNCredentials удаленные ICE ufrag/pwd
func (t *Transport) GetRemoteSTUNCredentials() (string, string) {
	t.credMutex.Lock()
	defer t.credMutex.Unlock()
	return t.remoteCred.username, t.remoteCred.password
}

// SetLocalProperties перестраивает карты приема из локального описания:
// audio.codecs/video.codecs {codec, pt, rtx} и audio.ext/video.ext {uri, id}
func (t *Transport) SetLocalProperties(props *properties.Properties) error {
	return t.sync(func(time.Time) {
		t.recvRTP.FromProperties(mediaArray(props, "codecs"), t.log)
		t.recvExt.FromProperties(mediaArray(props, "ext"), t.log)
		t.log.WithFields(logrus.Fields{"codecs": t.recvRTP.Len()}).Debug("карты приема обновлены")
	})
}

// SetRemoteProperties перестраивает карты отправки из удаленного описания
func (t *Transport) SetRemoteProperties(props *properties.Properties) error {
	return t.sync(func(time.Time) {
		t.sendRTP.FromProperties(mediaArray(props, "codecs"), t.log)
		t.sendExt.FromProperties(mediaArray(props, "ext"), t.log)
		t.log.WithFields(logrus.Fields{"codecs": t.sendRTP.Len()}).Debug("карты отправки обновлены")
	})
}

func mediaArray(props *properties.Properties, name string) []*properties.Properties {
	if props == nil {
		return nil
	}
	var items []*properties.Properties
	for _, media := range []string{"audio", "video"} {
		items = append(items, props.GetChildArray(media+"."+name)...)
	}
	return items
}

// ActivateRemoteCandidate вызывается ICE уровнем для проверенной пары.
// Кандидат становится активным, если активного нет или пришла номинация.
// Каждый вызов перезапускает таймер неактивности.
func (t *Transport) ActivateRemoteCandidate(candidate Candidate, useCandidate bool, priority uint32) {
	t.async(func(now time.Time) {
		if candidate == nil {
			return
		}
		if t.active == nil || (useCandidate && !sameCandidate(t.active, candidate)) {
			t.active = candidate
			t.priority = priority
			t.log.WithFields(logrus.Fields{
				"candidate": candidateString(candidate),
				"nominated": useCandidate,
				"priority":  priority,
			}).Info("активирован удаленный кандидат")
			if t.listener != nil {
				t.listener.OnRemoteICECandidateActivated(t, candidate)
			}
		}

		if t.iceTimer == nil {
			t.iceTimer = t.loop.CreateTimer(t.config.ICETimeout, 0, t.onICETimeout)
		} else {
			t.iceTimer.Again(t.config.ICETimeout)
		}

		if t.dtls.IsClient() {
			t.pumpDTLS(now)
		}
	})
}

func (t *Transport) onICETimeout(now time.Time) {
	t.log.WithField("candidate", candidateString(t.active)).Warn("таймаут ICE")
	if t.listener != nil {
		t.listener.OnICETimeout(t)
	}
}

// ActiveCandidate текущий активный кандидат или nil
func (t *Transport) ActiveCandidate() Candidate {
	var c Candidate
	_ = t.sync(func(time.Time) { c = t.active })
	return c
}

// SetLocalCryptoSDES настраивает исходящий SRTP контекст ключом из SDES
func (t *Transport) SetLocalCryptoSDES(suite string, key []byte) error {
	return t.setCryptoSDES(suite, key, true)
}

// SetRemoteCryptoSDES настраивает входящий SRTP контекст ключом из SDES
func (t *Transport) SetRemoteCryptoSDES(suite string, key []byte) error {
	return t.setCryptoSDES(suite, key, false)
}

func (t *Transport) setCryptoSDES(name string, key []byte, local bool) error {
	suite, err := srtp.ParseSuite(name)
	if err != nil {
		t.log.WithError(err).WithField("suite", name).Warn("неизвестный SRTP набор")
		return newError(ErrorCodeUnknownSuite, 0, name, err)
	}
	var setupErr error
	if err := t.sync(func(time.Time) {
		if local {
			setupErr = t.srtp.SetLocalKey(suite, key)
		} else {
			setupErr = t.srtp.SetRemoteKey(suite, key)
		}
	}); err != nil {
		return err
	}
	if setupErr != nil {
		t.log.WithError(setupErr).WithFields(logrus.Fields{"suite": suite, "local": local}).Warn("ошибка настройки SRTP")
		return newError(ErrorCodeCryptoNotReady, 0, "настройка SDES", setupErr)
	}
	t.log.WithFields(logrus.Fields{"suite": suite, "local": local}).Debug("SRTP настроен через SDES")
	return nil
}

// SetRemoteCryptoDTLS запоминает роль и отпечаток удаленной стороны,
// переводит сессию в Connecting и запускает рукопожатие
func (t *Transport) SetRemoteCryptoDTLS(setup, hash, fingerprint string) error {
	remote, err := dtls.ParseSetup(setup)
	if err != nil {
		return newError(ErrorCodeInvalidState, 0, "DTLS setup", err)
	}
	var initErr error
	if err := t.sync(func(now time.Time) {
		if err := t.dtls.SetRemoteFingerprint(hash, fingerprint); err != nil {
			initErr = err
			return
		}
		t.transition(eventConnect)
		if err := t.dtls.Init(remote); err != nil {
			initErr = err
			return
		}
		if t.active != nil && t.dtls.IsClient() {
			t.pumpDTLS(now)
		}
	}); err != nil {
		return err
	}
	if initErr != nil {
		t.log.WithError(initErr).Warn("запуск DTLS")
		return newError(ErrorCodeInvalidState, 0, "запуск DTLS", initErr)
	}
	return nil
}

// GetLocalFingerprint отпечаток локального сертификата
func (t *Transport) GetLocalFingerprint(hash string) (string, error) {
	var (
		value string
		err   error
	)
	if serr := t.sync(func(time.Time) { value, err = t.dtls.GetFingerprint(hash) }); serr != nil {
		return "", serr
	}
	return value, err
}

// GetLocalSetup роль, которую транспорт займет в ответ на удаленную
func (t *Transport) GetLocalSetup() dtls.Setup {
	var setup dtls.Setup
	_ = t.sync(func(time.Time) { setup = dtls.LocalSetup(t.dtls.Setup()) })
	return setup
}

// AddIncomingSourceGroup регистрирует входящую группу.
// Если какой-либо SSRC уже занят, возвращает ErrSSRCAlreadyAssigned.
func (t *Transport) AddIncomingSourceGroup(g *rtp.IncomingSourceGroup) error {
	var addErr error
	if err := t.sync(func(time.Time) {
		if addErr = t.registry.addIncoming(g); addErr != nil {
			return
		}
		g.SetRTT(t.rtt)
		t.metrics.setGroups("in", len(t.registry.incoming))
		t.log.WithFields(logrus.Fields{"ssrc": g.Media.SSRC, "rtx": g.RTX.SSRC, "mid": g.MID, "rid": g.RID}).Debug("добавлена входящая группа")
	}); err != nil {
		return err
	}
	if addErr != nil {
		t.log.WithError(addErr).Warn("входящая группа не добавлена")
	}
	return addErr
}

// RemoveIncomingSourceGroup удаляет группу и завершает ее получателей
func (t *Transport) RemoveIncomingSourceGroup(g *rtp.IncomingSourceGroup) error {
	var found bool
	if err := t.sync(func(now time.Time) {
		if found = t.registry.removeIncoming(g); !found {
			return
		}
		for _, ssrc := range g.SSRCs() {
			t.srtp.RemoveIncomingStream(ssrc)
		}
		g.Stop(now)
		t.metrics.setGroups("in", len(t.registry.incoming))
	}); err != nil {
		return err
	}
	if !found {
		return ErrGroupNotFound
	}
	return nil
}

// AddOutgoingSourceGroup регистрирует исходящую группу и сразу
// отправляет по ней отчет отправителя
func (t *Transport) AddOutgoingSourceGroup(g *rtp.OutgoingSourceGroup) error {
	var addErr error
	if err := t.sync(func(now time.Time) {
		if addErr = t.registry.addOutgoing(g); addErr != nil {
			return
		}
		t.metrics.setGroups("out", len(t.registry.outgoing))
		t.log.WithFields(logrus.Fields{"ssrc": g.Media.SSRC, "rtx": g.RTX.SSRC, "mid": g.MID}).Debug("добавлена исходящая группа")

		var packets []rtcp.Packet
		for _, s := range []*rtp.OutgoingSource{g.Media, g.RTX, g.FEC} {
			if s.SSRC != 0 {
				packets = append(packets, s.CreateSenderReport(now))
			}
		}
		if err := t.sendRTCP(now, packets); err != nil {
			t.log.WithError(err).Debug("начальный SR не отправлен")
		}
	}); err != nil {
		return err
	}
	if addErr != nil {
		t.log.WithError(addErr).Warn("исходящая группа не добавлена")
	}
	return addErr
}

// RemoveOutgoingSourceGroup удаляет группу, отправляет один BYE по всем
// ее SSRC и очищает историю RTX
func (t *Transport) RemoveOutgoingSourceGroup(g *rtp.OutgoingSourceGroup) error {
	var found bool
	if err := t.sync(func(now time.Time) {
		if found = t.registry.removeOutgoing(g); !found {
			return
		}
		ssrcs := g.SSRCs()
		if err := t.sendRTCP(now, []rtcp.Packet{&rtcp.Goodbye{Sources: ssrcs}}); err != nil {
			t.log.WithError(err).Debug("BYE не отправлен")
		}
		for _, ssrc := range ssrcs {
			t.srtp.RemoveOutgoingStream(ssrc)
		}
		g.ClearHistory()
		t.metrics.setGroups("out", len(t.registry.outgoing))
	}); err != nil {
		return err
	}
	if !found {
		return ErrGroupNotFound
	}
	return nil
}

// GetIncomingSourceGroup группа по любому ее SSRC или nil
func (t *Transport) GetIncomingSourceGroup(ssrc uint32) *rtp.IncomingSourceGroup {
	var g *rtp.IncomingSourceGroup
	_ = t.sync(func(time.Time) { g = t.registry.incomingGroup(ssrc) })
	return g
}

// GetOutgoingSourceGroup группа по любому ее SSRC или nil
func (t *Transport) GetOutgoingSourceGroup(ssrc uint32) *rtp.OutgoingSourceGroup {
	var g *rtp.OutgoingSourceGroup
	_ = t.sync(func(time.Time) { g = t.registry.outgoingGroup(ssrc) })
	return g
}

// SetBandwidthProbing включает зондирование канала
func (t *Transport) SetBandwidthProbing(enabled bool) {
	_ = t.sync(func(time.Time) { t.probing = enabled })
}

// SetMaxProbingBitrate потолок битрейта зондирования
func (t *Transport) SetMaxProbingBitrate(bitrate uint64) {
	_ = t.sync(func(time.Time) { t.maxProbingBitrate = bitrate })
}

// SetProbingBitrateLimit общий битрейт, выше которого зондирование прекращается
func (t *Transport) SetProbingBitrateLimit(bitrate uint64) {
	_ = t.sync(func(time.Time) { t.probingBitrateLimit = bitrate })
}

// SetSenderSideEstimatorListener подписывает получателя целевого битрейта
func (t *Transport) SetSenderSideEstimatorListener(l bwe.Listener) {
	_ = t.sync(func(time.Time) { t.estimator.SetListener(l) })
}

// Dump начинает запись датаграмм в dumper. Предыдущий приемник закрывается.
func (t *Transport) Dump(dumper Dumper, inbound, outbound, rtcp, rtpHeadersOnly bool) error {
	return t.sync(func(time.Time) {
		if t.dump.dumper != nil && t.dump.dumper != dumper {
			if err := t.dump.dumper.Close(); err != nil {
				t.log.WithError(err).Warn("закрытие дампа")
			}
		}
		t.dump = dumpSettings{
			dumper:         dumper,
			inbound:        inbound,
			outbound:       outbound,
			rtcp:           rtcp,
			rtpHeadersOnly: rtpHeadersOnly,
		}
		t.log.WithFields(logrus.Fields{"in": inbound, "out": outbound, "rtcp": rtcp}).Info("запись дампа")
	})
}

// StopDump прекращает запись и закрывает приемник
func (t *Transport) StopDump() error {
	var closeErr error
	if err := t.sync(func(time.Time) {
		if t.dump.dumper != nil {
			closeErr = t.dump.dumper.Close()
		}
		t.dump = dumpSettings{}
	}); err != nil {
		return err
	}
	return closeErr
}

// GetStats снимок состояния
func (t *Transport) GetStats() Stats {
	stats := Stats{ID: t.id, State: StateClosed}
	_ = t.sync(func(now time.Time) {
		stats = Stats{
			ID:               t.id,
			State:            State(t.state.Current()),
			ActiveCandidate:  candidateString(t.active),
			RTT:              t.rtt,
			EstimatedBitrate: t.estimator.GetEstimatedBitrate(),
			AvailableBitrate: t.estimator.GetAvailableBitrate(),
			TargetBitrate:    t.estimator.GetTargetBitrate(),
			SentBitrate:      t.estimator.GetSentBitrate(now),
			RTXBitrate:       t.rtxBitrate.Bitrate(now),
			IncomingGroups:   len(t.registry.incoming),
			OutgoingGroups:   len(t.registry.outgoing),
			Probing:          t.probing,
		}
	})
	return stats
}

// GetRTT текущее RTT
func (t *Transport) GetRTT() time.Duration {
	var rtt time.Duration
	_ = t.sync(func(time.Time) { rtt = t.rtt })
	return rtt
}

// setRTT раздает новое RTT входящим группам и оценщику
func (t *Transport) setRTT(now time.Time, rtt time.Duration) {
	t.rtt = rtt
	for _, g := range t.registry.incoming {
		g.SetRTT(rtt)
	}
	t.estimator.UpdateRTT(now, rtt)
	t.metrics.setRTT(rtt.Seconds())
	logger.UltraDebug(t.log, "RTT %s", rtt)
}

// onTick выдает пакеты, дождавшиеся упорядочивания, повторяет NACK по
// старым потерям, чистит историю и раз в RTCPInterval шлет отчеты
func (t *Transport) onTick(now time.Time) {
	for _, g := range t.registry.incoming {
		g.Update(now)
		if g.Type == rtp.MediaVideo && g.LostCount() > 0 {
			t.sendNACKs(now, g)
		}
	}
	age := rtp.HistoryAge(t.rtt)
	for _, g := range t.registry.outgoing {
		g.ReleasePackets(now.Add(-age))
	}
	t.maybeSendReports(now)

	t.metrics.setBitrate("estimated", t.estimator.GetEstimatedBitrate())
	t.metrics.setBitrate("target", t.estimator.GetTargetBitrate())
	t.metrics.setBitrate("available", t.estimator.GetAvailableBitrate())
}
