// Пакет dtls - DTLS-SRTP рукопожатие поверх памяти.
//
// Connection не владеет сокетом: транспорт передает принятые шифротексты
// через Write и забирает исходящие через Read после OnDTLSPendingData.
// После рукопожатия экспортируется ключевой материал SRTP (RFC 5764).
package dtls

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/media_transport/pkg/logger"
	"github.com/arzzra/media_transport/pkg/srtp"
)

var (
	ErrInvalidSetup        = errors.New("неверная DTLS роль")
	ErrFingerprintMismatch = errors.New("отпечаток сертификата не совпадает")
	ErrNoPeerCertificate   = errors.New("удаленная сторона не прислала сертификат")
	ErrUnknownHash         = errors.New("неизвестный алгоритм отпечатка")
	ErrNoSRTPProfile       = errors.New("SRTP профиль не согласован")
	ErrAlreadyStarted      = errors.New("рукопожатие уже запущено")
	ErrClosed              = errors.New("DTLS соединение закрыто")
)

// метка экспорта ключей DTLS-SRTP
const srtpExporterLabel = "EXTRACTOR-dtls_srtp"

// State состояние соединения
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// Listener получает события соединения.
// Вызывается из горутин рукопожатия, получатель сам переносит работу в свой цикл.
type Listener interface {
	OnDTLSPendingData()
	OnDTLSSetup(suite srtp.Suite, localKey, remoteKey []byte)
	OnDTLSSetupError(err error)
	OnDTLSShutdown()
}

// Config параметры соединения
type Config struct {
	// Certificate локальный сертификат, nil - самоподписанный
	Certificate *tls.Certificate
	// Profiles предлагаемые SRTP профили
	Profiles         []dtls.SRTPProtectionProfile
	HandshakeTimeout time.Duration
	MTU              int
	Logger           logrus.FieldLogger
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Profiles:         srtp.DefaultDTLSProfiles(),
		HandshakeTimeout: 30 * time.Second,
		MTU:              1200,
	}
}

// Connection DTLS соединение с вводом/выводом через память
type Connection struct {
	config Config
	log    logrus.FieldLogger
	cert   tls.Certificate
	x509   *x509.Certificate

	mutex             sync.Mutex
	state             *fsm.FSM
	listener          Listener
	setup             Setup
	remoteHash        crypto.Hash
	remoteFingerprint string
	conn              *memConn
	dtlsConn          *dtls.Conn
	cancel            context.CancelFunc
	closing           bool
	wg                sync.WaitGroup
}

// NewConnection создает соединение и, при необходимости, сертификат
func NewConnection(config Config, listener Listener) (*Connection, error) {
	def := DefaultConfig()
	if len(config.Profiles) == 0 {
		config.Profiles = def.Profiles
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	if config.MTU <= 0 {
		config.MTU = def.MTU
	}

	var cert tls.Certificate
	if config.Certificate != nil {
		cert = *config.Certificate
	} else {
		var err error
		cert, err = selfsign.GenerateSelfSigned()
		if err != nil {
			return nil, fmt.Errorf("генерация сертификата: %w", err)
		}
	}
	if len(cert.Certificate) == 0 {
		return nil, errors.New("пустой сертификат")
	}
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("разбор сертификата: %w", err)
	}

	c := &Connection{
		config:   config,
		log:      logger.Component(config.Logger, "dtls"),
		cert:     cert,
		x509:     parsed,
		listener: listener,
		setup:    SetupHoldConn,
	}
	c.state = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: "connect", Src: []string{string(StateIdle)}, Dst: string(StateConnecting)},
			{Name: "established", Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: "fail", Src: []string{string(StateIdle), string(StateConnecting), string(StateConnected)}, Dst: string(StateFailed)},
			{Name: "close", Src: []string{string(StateIdle), string(StateConnecting), string(StateConnected), string(StateFailed)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				c.log.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Debug("DTLS состояние")
			},
		},
	)
	return c, nil
}

// State текущее состояние
func (c *Connection) State() State {
	return State(c.state.Current())
}

func (c *Connection) transition(event string) bool {
	return c.state.Event(context.Background(), event) == nil
}

// GetFingerprint отпечаток локального сертификата, hash - имя из SDP (sha-256)
func (c *Connection) GetFingerprint(hash string) (string, error) {
	algo, err := fingerprint.HashFromString(strings.ToLower(hash))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownHash, hash)
	}
	value, err := fingerprint.Fingerprint(c.x509, algo)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(value), nil
}

// Certificate локальный сертификат
func (c *Connection) Certificate() tls.Certificate {
	return c.cert
}

// SetRemoteFingerprint запоминает отпечаток, полученный в сигнализации
func (c *Connection) SetRemoteFingerprint(hash, value string) error {
	algo, err := fingerprint.HashFromString(strings.ToLower(hash))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownHash, hash)
	}
	c.mutex.Lock()
	c.remoteHash = algo
	c.remoteFingerprint = strings.TrimSpace(value)
	c.mutex.Unlock()
	return nil
}

// Setup роль удаленной стороны
func (c *Connection) Setup() Setup {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.setup
}

// IsClient инициирует ли эта сторона рукопожатие
func (c *Connection) IsClient() bool {
	return LocalSetup(c.Setup()) == SetupActive
}

// Init запускает рукопожатие в роли, обратной удаленной.
// holdconn переводит соединение в Connecting без рукопожатия.
func (c *Connection) Init(remote Setup) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closing {
		return ErrClosed
	}
	if c.conn != nil {
		return ErrAlreadyStarted
	}
	if !c.transition("connect") {
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, c.state.Current())
	}
	c.setup = remote
	if remote == SetupHoldConn {
		c.log.Debug("holdconn, рукопожатие отложено")
		return nil
	}

	c.conn = newMemConn(c.onPendingData)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	client := LocalSetup(remote) == SetupActive
	c.log.WithFields(logrus.Fields{"remote": remote, "client": client}).Debug("запуск рукопожатия")

	c.wg.Add(1)
	go c.run(ctx, client, c.conn)
	return nil
}

func (c *Connection) dtlsConfig() *dtls.Config {
	return &dtls.Config{
		Certificates:           []tls.Certificate{c.cert},
		SRTPProtectionProfiles: c.config.Profiles,
		ExtendedMasterSecret:   dtls.RequireExtendedMasterSecret,
		ClientAuth:             dtls.RequireAnyClientCert,
		InsecureSkipVerify:     true,
		VerifyPeerCertificate:  c.verifyPeerCertificate,
		MTU:                    c.config.MTU,
		LoggerFactory:          logger.NewPionFactory(c.log),
	}
}

// verifyPeerCertificate сверяет сертификат с отпечатком из сигнализации
func (c *Connection) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoPeerCertificate
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("разбор удаленного сертификата: %w", err)
	}

	c.mutex.Lock()
	algo, expected := c.remoteHash, c.remoteFingerprint
	c.mutex.Unlock()

	if expected == "" {
		return fmt.Errorf("%w: отпечаток не задан", ErrFingerprintMismatch)
	}
	actual, err := fingerprint.Fingerprint(cert, algo)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("%w: ожидался %s, получен %s", ErrFingerprintMismatch, expected, actual)
	}
	return nil
}

func (c *Connection) run(ctx context.Context, client bool, conn *memConn) {
	defer c.wg.Done()

	hctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	var (
		dconn *dtls.Conn
		err   error
	)
	if client {
		dconn, err = dtls.ClientWithContext(hctx, conn, c.dtlsConfig())
	} else {
		dconn, err = dtls.ServerWithContext(hctx, conn, c.dtlsConfig())
	}
	if err != nil {
		c.fail(fmt.Errorf("рукопожатие: %w", err))
		return
	}

	c.mutex.Lock()
	if c.closing {
		c.mutex.Unlock()
		_ = dconn.Close()
		return
	}
	c.dtlsConn = dconn
	c.mutex.Unlock()

	suite, localKey, remoteKey, err := exportKeys(dconn, client)
	if err != nil {
		c.fail(err)
		return
	}

	c.transition("established")
	c.log.WithField("suite", suite).Info("DTLS соединение установлено")
	if c.listener != nil {
		c.listener.OnDTLSSetup(suite, localKey, remoteKey)
	}

	c.readLoop(dconn)
}

// exportKeys экспортирует материал и делит его на ключи сторон.
// Порядок: ключ клиента, ключ сервера, соль клиента, соль сервера.
func exportKeys(conn *dtls.Conn, client bool) (srtp.Suite, []byte, []byte, error) {
	profile, ok := conn.SelectedSRTPProtectionProfile()
	if !ok {
		return srtp.SuiteUnknown, nil, nil, ErrNoSRTPProfile
	}
	suite, err := srtp.SuiteFromDTLSProfile(profile)
	if err != nil {
		return srtp.SuiteUnknown, nil, nil, err
	}

	keyLen, saltLen := suite.KeyLength(), suite.SaltLength()
	state := conn.ConnectionState()
	material, err := state.ExportKeyingMaterial(srtpExporterLabel, nil, 2*(keyLen+saltLen))
	if err != nil {
		return srtp.SuiteUnknown, nil, nil, fmt.Errorf("экспорт ключей: %w", err)
	}

	offset := 0
	clientKey := append([]byte(nil), material[offset:offset+keyLen]...)
	offset += keyLen
	serverKey := append([]byte(nil), material[offset:offset+keyLen]...)
	offset += keyLen
	clientKey = append(clientKey, material[offset:offset+saltLen]...)
	offset += saltLen
	serverKey = append(serverKey, material[offset:offset+saltLen]...)

	if client {
		return suite, clientKey, serverKey, nil
	}
	return suite, serverKey, clientKey, nil
}

// readLoop ждет закрытия со стороны пира, данных приложения в DTLS-SRTP нет
func (c *Connection) readLoop(conn *dtls.Conn) {
	buf := make([]byte, 1500)
	for {
		if _, err := conn.Read(buf); err != nil {
			c.mutex.Lock()
			closing := c.closing
			c.mutex.Unlock()
			if closing {
				return
			}
			c.log.WithError(err).Info("DTLS соединение закрыто удаленной стороной")
			c.transition("close")
			if c.listener != nil {
				c.listener.OnDTLSShutdown()
			}
			return
		}
	}
}

func (c *Connection) fail(err error) {
	c.mutex.Lock()
	closing := c.closing
	c.mutex.Unlock()
	if closing {
		return
	}
	c.log.WithError(err).Warn("ошибка DTLS")
	c.transition("fail")
	if c.listener != nil {
		c.listener.OnDTLSSetupError(err)
	}
}

func (c *Connection) onPendingData() {
	if c.listener != nil {
		c.listener.OnDTLSPendingData()
	}
}

// Write передает принятый шифротекст в DTLS
func (c *Connection) Write(data []byte) int {
	c.mutex.Lock()
	conn := c.conn
	c.mutex.Unlock()
	if conn == nil {
		return -1
	}
	n, err := conn.push(data)
	if err != nil {
		c.log.WithError(err).Debug("запись в закрытое DTLS соединение")
		return -1
	}
	return n
}

// Read забирает следующую исходящую датаграмму. 0 - очередь пуста
func (c *Connection) Read(buf []byte) int {
	c.mutex.Lock()
	conn := c.conn
	c.mutex.Unlock()
	if conn == nil {
		return 0
	}
	return conn.pop(buf)
}

// Pending число датаграмм, ожидающих отправки
func (c *Connection) Pending() int {
	c.mutex.Lock()
	conn := c.conn
	c.mutex.Unlock()
	if conn == nil {
		return 0
	}
	return conn.pending()
}

// Close отправляет close_notify и ждет завершения горутин.
// Нельзя вызывать из колбэков Listener.
func (c *Connection) Close() error {
	c.mutex.Lock()
	if c.closing {
		c.mutex.Unlock()
		return nil
	}
	c.closing = true
	conn, dconn, cancel := c.conn, c.dtlsConn, c.cancel
	c.mutex.Unlock()

	var err error
	if dconn != nil {
		err = dconn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	c.transition("close")
	return err
}
