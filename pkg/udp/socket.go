// Пакет udp UDP сокет медиа транспорта.
//
// Socket отправляет датаграммы кандидатам транспорта и передает
// принятые датаграммы обработчику. Системные опции сокета (буферы, DSCP,
// SO_REUSEPORT) выставляются до bind, реализация зависит от платформы
// (см. sockopt_*.go).
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/media_transport/pkg/logger"
	"github.com/arzzra/media_transport/pkg/transport"
)

const (
	// DefaultBufferSize размер буфера чтения, больше MTU
	DefaultBufferSize = 1500 * 2
	// DefaultReadTimeout период проверки контекста в цикле чтения
	DefaultReadTimeout = 100 * time.Millisecond
	// DefaultSocketBuffer размер SO_RCVBUF/SO_SNDBUF
	DefaultSocketBuffer = 1 << 20

	// DSCP значения по RFC 4594
	DSCPExpeditedForwarding = 46
	DSCPAssuredForwarding41 = 34
	DSCPBestEffort          = 0
)

var (
	// ErrClosed операция над закрытым сокетом
	ErrClosed = errors.New("udp socket closed")
	// ErrInvalidCandidate адрес кандидата не разобран
	ErrInvalidCandidate = errors.New("invalid candidate address")
)

// Handler получатель принятых датаграмм. data действительна только во
// время вызова.
type Handler func(candidate transport.Candidate, data []byte)

// Config настройки сокета
type Config struct {
	// LocalAddr адрес для bind, например "0.0.0.0:5000"
	LocalAddr string
	// BufferSize размер буфера чтения
	BufferSize int
	// ReadTimeout период проверки контекста в Serve
	ReadTimeout time.Duration
	// SocketBuffer размер буферов ядра, 0 - DefaultSocketBuffer
	SocketBuffer int
	// DSCP маркировка QoS, 0 - не выставлять
	DSCP int
	// ReusePort разрешает несколько сокетов на одном порту
	ReusePort bool
	// BindToDevice привязка к интерфейсу (только linux)
	BindToDevice string

	Logger logrus.FieldLogger
}

// ApplyDefaults заполняет нулевые поля
func (c *Config) ApplyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.SocketBuffer <= 0 {
		c.SocketBuffer = DefaultSocketBuffer
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.LocalAddr == "" {
		return fmt.Errorf("локальный адрес обязателен")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63, получено %d", c.DSCP)
	}
	return nil
}

// Stats счетчики сокета
type Stats struct {
	PacketsSent     uint64
	BytesSent       uint64
	PacketsReceived uint64
	BytesReceived   uint64
	SendErrors      uint64
}

// Socket UDP сокет, реализует transport.Sender
type Socket struct {
	config Config
	conn   *net.UDPConn
	log    logrus.FieldLogger

	closeOnce sync.Once
	closed    atomic.Bool

	packetsSent     atomic.Uint64
	bytesSent       atomic.Uint64
	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	sendErrors      atomic.Uint64
}

// Listen открывает сокет на config.LocalAddr
func Listen(config Config) (*Socket, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = applySocketOptions(fd, config)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP сокета %s: %w", config.LocalAddr, err)
	}

	s := &Socket{
		config: config,
		conn:   pc.(*net.UDPConn),
	}
	s.log = logger.Component(config.Logger, "udp").WithField("local", s.conn.LocalAddr().String())
	s.log.Info("UDP сокет открыт")
	return s, nil
}

// LocalAddr локальный адрес сокета
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Send отправляет датаграмму кандидату
func (s *Socket) Send(candidate transport.Candidate, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ip := net.ParseIP(candidate.GetIPAddress())
	if ip == nil {
		return fmt.Errorf("%q: %w", candidate.GetIPAddress(), ErrInvalidCandidate)
	}
	n, err := s.conn.WriteToUDP(data, &net.UDPAddr{IP: ip, Port: int(candidate.GetPort())})
	if err != nil {
		s.sendErrors.Add(1)
		if s.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("UDP write: %w", err)
	}
	s.packetsSent.Add(1)
	s.bytesSent.Add(uint64(n))
	return nil
}

// Serve читает датаграммы и передает их handler до отмены ctx или
// закрытия сокета. Буфер переиспользуется между вызовами handler.
func (s *Socket) Serve(ctx context.Context, handler Handler) error {
	buf := make([]byte, s.config.BufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.closed.Load() {
			return nil
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Warn("ошибка чтения UDP")
			continue
		}
		if n == 0 {
			continue
		}

		s.packetsReceived.Add(1)
		s.bytesReceived.Add(uint64(n))
		handler(candidateFromAddr(addr), buf[:n])
	}
}

// Close закрывает сокет. Повторный вызов ничего не делает.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
		s.log.Info("UDP сокет закрыт")
	})
	return err
}

// GetStats снимок счетчиков
func (s *Socket) GetStats() Stats {
	return Stats{
		PacketsSent:     s.packetsSent.Load(),
		BytesSent:       s.bytesSent.Load(),
		PacketsReceived: s.packetsReceived.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		SendErrors:      s.sendErrors.Load(),
	}
}

func candidateFromAddr(addr *net.UDPAddr) transport.Address {
	ip := addr.IP
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return transport.Address{IP: ip.String(), Port: uint16(addr.Port)}
}
