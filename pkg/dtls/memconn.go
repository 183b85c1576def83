package dtls

import (
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v2/packetio"
)

// memAddr адрес-заглушка, сокетом владеет транспорт
type memAddr struct{}

func (memAddr) Network() string { return "memory" }
func (memAddr) String() string  { return "memory" }

// memConn датаграммное соединение в памяти.
// Входящие шифротексты кладутся через push, исходящие забираются через pop.
type memConn struct {
	incoming *packetio.Buffer

	mutex    sync.Mutex
	outgoing [][]byte
	closed   bool

	onPending func()
}

func newMemConn(onPending func()) *memConn {
	return &memConn{
		incoming:  packetio.NewBuffer(),
		onPending: onPending,
	}
}

// push входящая датаграмма от транспорта
func (c *memConn) push(data []byte) (int, error) {
	return c.incoming.Write(data)
}

// pop следующая исходящая датаграмма, 0 если очередь пуста
func (c *memConn) pop(buf []byte) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.outgoing) == 0 {
		return 0
	}
	data := c.outgoing[0]
	if len(data) > len(buf) {
		return -1
	}
	c.outgoing[0] = nil
	c.outgoing = c.outgoing[1:]
	return copy(buf, data)
}

func (c *memConn) pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.outgoing)
}

func (c *memConn) Read(b []byte) (int, error) {
	return c.incoming.Read(b)
}

func (c *memConn) Write(b []byte) (int, error) {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return 0, net.ErrClosed
	}
	c.outgoing = append(c.outgoing, append([]byte(nil), b...))
	c.mutex.Unlock()

	if c.onPending != nil {
		c.onPending()
	}
	return len(b), nil
}

func (c *memConn) Close() error {
	c.mutex.Lock()
	c.closed = true
	c.mutex.Unlock()
	return c.incoming.Close()
}

func (c *memConn) LocalAddr() net.Addr                { return memAddr{} }
func (c *memConn) RemoteAddr() net.Addr               { return memAddr{} }
func (c *memConn) SetDeadline(t time.Time) error      { return c.incoming.SetReadDeadline(t) }
func (c *memConn) SetReadDeadline(t time.Time) error  { return c.incoming.SetReadDeadline(t) }
func (c *memConn) SetWriteDeadline(t time.Time) error { return nil }
