package udp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arzzra/media_transport/pkg/transport"
)

type inbox struct {
	mutex sync.Mutex
	from  []transport.Candidate
	data  [][]byte
}

func (i *inbox) handle(candidate transport.Candidate, data []byte) {
	i.mutex.Lock()
	i.from = append(i.from, candidate)
	i.data = append(i.data, append([]byte(nil), data...))
	i.mutex.Unlock()
}

func (i *inbox) count() int {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return len(i.data)
}

func listen(t *testing.T, config Config) *Socket {
	t.Helper()
	if config.LocalAddr == "" {
		config.LocalAddr = "127.0.0.1:0"
	}
	config.ReadTimeout = 10 * time.Millisecond
	s, err := Listen(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSendAndServe(t *testing.T) {
	a := listen(t, Config{DSCP: DSCPExpeditedForwarding})
	b := listen(t, Config{})

	got := &inbox{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, got.handle) }()

	to := transport.Address{IP: "127.0.0.1", Port: uint16(b.LocalAddr().Port)}
	require.NoError(t, a.Send(to, []byte{0x80, 96, 0, 1}))
	require.NoError(t, a.Send(to, []byte{0x80, 200, 0, 1}))

	require.Eventually(t, func() bool { return got.count() == 2 }, time.Second, 5*time.Millisecond)
	got.mutex.Lock()
	assert.Equal(t, []byte{0x80, 96, 0, 1}, got.data[0])
	assert.Equal(t, "127.0.0.1", got.from[0].GetIPAddress())
	assert.Equal(t, uint16(a.LocalAddr().Port), got.from[0].GetPort())
	got.mutex.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve не завершился")
	}

	assert.Equal(t, uint64(2), a.GetStats().PacketsSent)
	assert.Equal(t, uint64(8), a.GetStats().BytesSent)
	assert.Equal(t, uint64(2), b.GetStats().PacketsReceived)
}

func TestCloseStopsServe(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := listen(t, Config{})
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), func(transport.Candidate, []byte) {}) }()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve не завершился")
	}
	assert.ErrorIs(t, s.Send(transport.Address{IP: "127.0.0.1", Port: 9}, []byte{1}), ErrClosed)
}

func TestConfigValidation(t *testing.T) {
	_, err := Listen(Config{})
	assert.Error(t, err)
	_, err = Listen(Config{LocalAddr: "127.0.0.1:0", DSCP: 64})
	assert.Error(t, err)
	_, err = Listen(Config{LocalAddr: "not-an-address"})
	assert.Error(t, err)

	s := listen(t, Config{})
	assert.ErrorIs(t, s.Send(transport.Address{IP: "host", Port: 1}, []byte{1}), ErrInvalidCandidate)

	c := Config{LocalAddr: "x"}
	c.ApplyDefaults()
	assert.Equal(t, DefaultBufferSize, c.BufferSize)
	assert.Equal(t, DefaultReadTimeout, c.ReadTimeout)
	assert.Equal(t, DefaultSocketBuffer, c.SocketBuffer)
}

func TestSocketIsTransportSender(t *testing.T) {
	var _ transport.Sender = (*Socket)(nil)
}
