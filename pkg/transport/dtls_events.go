package transport

import (
	"time"

	"github.com/arzzra/media_transport/pkg/dtls"
	"github.com/arzzra/media_transport/pkg/srtp"
)

// dtlsEvents переносит события DTLS с горутин рукопожатия на цикл.
// События от замененного при Reset соединения отбрасываются.
type dtlsEvents struct {
	t    *Transport
	conn *dtls.Connection
}

func (e *dtlsEvents) current() bool {
	return e.t.dtls == e.conn
}

func (e *dtlsEvents) OnDTLSPendingData() {
	e.t.async(func(now time.Time) {
		if e.current() {
			e.t.pumpDTLS(now)
		}
	})
}

func (e *dtlsEvents) OnDTLSSetup(suite srtp.Suite, localKey, remoteKey []byte) {
	e.t.async(func(now time.Time) {
		if e.current() {
			e.t.onDTLSSetup(suite, localKey, remoteKey)
		}
	})
}

func (e *dtlsEvents) OnDTLSSetupError(err error) {
	e.t.async(func(now time.Time) {
		if e.current() {
			e.t.log.WithError(err).Warn("ошибка DTLS рукопожатия")
			e.t.transition(eventFail)
		}
	})
}

func (e *dtlsEvents) OnDTLSShutdown() {
	e.t.async(func(now time.Time) {
		if e.current() {
			e.t.log.Info("DTLS закрыт удаленной стороной")
			e.t.transition(eventClose)
		}
	})
}

func (t *Transport) newDTLSConnection(config dtls.Config) (*dtls.Connection, error) {
	events := &dtlsEvents{t: t}
	conn, err := dtls.NewConnection(config, events)
	if err != nil {
		return nil, err
	}
	events.conn = conn
	return conn, nil
}

// onDTLSSetup настраивает SRTP экспортированными ключами
func (t *Transport) onDTLSSetup(suite srtp.Suite, localKey, remoteKey []byte) {
	if err := t.srtp.Setup(suite, localKey, remoteKey); err != nil {
		t.log.WithError(err).WithField("suite", suite).Error("настройка SRTP из DTLS")
		t.transition(eventFail)
		return
	}
	t.log.WithField("suite", suite).Info("SRTP настроен через DTLS")
	t.transition(eventEstablished)
}

// pumpDTLS отправляет накопленные датаграммы DTLS активному кандидату
func (t *Transport) pumpDTLS(now time.Time) {
	if t.active == nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		n := t.dtls.Read(buf)
		if n <= 0 {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		if err := t.sender.Send(t.active, data); err != nil {
			t.log.WithError(err).Debug("отправка DTLS")
			continue
		}
		t.metrics.packet("out", "dtls", n)
	}
}
