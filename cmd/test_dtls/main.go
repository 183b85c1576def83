package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/arzzra/media_transport/pkg/dtls"
	"github.com/arzzra/media_transport/pkg/logger"
	"github.com/arzzra/media_transport/pkg/srtp"
)

type result struct {
	suite     srtp.Suite
	localKey  []byte
	remoteKey []byte
}

// peer перекладывает датаграммы своего соединения во встречное
type peer struct {
	name   string
	conn   *dtls.Connection
	remote *peer
	done   chan result
	failed chan error
}

func (p *peer) OnDTLSPendingData() {
	buf := make([]byte, 2048)
	for {
		n := p.conn.Read(buf)
		if n <= 0 {
			return
		}
		p.remote.conn.Write(buf[:n])
	}
}

func (p *peer) OnDTLSSetup(suite srtp.Suite, localKey, remoteKey []byte) {
	p.done <- result{suite: suite, localKey: localKey, remoteKey: remoteKey}
}

func (p *peer) OnDTLSSetupError(err error) { p.failed <- err }
func (p *peer) OnDTLSShutdown()            { fmt.Printf("%s: close_notify\n", p.name) }

func main() {
	var (
		hash    = flag.String("hash", "sha-256", "Fingerprint hash")
		timeout = flag.Duration("timeout", 10*time.Second, "Handshake timeout")
		level   = flag.String("log", "warning", "Log level")
	)
	flag.Parse()

	fmt.Println("=== Тест DTLS-SRTP рукопожатия ===")

	log.SetFlags(0)
	logCfg := logger.DefaultConfig()
	logCfg.Level = *level
	root, err := logger.New(logCfg)
	if err != nil {
		log.Fatalf("Ошибка настройки логов: %v", err)
	}

	config := dtls.DefaultConfig()
	config.HandshakeTimeout = *timeout
	config.Logger = root

	offerer := &peer{name: "offerer", done: make(chan result, 1), failed: make(chan error, 1)}
	answerer := &peer{name: "answerer", done: make(chan result, 1), failed: make(chan error, 1)}
	offerer.remote, answerer.remote = answerer, offerer

	if offerer.conn, err = dtls.NewConnection(config, offerer); err != nil {
		log.Fatalf("Ошибка создания DTLS соединения: %v", err)
	}
	if answerer.conn, err = dtls.NewConnection(config, answerer); err != nil {
		log.Fatalf("Ошибка создания DTLS соединения: %v", err)
	}

	for _, p := range []*peer{offerer, answerer} {
		fp, err := p.conn.GetFingerprint(*hash)
		if err != nil {
			log.Fatalf("Ошибка вычисления отпечатка: %v", err)
		}
		fmt.Printf("✓ %s: %s %s\n", p.name, *hash, fp)
		if err := p.remote.conn.SetRemoteFingerprint(*hash, fp); err != nil {
			log.Fatalf("Ошибка установки отпечатка: %v", err)
		}
	}

	// offerer предлагает actpass, answerer отвечает active
	if err := offerer.conn.Init(dtls.SetupActive); err != nil {
		log.Fatalf("Ошибка запуска DTLS: %v", err)
	}
	if err := answerer.conn.Init(dtls.SetupActPass); err != nil {
		log.Fatalf("Ошибка запуска DTLS: %v", err)
	}

	started := time.Now()
	results := make(map[string]result, 2)
	for len(results) < 2 {
		select {
		case r := <-offerer.done:
			results[offerer.name] = r
		case r := <-answerer.done:
			results[answerer.name] = r
		case err := <-offerer.failed:
			log.Fatalf("offerer: %v", err)
		case err := <-answerer.failed:
			log.Fatalf("answerer: %v", err)
		case <-time.After(*timeout):
			log.Fatalf("Таймаут рукопожатия")
		}
	}
	fmt.Printf("✓ Рукопожатие завершено за %v\n", time.Since(started).Round(time.Millisecond))

	for _, name := range []string{offerer.name, answerer.name} {
		r := results[name]
		fmt.Printf("  %s: suite=%s\n", name, r.suite)
		fmt.Printf("    local  %s\n", hex.EncodeToString(r.localKey))
		fmt.Printf("    remote %s\n", hex.EncodeToString(r.remoteKey))
	}

	a, b := results[offerer.name], results[answerer.name]
	ok := a.suite == b.suite && hex.EncodeToString(a.localKey) == hex.EncodeToString(b.remoteKey) &&
		hex.EncodeToString(a.remoteKey) == hex.EncodeToString(b.localKey)

	_ = answerer.conn.Close()
	_ = offerer.conn.Close()

	if !ok {
		fmt.Println("✗ Ключи сторон не совпадают")
		os.Exit(1)
	}
	fmt.Println("✓ Ключи сторон совпадают")
}
