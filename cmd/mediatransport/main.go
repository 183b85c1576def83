package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/media_transport/pkg/config"
	"github.com/arzzra/media_transport/pkg/eventloop"
	"github.com/arzzra/media_transport/pkg/logger"
	"github.com/arzzra/media_transport/pkg/pcap"
	"github.com/arzzra/media_transport/pkg/properties"
	"github.com/arzzra/media_transport/pkg/rtp"
	"github.com/arzzra/media_transport/pkg/speaker"
	"github.com/arzzra/media_transport/pkg/transponder"
	"github.com/arzzra/media_transport/pkg/transport"
	"github.com/arzzra/media_transport/pkg/udp"
)

// период пересчета детектора говорящего без входящего звука
const speakerProcessInterval = 100 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "Path to config file (yaml, json, toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	root, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: logger.Format(cfg.Log.Format),
		Output: os.Stderr,
	})
	if err != nil {
		log.Fatalf("Ошибка настройки логов: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, root); err != nil {
		root.WithError(err).Fatal("сервис завершился с ошибкой")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := transport.NewMetrics(registry)

	loop := eventloop.New(eventloop.Config{Name: "media", Logger: log})
	loop.Start()
	defer loop.Stop()

	udpCfg := cfg.UDP()
	udpCfg.Logger = log
	socket, err := udp.Listen(udpCfg)
	if err != nil {
		return err
	}
	defer socket.Close()

	tc := transport.DefaultConfig()
	cfg.Transport.Apply(&tc)
	tc.Loop = loop
	tc.Sender = socket
	tc.Logger = log
	tc.Metrics = metrics
	tc.Listener = &sessionListener{log: log}
	if addr := socket.LocalAddr(); addr != nil {
		tc.DumpLocalIP = addr.IP.String()
		tc.DumpLocalPort = uint16(addr.Port)
	}

	t, err := transport.New(tc)
	if err != nil {
		return err
	}
	if err := t.Start(); err != nil {
		return err
	}
	defer t.Stop()

	if err := setupSession(t, cfg, log); err != nil {
		return err
	}

	relay, detector, err := setupRelay(t, cfg, log)
	if err != nil {
		return err
	}
	defer relay.Close()
	if detector != nil {
		timer := loop.CreateTimer(speakerProcessInterval, speakerProcessInterval, detector.Process)
		defer timer.Cancel()
	}

	if cfg.Dump.Path != "" {
		w, err := pcap.Create(cfg.Dump.Path)
		if err != nil {
			return err
		}
		if err := t.Dump(w, cfg.Dump.Inbound, cfg.Dump.Outbound, cfg.Dump.RTCP, cfg.Dump.RTPHeadersOnly); err != nil {
			_ = w.Close()
			return err
		}
		defer func() { _ = t.StopDump() }()
	}

	var server *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		server = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("HTTP сервер метрик")
			}
		}()
		log.WithField("addr", cfg.Metrics.Listen).Info("метрики доступны")
	}

	log.WithFields(logrus.Fields{
		"listen":    socket.LocalAddr().String(),
		"transport": t.ID(),
	}).Info("медиа транспорт запущен")

	serveErr := socket.Serve(ctx, t.OnData)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}
	stats := t.GetStats()
	log.WithFields(logrus.Fields{
		"state":     stats.State,
		"rtt":       stats.RTT,
		"estimated": stats.EstimatedBitrate,
		"forwarded": relay.GetStats().Forwarded,
	}).Info("медиа транспорт остановлен")

	if errors.Is(serveErr, context.Canceled) {
		return nil
	}
	return serveErr
}

// setupSession настраивает карты кодеков, SDES ключи и удаленный адрес
func setupSession(t *transport.Transport, cfg *config.Config, log logrus.FieldLogger) error {
	s := cfg.Session
	if s.Properties != "" {
		props, err := loadProperties(s.Properties)
		if err != nil {
			return err
		}
		if err := t.SetLocalProperties(props); err != nil {
			return err
		}
		if err := t.SetRemoteProperties(props); err != nil {
			return err
		}
	}

	if s.LocalKey != "" || s.RemoteKey != "" {
		local, remote, err := s.Keys()
		if err != nil {
			return err
		}
		if err := t.SetLocalCryptoSDES(s.Suite, local); err != nil {
			return err
		}
		if err := t.SetRemoteCryptoSDES(s.Suite, remote); err != nil {
			return err
		}
	}

	t.SetBandwidthProbing(cfg.Transport.BandwidthProbing)

	if s.Remote != "" {
		candidate, err := s.RemoteCandidate()
		if err != nil {
			return err
		}
		t.ActivateRemoteCandidate(candidate, true, 0)
		log.WithField("remote", candidate.String()).Info("статический удаленный адрес")
	}
	return nil
}

// loadProperties читает свойства из SDP (.sdp) или из файла конфигурации
func loadProperties(path string) (*properties.Properties, error) {
	if strings.EqualFold(filepath.Ext(path), ".sdp") {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("чтение %s: %w", path, err)
		}
		return properties.FromSessionDescription(raw)
	}
	return properties.Load(path)
}

// setupRelay пересылает входящую группу в исходящую через транспондер
func setupRelay(t *transport.Transport, cfg *config.Config, log logrus.FieldLogger) (*transponder.Transponder, *speaker.Detector, error) {
	s := cfg.Session
	inType, err := s.Incoming.MediaType()
	if err != nil {
		return nil, nil, err
	}
	outType, err := s.Outgoing.MediaType()
	if err != nil {
		return nil, nil, err
	}

	in := rtp.NewIncomingSourceGroup(inType, s.Incoming.Media, s.Incoming.RTX, 0, cfg.Transport.IncomingGroupConfig())
	in.MID, in.RID = s.Incoming.MID, s.Incoming.RID
	if err := t.AddIncomingSourceGroup(in); err != nil {
		return nil, nil, err
	}

	outSSRC := s.Outgoing.Media
	if outSSRC == 0 {
		outSSRC = t.MainSSRC() + 1
	}
	out := rtp.NewOutgoingSourceGroup(outType, outSSRC, s.Outgoing.RTX, 0, cfg.Transport.RTXHistory)
	out.MID, out.RID = s.Outgoing.MID, s.Outgoing.RID
	if err := t.AddOutgoingSourceGroup(out); err != nil {
		return nil, nil, err
	}

	relay := transponder.New(out, t, transponder.Config{Logger: log, RewriteVP8: true})
	relay.SetIncoming(in, t)

	var detector *speaker.Detector
	if cfg.Speaker.Enabled {
		dc := cfg.Speaker.Detector()
		dc.Logger = log
		detector = speaker.New(dc, speaker.ListenerFunc(func(id uint32) {
			log.WithField("ssrc", id).Info("активный говорящий")
		}))
		in.AddListener(&speakerTap{detector: detector})
	}
	return relay, detector, nil
}

// speakerTap передает уровень звука входящей группы в детектор
type speakerTap struct {
	detector *speaker.Detector
}

func (s *speakerTap) OnRTP(group *rtp.IncomingSourceGroup, p *rtp.Packet) {
	s.detector.AccumulatePacket(p.SSRC(), p, time.Now())
}

func (s *speakerTap) OnBye(group *rtp.IncomingSourceGroup) {
	s.detector.Release(group.Media.SSRC, time.Now())
}

func (s *speakerTap) OnEnded(group *rtp.IncomingSourceGroup) {
	s.detector.Release(group.Media.SSRC, time.Now())
}

// sessionListener пишет события транспорта в лог
type sessionListener struct {
	log logrus.FieldLogger
}

func (l *sessionListener) OnRemoteICECandidateActivated(t *transport.Transport, candidate transport.Candidate) {
	l.log.WithField("candidate", fmt.Sprintf("%s:%d", candidate.GetIPAddress(), candidate.GetPort())).Info("кандидат активирован")
}

func (l *sessionListener) OnDTLSStateChanged(t *transport.Transport, state transport.State) {
	l.log.WithField("state", state).Info("состояние DTLS")
}

func (l *sessionListener) OnICETimeout(t *transport.Transport) {
	l.log.Warn("нет трафика от удаленной стороны")
}
