// Пакет config конфигурация сервиса медиа транспорта.
//
// Значения читаются viper из файла (yaml, json, toml по расширению) и
// переменных окружения с префиксом MEDIA_TRANSPORT (точка в ключе
// заменяется на "_", например MEDIA_TRANSPORT_TRANSPORT_ICE_TIMEOUT).
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/arzzra/media_transport/pkg/logger"
	"github.com/arzzra/media_transport/pkg/rtp"
	"github.com/arzzra/media_transport/pkg/speaker"
	"github.com/arzzra/media_transport/pkg/transport"
	"github.com/arzzra/media_transport/pkg/udp"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "MEDIA_TRANSPORT"

// Config конфигурация сервиса
type Config struct {
	Listen    string          `mapstructure:"listen"`
	DSCP      int             `mapstructure:"dscp"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Transport TransportConfig `mapstructure:"transport"`
	Session   SessionConfig   `mapstructure:"session"`
	Speaker   SpeakerConfig   `mapstructure:"speaker"`
	Dump      DumpConfig      `mapstructure:"dump"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig HTTP точка prometheus. Пустой Listen отключает.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// TransportConfig настройки DTLS-ICE транспорта и групп источников
type TransportConfig struct {
	ICETimeout          time.Duration `mapstructure:"ice_timeout"`
	RTCPInterval        time.Duration `mapstructure:"rtcp_interval"`
	ProbingInterval     time.Duration `mapstructure:"probing_interval"`
	BandwidthProbing    bool          `mapstructure:"bandwidth_probing"`
	MaxProbingBitrate   uint64        `mapstructure:"max_probing_bitrate"`
	ProbingBitrateLimit uint64        `mapstructure:"probing_bitrate_limit"`
	RTXThrottle         float64       `mapstructure:"rtx_throttle"`
	RTXHistory          int           `mapstructure:"rtx_history"`
	NACKRetries         int           `mapstructure:"nack_retries"`
	LostWindow          uint32        `mapstructure:"lost_window"`
	MaxWait             time.Duration `mapstructure:"max_wait"`
}

// GroupConfig SSRC логического потока
type GroupConfig struct {
	Media uint32 `mapstructure:"media"`
	RTX   uint32 `mapstructure:"rtx"`
	MID   string `mapstructure:"mid"`
	RID   string `mapstructure:"rid"`
	// Type audio или video
	Type string `mapstructure:"type"`
}

// SessionConfig статическая SDES сессия с одним удаленным адресом
type SessionConfig struct {
	Remote string `mapstructure:"remote"`
	Suite  string `mapstructure:"suite"`
	// ключи в base64
	LocalKey  string `mapstructure:"local_key"`
	RemoteKey string `mapstructure:"remote_key"`
	// Properties путь к файлу свойств (codecs, extensions)
	Properties string      `mapstructure:"properties"`
	Incoming   GroupConfig `mapstructure:"incoming"`
	Outgoing   GroupConfig `mapstructure:"outgoing"`
}

// SpeakerConfig настройки детектора активного говорящего
type SpeakerConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	MinChangePeriod      time.Duration `mapstructure:"min_change_period"`
	MinActivationScore   uint64        `mapstructure:"min_activation_score"`
	MaxAccumulatedScore  uint64        `mapstructure:"max_accumulated_score"`
	NoiseGatingThreshold uint8         `mapstructure:"noise_gating_threshold"`
}

// DumpConfig запись датаграмм в pcap. Пустой Path отключает.
type DumpConfig struct {
	Path           string `mapstructure:"path"`
	Inbound        bool   `mapstructure:"inbound"`
	Outbound       bool   `mapstructure:"outbound"`
	RTCP           bool   `mapstructure:"rtcp"`
	RTPHeadersOnly bool   `mapstructure:"rtp_headers_only"`
}

// Default значения по умолчанию
func Default() Config {
	tc := transport.DefaultConfig()
	sc := speaker.DefaultConfig()
	return Config{
		Listen: "0.0.0.0:5004",
		Log: LogConfig{
			Level:  "log",
			Format: string(logger.FormatText),
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
			Path:   "/metrics",
		},
		Transport: TransportConfig{
			ICETimeout:        tc.ICETimeout,
			RTCPInterval:      tc.RTCPInterval,
			ProbingInterval:   tc.ProbingInterval,
			BandwidthProbing:  false,
			MaxProbingBitrate: tc.MaxProbingBitrate,
			RTXThrottle:       tc.RTXThrottle,
			RTXHistory:        512,
			NACKRetries:       5,
			LostWindow:        256,
		},
		Session: SessionConfig{
			Suite:    "AES_CM_128_HMAC_SHA1_80",
			Incoming: GroupConfig{Type: "video"},
			Outgoing: GroupConfig{Type: "video"},
		},
		Speaker: SpeakerConfig{
			MinChangePeriod:     sc.MinChangePeriod,
			MinActivationScore:  sc.MinActivationScore,
			MaxAccumulatedScore: sc.MaxAccumulatedScore,
		},
		Dump: DumpConfig{
			Inbound:  true,
			Outbound: true,
		},
	}
}

// Load читает конфигурацию из path и окружения. Пустой path - только
// значения по умолчанию и окружение.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("ошибка чтения конфигурации %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// setDefaults регистрирует каждый ключ, иначе AutomaticEnv не увидит
// вложенные значения при Unmarshal
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("listen", d.Listen)
	v.SetDefault("dscp", d.DSCP)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("transport.ice_timeout", d.Transport.ICETimeout)
	v.SetDefault("transport.rtcp_interval", d.Transport.RTCPInterval)
	v.SetDefault("transport.probing_interval", d.Transport.ProbingInterval)
	v.SetDefault("transport.bandwidth_probing", d.Transport.BandwidthProbing)
	v.SetDefault("transport.max_probing_bitrate", d.Transport.MaxProbingBitrate)
	v.SetDefault("transport.probing_bitrate_limit", d.Transport.ProbingBitrateLimit)
	v.SetDefault("transport.rtx_throttle", d.Transport.RTXThrottle)
	v.SetDefault("transport.rtx_history", d.Transport.RTXHistory)
	v.SetDefault("transport.nack_retries", d.Transport.NACKRetries)
	v.SetDefault("transport.lost_window", d.Transport.LostWindow)
	v.SetDefault("transport.max_wait", d.Transport.MaxWait)

	v.SetDefault("session.remote", d.Session.Remote)
	v.SetDefault("session.suite", d.Session.Suite)
	v.SetDefault("session.local_key", d.Session.LocalKey)
	v.SetDefault("session.remote_key", d.Session.RemoteKey)
	v.SetDefault("session.properties", d.Session.Properties)
	for name, g := range map[string]GroupConfig{"incoming": d.Session.Incoming, "outgoing": d.Session.Outgoing} {
		v.SetDefault("session."+name+".media", g.Media)
		v.SetDefault("session."+name+".rtx", g.RTX)
		v.SetDefault("session."+name+".mid", g.MID)
		v.SetDefault("session."+name+".rid", g.RID)
		v.SetDefault("session."+name+".type", g.Type)
	}

	v.SetDefault("speaker.enabled", d.Speaker.Enabled)
	v.SetDefault("speaker.min_change_period", d.Speaker.MinChangePeriod)
	v.SetDefault("speaker.min_activation_score", d.Speaker.MinActivationScore)
	v.SetDefault("speaker.max_accumulated_score", d.Speaker.MaxAccumulatedScore)
	v.SetDefault("speaker.noise_gating_threshold", d.Speaker.NoiseGatingThreshold)

	v.SetDefault("dump.path", d.Dump.Path)
	v.SetDefault("dump.inbound", d.Dump.Inbound)
	v.SetDefault("dump.outbound", d.Dump.Outbound)
	v.SetDefault("dump.rtcp", d.Dump.RTCP)
	v.SetDefault("dump.rtp_headers_only", d.Dump.RTPHeadersOnly)
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen %q: %w", c.Listen, err)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if f := logger.Format(c.Log.Format); f != logger.FormatText && f != logger.FormatJSON {
		return fmt.Errorf("неизвестный формат логов %q", c.Log.Format)
	}
	if c.Transport.RTXThrottle < 0 || c.Transport.RTXThrottle > 1 {
		return fmt.Errorf("rtx_throttle должен быть в диапазоне 0..1, получено %v", c.Transport.RTXThrottle)
	}
	if c.Transport.RTXHistory <= 0 {
		return fmt.Errorf("rtx_history должен быть положительным")
	}
	if c.Session.Remote != "" {
		if _, _, err := net.SplitHostPort(c.Session.Remote); err != nil {
			return fmt.Errorf("session.remote %q: %w", c.Session.Remote, err)
		}
	}
	for name, g := range map[string]GroupConfig{"incoming": c.Session.Incoming, "outgoing": c.Session.Outgoing} {
		if _, err := g.MediaType(); err != nil {
			return fmt.Errorf("session.%s: %w", name, err)
		}
	}
	return nil
}

// UDP настройки сокета
func (c *Config) UDP() udp.Config {
	return udp.Config{LocalAddr: c.Listen, DSCP: c.DSCP}
}

// Apply переносит настройки в конфигурацию транспорта
func (t TransportConfig) Apply(tc *transport.Config) {
	tc.ICETimeout = t.ICETimeout
	tc.RTCPInterval = t.RTCPInterval
	tc.ProbingInterval = t.ProbingInterval
	tc.MaxProbingBitrate = t.MaxProbingBitrate
	tc.ProbingBitrateLimit = t.ProbingBitrateLimit
	tc.RTXThrottle = t.RTXThrottle
}

// IncomingGroupConfig настройки входящей группы источников
func (t TransportConfig) IncomingGroupConfig() rtp.IncomingSourceGroupConfig {
	return rtp.IncomingSourceGroupConfig{
		MaxWait:        t.MaxWait,
		LostWindow:     t.LostWindow,
		MaxNACKRetries: t.NACKRetries,
	}
}

// MediaType тип потока группы
func (g GroupConfig) MediaType() (rtp.MediaType, error) {
	switch strings.ToLower(g.Type) {
	case "audio":
		return rtp.MediaAudio, nil
	case "", "video":
		return rtp.MediaVideo, nil
	default:
		return rtp.MediaUnknown, fmt.Errorf("неизвестный тип потока %q", g.Type)
	}
}

// Keys декодирует SDES ключи
func (s SessionConfig) Keys() (local, remote []byte, err error) {
	if local, err = base64.StdEncoding.DecodeString(s.LocalKey); err != nil {
		return nil, nil, fmt.Errorf("session.local_key: %w", err)
	}
	if remote, err = base64.StdEncoding.DecodeString(s.RemoteKey); err != nil {
		return nil, nil, fmt.Errorf("session.remote_key: %w", err)
	}
	return local, remote, nil
}

// RemoteCandidate удаленный адрес как кандидат транспорта
func (s SessionConfig) RemoteCandidate() (transport.Address, error) {
	host, port, err := net.SplitHostPort(s.Remote)
	if err != nil {
		return transport.Address{}, fmt.Errorf("session.remote %q: %w", s.Remote, err)
	}
	p, err := net.LookupPort("udp", port)
	if err != nil {
		return transport.Address{}, fmt.Errorf("session.remote %q: %w", s.Remote, err)
	}
	return transport.Address{IP: host, Port: uint16(p)}, nil
}

// Detector настройки детектора говорящего
func (s SpeakerConfig) Detector() speaker.Config {
	config := speaker.DefaultConfig()
	if s.MinChangePeriod > 0 {
		config.MinChangePeriod = s.MinChangePeriod
	}
	if s.MinActivationScore > 0 {
		config.MinActivationScore = s.MinActivationScore
	}
	if s.MaxAccumulatedScore > 0 {
		config.MaxAccumulatedScore = s.MaxAccumulatedScore
	}
	config.NoiseGatingThreshold = s.NoiseGatingThreshold
	return config
}
