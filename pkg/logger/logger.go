// Пакет logger - единая точка настройки структурированного логирования.
//
// Все компоненты медиа-транспорта получают logrus.FieldLogger через
// конфигурацию и порождают дочерний логгер с полем "component".
// Уровни исходной модели (Log, Debug, UltraDebug, Warning, Error)
// отображаются на уровни logrus.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Format формат вывода
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config конфигурация корневого логгера
type Config struct {
	Level  string    // log, debug, ultradebug, warning, error или уровни logrus
	Format Format    // text или json
	Output io.Writer // по умолчанию os.Stderr
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Level:  "log",
		Format: FormatText,
		Output: os.Stderr,
	}
}

// ParseLevel разбирает уровень логирования.
// Понимает как словарь медиа-сервера (log, ultradebug, warning), так и logrus.
func ParseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "log", "info":
		return logrus.InfoLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "ultradebug", "trace":
		return logrus.TraceLevel, nil
	case "warning", "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("неизвестный уровень логирования %q: %w", level, err)
	}
	return lvl, nil
}

// New создает корневой логгер по конфигурации
func New(config Config) (*logrus.Logger, error) {
	lvl, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetLevel(lvl)
	if config.Output != nil {
		log.SetOutput(config.Output)
	}

	switch config.Format {
	case FormatJSON:
		log.SetFormatter(&logrus.JSONFormatter{})
	case FormatText, "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("неизвестный формат логирования %q", config.Format)
	}
	return log, nil
}

// Discard возвращает логгер, который ничего не пишет. Используется в тестах.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.PanicLevel)
	return log
}

// Component возвращает дочерний логгер компонента.
// Если log == nil, используется Discard().
func Component(log logrus.FieldLogger, name string) logrus.FieldLogger {
	if log == nil {
		log = Discard()
	}
	return log.WithField("component", name)
}

// UltraDebug пишет сообщение на уровне Trace, если логгер это поддерживает
func UltraDebug(log logrus.FieldLogger, format string, args ...interface{}) {
	if entry, ok := log.(interface {
		Tracef(string, ...interface{})
	}); ok {
		entry.Tracef(format, args...)
		return
	}
	log.Debugf(format, args...)
}
