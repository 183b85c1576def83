package logger

import (
	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// PionFactory адаптирует logrus к logging.LoggerFactory библиотек pion,
// чтобы DTLS писал в тот же приемник, что и остальной транспорт.
type PionFactory struct {
	log logrus.FieldLogger
}

// NewPionFactory создает фабрику логгеров pion поверх logrus
func NewPionFactory(log logrus.FieldLogger) *PionFactory {
	if log == nil {
		log = Discard()
	}
	return &PionFactory{log: log}
}

// NewLogger реализует logging.LoggerFactory
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{entry: f.log.WithField("scope", scope)}
}

type pionLogger struct {
	entry logrus.FieldLogger
}

func (l *pionLogger) Trace(msg string)                          { UltraDebug(l.entry, "%s", msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { UltraDebug(l.entry, format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.entry.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.entry.Info(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.entry.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
