// Пакет speaker - определение активного говорящего по уровню звука.
//
// Каждый участник копит очки, пока говорит, очки линейно убывают со
// временем. Активным становится участник с наибольшим счетом выше порога
// активации, но не чаще MinChangePeriod.
package speaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/media_transport/pkg/logger"
	"github.com/arzzra/media_transport/pkg/rtp"
)

const (
	// минимальный интервал между пересчетами
	processInterval = 10 * time.Millisecond
	// сколько времени без обновления засчитывается за раз
	maxAccumulateInterval = time.Second
	// тишина в RFC 6464
	silenceDBov = 127
)

// Listener получатель смены активного говорящего
type Listener interface {
	OnActiveSpeakerChanged(id uint32)
}

// ListenerFunc функция как Listener
type ListenerFunc func(id uint32)

func (f ListenerFunc) OnActiveSpeakerChanged(id uint32) { f(id) }

// Config параметры детектора. Очки начисляются как уровень × миллисекунды.
type Config struct {
	// MinChangePeriod минимальный интервал между сменами говорящего
	MinChangePeriod time.Duration
	// MinActivationScore порог, выше которого участник может стать активным
	MinActivationScore uint64
	// MaxAccumulatedScore потолок очков
	MaxAccumulatedScore uint64
	// InitialScore очки участника при первом появлении
	InitialScore uint64
	// DecayPerMs убывание очков за миллисекунду
	DecayPerMs uint64
	// NoiseGatingThreshold уровень, не выше которого звук считается тишиной
	NoiseGatingThreshold uint8

	Logger logrus.FieldLogger
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		MinChangePeriod:     2 * time.Second,
		MinActivationScore:  20_000,
		MaxAccumulatedScore: 256_000,
		InitialScore:        10_000,
		DecayPerMs:          40,
	}
}

type speaker struct {
	score      uint64
	lastUpdate time.Time
}

// Detector детектор активного говорящего
type Detector struct {
	mutex    sync.Mutex
	config   Config
	log      logrus.FieldLogger
	listener Listener

	speakers map[uint32]*speaker

	lastProcess time.Time
	lastChange  time.Time
	active      uint32
	hasActive   bool
}

// New создает детектор. Нулевые поля config берутся из DefaultConfig.
func New(config Config, listener Listener) *Detector {
	def := DefaultConfig()
	if config.MinChangePeriod <= 0 {
		config.MinChangePeriod = def.MinChangePeriod
	}
	if config.MinActivationScore == 0 {
		config.MinActivationScore = def.MinActivationScore
	}
	if config.MaxAccumulatedScore == 0 {
		config.MaxAccumulatedScore = def.MaxAccumulatedScore
	}
	if config.DecayPerMs == 0 {
		config.DecayPerMs = def.DecayPerMs
	}
	return &Detector{
		config:   config,
		log:      logger.Component(config.Logger, "speaker"),
		listener: listener,
		speakers: make(map[uint32]*speaker),
	}
}

// LevelFromDBov переводит значение расширения audio level (-dBov) в
// громкость: 0 - тишина, 127 - максимум
func LevelFromDBov(dBov uint8) uint8 {
	if dBov > silenceDBov {
		return 0
	}
	return silenceDBov - dBov
}

// AccumulatePacket учитывает пакет с расширением audio level
func (d *Detector) AccumulatePacket(id uint32, p *rtp.Packet, now time.Time) {
	if !p.Ext.HasAudioLevel {
		return
	}
	d.Accumulate(id, p.Ext.VAD, LevelFromDBov(p.Ext.Level), now)
}

// Accumulate учитывает уровень участника id. level - громкость 0..127.
// Новый участник получает InitialScore.
func (d *Detector) Accumulate(id uint32, vad bool, level uint8, now time.Time) {
	d.mutex.Lock()
	s, ok := d.speakers[id]
	switch {
	case !ok:
		d.speakers[id] = &speaker{score: d.config.InitialScore, lastUpdate: now}
	case vad && level > d.config.NoiseGatingThreshold:
		elapsed := now.Sub(s.lastUpdate)
		if elapsed > maxAccumulateInterval {
			elapsed = maxAccumulateInterval
		}
		if elapsed > 0 {
			s.score += uint64(elapsed.Milliseconds()) * uint64(level)
			if s.score > d.config.MaxAccumulatedScore {
				s.score = d.config.MaxAccumulatedScore
			}
		}
		s.lastUpdate = now
	}
	changed, id := d.processLocked(now, false)
	d.mutex.Unlock()

	d.notify(changed, id)
}

// Process уменьшает очки и выбирает активного говорящего.
// Вызовы чаще 10мс пропускаются.
func (d *Detector) Process(now time.Time) {
	d.mutex.Lock()
	changed, id := d.processLocked(now, false)
	d.mutex.Unlock()

	d.notify(changed, id)
}

// Release прекращает учет участника. Если он был активным, ограничение
// частоты смены сбрасывается и новый говорящий выбирается сразу.
func (d *Detector) Release(id uint32, now time.Time) {
	d.mutex.Lock()
	delete(d.speakers, id)
	force := false
	if d.hasActive && d.active == id {
		d.hasActive = false
		d.lastChange = time.Time{}
		force = true
	}
	changed, next := d.processLocked(now, force)
	d.mutex.Unlock()

	if force {
		d.log.WithField("id", id).Debug("активный говорящий ушел")
	}
	d.notify(changed, next)
}

// ActiveSpeaker текущий активный говорящий
func (d *Detector) ActiveSpeaker() (uint32, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.active, d.hasActive
}

// Score текущие очки участника
func (d *Detector) Score(id uint32) uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if s, ok := d.speakers[id]; ok {
		return s.score
	}
	return 0
}

// SetMinChangePeriod меняет интервал между сменами говорящего
func (d *Detector) SetMinChangePeriod(period time.Duration) {
	d.mutex.Lock()
	d.config.MinChangePeriod = period
	d.mutex.Unlock()
}

// SetMinActivationScore меняет порог активации
func (d *Detector) SetMinActivationScore(score uint64) {
	d.mutex.Lock()
	d.config.MinActivationScore = score
	d.mutex.Unlock()
}

// SetMaxAccumulatedScore меняет потолок очков
func (d *Detector) SetMaxAccumulatedScore(score uint64) {
	d.mutex.Lock()
	d.config.MaxAccumulatedScore = score
	d.mutex.Unlock()
}

// SetNoiseGatingThreshold меняет порог тишины
func (d *Detector) SetNoiseGatingThreshold(level uint8) {
	d.mutex.Lock()
	d.config.NoiseGatingThreshold = level
	d.mutex.Unlock()
}

func (d *Detector) processLocked(now time.Time, force bool) (bool, uint32) {
	if !force && !d.lastProcess.IsZero() && now.Sub(d.lastProcess) < processInterval {
		return false, 0
	}
	if !d.lastProcess.IsZero() && now.After(d.lastProcess) {
		decay := uint64(now.Sub(d.lastProcess).Milliseconds()) * d.config.DecayPerMs
		for _, s := range d.speakers {
			if s.score > decay {
				s.score -= decay
			} else {
				s.score = 0
			}
		}
	}
	if now.After(d.lastProcess) {
		d.lastProcess = now
	}

	// при равенстве очков остается текущий говорящий
	var (
		best      uint32
		bestScore uint64
		found     bool
	)
	if d.hasActive {
		if s, ok := d.speakers[d.active]; ok {
			best, bestScore, found = d.active, s.score, true
		}
	}
	for id, s := range d.speakers {
		if !found || s.score > bestScore || (s.score == bestScore && id < best && best != d.active) {
			best, bestScore, found = id, s.score, true
		}
	}

	if !found || bestScore <= d.config.MinActivationScore {
		return false, 0
	}
	if d.hasActive && best == d.active {
		return false, 0
	}
	if !d.lastChange.IsZero() && now.Sub(d.lastChange) < d.config.MinChangePeriod {
		return false, 0
	}
	d.active, d.hasActive = best, true
	d.lastChange = now
	return true, best
}

func (d *Detector) notify(changed bool, id uint32) {
	if !changed {
		return
	}
	logger.UltraDebug(d.log, "активный говорящий %d", id)
	if d.listener != nil {
		d.listener.OnActiveSpeakerChanged(id)
	}
}
