// Пакет bwe - оценка полосы на стороне отправителя.
//
// Estimator принимает записи об отправленных пакетах (по расширенному
// transport-wide номеру) и отчеты transport-wide CC, сопоставляет их и
// ведет модель по градиенту задержки и доле потерь. Наружу отдаются
// оцененный, доступный и целевой битрейты. Целевой битрейт - то, к чему
// сходятся пробинг и адаптация кодера.
package bwe

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/media_transport/pkg/logger"
	"github.com/arzzra/media_transport/pkg/rtp"
)

// PacketStats запись об отправленном пакете
type PacketStats struct {
	TransportSeqNum uint32 // расширенный transport-wide номер
	SSRC            uint32
	ExtSeqNum       uint32
	Size            int
	Sent            time.Time
	Mark            bool
	RTX             bool
	Probing         bool

	received bool
	lost     bool
	arrival  time.Duration // время прихода относительно отчета
}

// State состояние детектора перегрузки
type State int

const (
	StateNormal State = iota
	StateOverusing
	StateUnderusing
)

func (s State) String() string {
	switch s {
	case StateOverusing:
		return "overusing"
	case StateUnderusing:
		return "underusing"
	default:
		return "normal"
	}
}

// Listener получает новые значения после каждого отчета
type Listener interface {
	OnTargetBitrateRequested(target, available uint64, rtt time.Duration)
}

// Config параметры модели
type Config struct {
	StartBitrate uint64
	MinBitrate   uint64
	MaxBitrate   uint64
	// WindowSize сколько неподтвержденных записей хранить
	WindowSize int
	// WindowTime сколько хранить неподтвержденную запись
	WindowTime time.Duration
	Logger     logrus.FieldLogger
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		StartBitrate: 300_000,
		MinBitrate:   30_000,
		MaxBitrate:   20_000_000,
		WindowSize:   8192,
		WindowTime:   2 * time.Second,
	}
}

const (
	overuseSlope       = 0.05 // мс задержки на мс времени
	underuseSlope      = -0.05
	highLossRatio      = 0.10
	lowLossRatio       = 0.02
	decreaseFactor     = 0.85
	increasePerSecond  = 0.08
	targetHeadroom     = 1.08
	probeAcceptFactor  = 0.9
	rttSmoothingFactor = 0.125
)

// Estimator оценщик полосы отправителя
type Estimator struct {
	config Config
	log    logrus.FieldLogger

	mutex   sync.Mutex
	pending *deque.Deque[*PacketStats]

	lastFeedbackCount uint8
	hasFeedbackCount  bool

	rtt    time.Duration
	minRTT time.Duration

	state     State
	slope     float64
	lossRatio float64

	estimated uint64
	available uint64
	target    uint64
	lastRaise time.Time

	acked *rtp.Accumulator
	sent  *rtp.Accumulator
	rtx   *rtp.Accumulator

	listener Listener
}

// New создает оценщик
func New(config Config) *Estimator {
	def := DefaultConfig()
	if config.StartBitrate == 0 {
		config.StartBitrate = def.StartBitrate
	}
	if config.MinBitrate == 0 {
		config.MinBitrate = def.MinBitrate
	}
	if config.MaxBitrate == 0 {
		config.MaxBitrate = def.MaxBitrate
	}
	if config.WindowSize <= 0 {
		config.WindowSize = def.WindowSize
	}
	if config.WindowTime <= 0 {
		config.WindowTime = def.WindowTime
	}
	e := &Estimator{
		config:  config,
		log:     logger.Component(config.Logger, "bwe"),
		pending: deque.New[*PacketStats](),
		acked:   rtp.NewAccumulator(time.Second),
		sent:    rtp.NewAccumulator(time.Second),
		rtx:     rtp.NewAccumulator(time.Second),
	}
	e.resetLocked()
	return e
}

// SetListener задает получателя новых значений
func (e *Estimator) SetListener(l Listener) {
	e.mutex.Lock()
	e.listener = l
	e.mutex.Unlock()
}

// Reset возвращает модель к начальному битрейту
func (e *Estimator) Reset() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.resetLocked()
}

func (e *Estimator) resetLocked() {
	e.pending.Clear()
	e.hasFeedbackCount = false
	e.state = StateNormal
	e.slope = 0
	e.lossRatio = 0
	e.estimated = e.config.StartBitrate
	e.available = e.config.StartBitrate
	e.target = e.config.StartBitrate
	e.acked.Reset()
	e.sent.Reset()
	e.rtx.Reset()
}

// SentPacket запоминает отправленный пакет до прихода отчета
func (e *Estimator) SentPacket(stats PacketStats) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.sent.Update(stats.Sent, stats.Size)
	if stats.RTX {
		e.rtx.Update(stats.Sent, stats.Size)
	}

	if e.pending.Len() > 0 {
		last := e.pending.Back()
		if stats.TransportSeqNum <= last.TransportSeqNum {
			e.log.WithField("seq", stats.TransportSeqNum).Debug("немонотонный transport-wide номер, запись пропущена")
			return
		}
		// дыры в нумерации заполняются пустыми записями
		for seq := last.TransportSeqNum + 1; seq < stats.TransportSeqNum && e.pending.Len() < e.config.WindowSize; seq++ {
			e.pending.PushBack(&PacketStats{TransportSeqNum: seq, Sent: stats.Sent, lost: true})
		}
	}
	s := stats
	e.pending.PushBack(&s)

	for e.pending.Len() > e.config.WindowSize {
		e.pending.PopFront()
	}
	for e.pending.Len() > 0 && stats.Sent.Sub(e.pending.Front().Sent) > e.config.WindowTime {
		e.pending.PopFront()
	}
}

// PendingLen число неподтвержденных записей
func (e *Estimator) PendingLen() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.pending.Len()
}

// ReceivedFeedback обрабатывает отчет transport-wide CC.
// packets: расширенный номер -> время прихода в микросекундах, 0 - потерян.
func (e *Estimator) ReceivedFeedback(feedbackCount uint8, packets map[uint32]uint64, now time.Time) {
	e.mutex.Lock()

	if e.hasFeedbackCount && feedbackCount != e.lastFeedbackCount+1 {
		e.log.WithFields(logrus.Fields{
			"expected": e.lastFeedbackCount + 1,
			"got":      feedbackCount,
		}).Debug("пропущен отчет transport-wide CC")
	}
	e.lastFeedbackCount = feedbackCount
	e.hasFeedbackCount = true

	if len(packets) == 0 || e.pending.Len() == 0 {
		e.mutex.Unlock()
		return
	}

	seqs := make([]uint32, 0, len(packets))
	for seq := range packets {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	first := e.pending.Front().TransportSeqNum
	var matched []*PacketStats
	var lost, total int
	var probeBytes int
	var probeFirst, probeLast time.Duration
	for _, seq := range seqs {
		if seq < first || int(seq-first) >= e.pending.Len() {
			continue
		}
		stats := e.pending.At(int(seq - first))
		total++
		arrival := packets[seq]
		if arrival == 0 {
			stats.lost = true
			lost++
			continue
		}
		stats.received = true
		stats.lost = false
		stats.arrival = time.Duration(arrival) * time.Microsecond
		matched = append(matched, stats)
		e.acked.Update(now, stats.Size)

		if stats.Probing {
			if probeBytes == 0 || stats.arrival < probeFirst {
				probeFirst = stats.arrival
			}
			if stats.arrival > probeLast {
				probeLast = stats.arrival
			}
			probeBytes += stats.Size
		}
	}

	// подтвержденные и пропущенные отчетом записи больше не нужны
	last := seqs[len(seqs)-1]
	for e.pending.Len() > 0 && e.pending.Front().TransportSeqNum <= last {
		front := e.pending.PopFront()
		if !front.received && !front.lost {
			lost++
			total++
		}
	}

	if total > 0 {
		e.lossRatio = float64(lost) / float64(total)
	}
	e.slope = delaySlope(matched)
	e.updateStateLocked()
	e.updateBitrateLocked(now, probeBytes, probeLast-probeFirst)

	listener := e.listener
	target, available, rtt := e.target, e.available, e.rtt
	e.mutex.Unlock()

	if listener != nil {
		listener.OnTargetBitrateRequested(target, available, rtt)
	}
}

// delaySlope наклон регрессии вариации задержки по времени прихода
func delaySlope(packets []*PacketStats) float64 {
	if len(packets) < 2 {
		return 0
	}
	sort.Slice(packets, func(i, j int) bool { return packets[i].arrival < packets[j].arrival })
	first := packets[0]
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(packets))
	for _, p := range packets {
		x := float64(p.arrival-first.arrival) / float64(time.Millisecond)
		y := x - float64(p.Sent.Sub(first.Sent))/float64(time.Millisecond)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / den
}

func (e *Estimator) updateStateLocked() {
	switch {
	case e.slope > overuseSlope:
		e.state = StateOverusing
	case e.slope < underuseSlope:
		e.state = StateUnderusing
	default:
		e.state = StateNormal
	}
}

func (e *Estimator) updateBitrateLocked(now time.Time, probeBytes int, probeSpan time.Duration) {
	ackedRate := e.acked.Bitrate(now)
	estimated := float64(e.estimated)

	switch {
	case e.state == StateOverusing:
		base := float64(ackedRate)
		if base == 0 || base > estimated {
			base = estimated
		}
		estimated = base * decreaseFactor
		e.lastRaise = now
	case e.lossRatio > highLossRatio:
		estimated *= 1 - 0.5*e.lossRatio
		e.lastRaise = now
	case e.state == StateNormal && e.lossRatio < lowLossRatio:
		elapsed := time.Second / 10
		if !e.lastRaise.IsZero() {
			elapsed = now.Sub(e.lastRaise)
			if elapsed > time.Second {
				elapsed = time.Second
			}
		}
		estimated *= math.Pow(1+increasePerSecond, elapsed.Seconds())
		e.lastRaise = now

		if probeBytes > 0 && probeSpan > 0 {
			probe := float64(probeBytes) * 8 / probeSpan.Seconds()
			if accepted := probe * probeAcceptFactor; accepted > estimated {
				estimated = accepted
			}
		}
	default:
		// underuse или умеренные потери: держим
		e.lastRaise = now
	}

	estimated = math.Max(estimated, float64(e.config.MinBitrate))
	estimated = math.Min(estimated, float64(e.config.MaxBitrate))
	e.estimated = uint64(estimated)
	e.available = uint64(estimated * (1 - e.lossRatio))

	target := estimated
	if e.state == StateNormal && e.lossRatio < lowLossRatio {
		target = math.Min(estimated*targetHeadroom, float64(e.config.MaxBitrate))
	}
	e.target = uint64(target)
}

// UpdateRTT сглаживает новое измерение RTT
func (e *Estimator) UpdateRTT(now time.Time, rtt time.Duration) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if rtt <= 0 {
		return
	}
	if e.rtt == 0 {
		e.rtt = rtt
	} else {
		e.rtt = time.Duration((1-rttSmoothingFactor)*float64(e.rtt) + rttSmoothingFactor*float64(rtt))
	}
	if e.minRTT == 0 || rtt < e.minRTT {
		e.minRTT = rtt
	}
}

// GetRTT сглаженное RTT
func (e *Estimator) GetRTT() time.Duration {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.rtt
}

// GetMinRTT минимальное RTT
func (e *Estimator) GetMinRTT() time.Duration {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.minRTT
}

// GetEstimatedBitrate выход модели
func (e *Estimator) GetEstimatedBitrate() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.estimated
}

// GetAvailableBitrate оценка за вычетом потерь
func (e *Estimator) GetAvailableBitrate() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.available
}

// GetTargetBitrate битрейт, к которому сходятся пробинг и кодер
func (e *Estimator) GetTargetBitrate() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.target
}

// GetState состояние детектора перегрузки
func (e *Estimator) GetState() State {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.state
}

// GetLossRatio доля потерь в последнем отчете
func (e *Estimator) GetLossRatio() float64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.lossRatio
}

// GetSentBitrate битрейт отправки за последнюю секунду
func (e *Estimator) GetSentBitrate(now time.Time) uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.sent.Bitrate(now)
}

// GetRTXBitrate битрейт ретрансляций за последнюю секунду
func (e *Estimator) GetRTXBitrate(now time.Time) uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.rtx.Bitrate(now)
}
