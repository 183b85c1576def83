// Пакет eventloop - однопоточный исполнитель для транспорта.
//
// Все изменения реестров, обработка входящих пакетов, таймеры
// пробинга и прокачка DTLS выполняются на одной горутине цикла.
// Sync блокирует вызывающего до выполнения задачи (и выполняет ее
// сразу, если вызов уже пришел с горутины цикла), Async ставит задачу
// в очередь и возвращается.
package eventloop

import (
	"bytes"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/media_transport/pkg/logger"
)

// ErrStopped цикл не запущен или уже остановлен
var ErrStopped = errors.New("event loop остановлен")

// Task задача цикла. now - время начала выполнения.
type Task func(now time.Time)

// Config конфигурация цикла
type Config struct {
	Name   string
	Logger logrus.FieldLogger
	// Clock источник времени, по умолчанию time.Now
	Clock func() time.Time
}

// Loop однопоточный цикл событий
type Loop struct {
	name  string
	log   logrus.FieldLogger
	clock func() time.Time

	mutex  sync.Mutex
	queue  *deque.Deque[Task]
	timers map[*Timer]struct{}

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
	gid     atomic.Uint64
}

// New создает цикл. Для выполнения задач нужно вызвать Start.
func New(config Config) *Loop {
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Loop{
		name:   config.Name,
		log:    logger.Component(config.Logger, "eventloop").WithField("loop", config.Name),
		clock:  clock,
		queue:  deque.New[Task](),
		timers: make(map[*Timer]struct{}),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start запускает горутину цикла
func (l *Loop) Start() {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	go l.run()
}

// Stop отменяет все таймеры, выполняет оставшиеся задачи и ждет завершения горутины
func (l *Loop) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}

	l.mutex.Lock()
	for t := range l.timers {
		t.stopLocked()
	}
	l.timers = make(map[*Timer]struct{})
	l.mutex.Unlock()

	close(l.stop)
	if !l.IsLoopThread() {
		<-l.done
	}
}

// Now текущее время по часам цикла
func (l *Loop) Now() time.Time {
	return l.clock()
}

// IsRunning true между Start и Stop
func (l *Loop) IsRunning() bool {
	return l.running.Load()
}

// IsLoopThread true, если вызов выполняется на горутине цикла
func (l *Loop) IsLoopThread() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == currentGoroutineID()
}

// Async ставит задачу в очередь без ожидания
func (l *Loop) Async(task Task) {
	if !l.running.Load() {
		l.log.Debug("задача отброшена: цикл остановлен")
		return
	}
	l.mutex.Lock()
	l.queue.PushBack(task)
	l.mutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Sync выполняет задачу на цикле и ждет ее завершения
func (l *Loop) Sync(task Task) error {
	if l.IsLoopThread() {
		task(l.clock())
		return nil
	}
	if !l.running.Load() {
		return ErrStopped
	}

	finished := make(chan struct{})
	l.Async(func(now time.Time) {
		defer close(finished)
		task(now)
	})

	select {
	case <-finished:
		return nil
	case <-l.done:
		// Цикл мог выполнить задачу при завершении
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (l *Loop) run() {
	defer close(l.done)
	l.gid.Store(currentGoroutineID())
	defer l.gid.Store(0)

	l.log.Debug("цикл запущен")
	for {
		select {
		case <-l.wake:
			l.drain()
		case <-l.stop:
			l.drain()
			l.log.Debug("цикл остановлен")
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mutex.Lock()
		if l.queue.Len() == 0 {
			l.mutex.Unlock()
			return
		}
		task := l.queue.PopFront()
		l.mutex.Unlock()

		task(l.clock())
	}
}

// currentGoroutineID разбирает "goroutine N [...]" из runtime.Stack
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := bytes.Fields(bytes.TrimPrefix(buf[:n], []byte("goroutine ")))
	if len(field) == 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(field[0]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
