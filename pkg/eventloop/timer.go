package eventloop

import (
	"time"
)

// Timer таймер, колбэк которого выполняется на горутине цикла
type Timer struct {
	loop   *Loop
	fn     Task
	period time.Duration

	// защищены loop.mutex
	timer      *time.Timer
	generation uint64
	scheduled  bool
}

// CreateTimer создает таймер с первым срабатыванием через delay.
// Если period > 0, таймер повторяется с этим периодом до Cancel.
func (l *Loop) CreateTimer(delay, period time.Duration, fn Task) *Timer {
	t := &Timer{loop: l, fn: fn, period: period}
	t.Again(delay)
	return t
}

// Again перезапускает таймер с новым интервалом до срабатывания
func (t *Timer) Again(interval time.Duration) {
	l := t.loop
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.running.Load() {
		return
	}
	t.stopLocked()
	t.generation++
	t.scheduled = true
	l.timers[t] = struct{}{}

	gen := t.generation
	t.timer = time.AfterFunc(interval, func() {
		l.Async(func(now time.Time) { t.fire(gen, now) })
	})
}

// Cancel отменяет таймер. Уже поставленное в очередь срабатывание игнорируется.
func (t *Timer) Cancel() {
	l := t.loop
	l.mutex.Lock()
	defer l.mutex.Unlock()

	t.stopLocked()
	t.generation++
	delete(l.timers, t)
}

// IsScheduled true, если таймер взведен
func (t *Timer) IsScheduled() bool {
	t.loop.mutex.Lock()
	defer t.loop.mutex.Unlock()
	return t.scheduled
}

// Period период повтора
func (t *Timer) Period() time.Duration {
	return t.period
}

func (t *Timer) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.scheduled = false
}

func (t *Timer) fire(gen uint64, now time.Time) {
	l := t.loop
	l.mutex.Lock()
	if gen != t.generation || !t.scheduled {
		l.mutex.Unlock()
		return
	}
	t.scheduled = false
	t.timer = nil
	delete(l.timers, t)
	l.mutex.Unlock()

	t.fn(now)

	// колбэк мог сам вызвать Again или Cancel
	l.mutex.Lock()
	rearm := t.period > 0 && gen == t.generation
	l.mutex.Unlock()
	if rearm {
		t.Again(t.period)
	}
}
