// Package reactor provides the cooperative timer/event loop the toolchanger
// core runs on. Timers are registered once and then re-armed by updating
// their wake time; a timer callback returns the next wake time (NEVER to go
// dormant). All callbacks run on a single dispatch goroutine, which is what
// gives tool-change sequences their strict ordering.
package reactor

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock constants, in seconds on the reactor's monotonic clock.
const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// TimerCallback is called when a timer fires. It receives the event time and
// returns the next wake time (NEVER to stop firing).
type TimerCallback func(eventtime float64) float64

// Timer is a registered timer handle.
type Timer struct {
	id       uint64
	callback TimerCallback
	waketime float64
	firing   bool
	mu       sync.Mutex
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Reactor manages timers and dispatches their callbacks.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64
	nextWake    float64

	kick chan struct{}
	stop chan struct{}

	running atomic.Bool
	wg      sync.WaitGroup

	startTime time.Time
}

// New creates a new Reactor.
func New() *Reactor {
	return &Reactor{
		nextWake:  NEVER,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		startTime: time.Now(),
	}
}

// Monotonic returns the current monotonic time in seconds.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// RegisterTimer registers a new dormant timer for the given callback. Arm it
// with UpdateTimer.
func (r *Reactor) RegisterTimer(callback TimerCallback) *Timer {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &Timer{
		id:       atomic.AddUint64(&r.nextTimerID, 1),
		callback: callback,
		waketime: NEVER,
	}
	r.timers = append(r.timers, t)
	return t
}

// UnregisterTimer removes a timer from the reactor.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer.mu.Lock()
	timer.waketime = NEVER
	timer.mu.Unlock()

	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer sets a timer's absolute wake time (NEVER disables it). If the
// timer is currently firing the new wake time is ignored; the callback's
// return value wins.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	if timer.firing {
		timer.mu.Unlock()
		return
	}
	timer.waketime = waketime
	timer.mu.Unlock()

	r.mu.Lock()
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()

	// Wake the dispatch loop so a newly shortened deadline takes effect.
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Pause sleeps the calling goroutine until the given wake time, yielding to
// the dispatch loop. Returns the time it woke at.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}
	if waketime >= NEVER {
		<-r.stop
		return r.Monotonic()
	}
	delay := time.Duration((waketime - now) * float64(time.Second))
	select {
	case <-time.After(delay):
	case <-r.stop:
	}
	return r.Monotonic()
}

// Run starts the dispatch loop.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End signals the reactor to stop.
func (r *Reactor) End() {
	if r.running.Swap(false) {
		close(r.stop)
	}
}

// Wait blocks until the dispatch loop has exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for r.running.Load() {
		timeout := r.checkTimers(r.Monotonic())
		if timeout <= 0 {
			continue
		}
		delay := time.Duration(timeout * float64(time.Second))
		if delay > time.Second {
			delay = time.Second
		}
		select {
		case <-time.After(delay):
		case <-r.kick:
		case <-r.stop:
			return
		}
	}
}

// checkTimers fires due timers and returns seconds until the next deadline.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	if eventtime < r.nextWake {
		delay := r.nextWake - eventtime
		r.mu.Unlock()
		return delay
	}
	due := make([]*Timer, len(r.timers))
	copy(due, r.timers)
	r.nextWake = NEVER
	r.mu.Unlock()

	for _, timer := range due {
		timer.mu.Lock()
		if eventtime >= timer.waketime {
			timer.waketime = NEVER
			timer.firing = true
			timer.mu.Unlock()

			next := timer.callback(eventtime)

			timer.mu.Lock()
			timer.firing = false
			timer.waketime = next
		}
		waketime := timer.waketime
		timer.mu.Unlock()

		r.mu.Lock()
		if waketime < r.nextWake {
			r.nextWake = waketime
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	delay := r.nextWake - eventtime
	r.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	return delay
}
