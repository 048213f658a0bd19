package toolchanger

// TimerKind tells a StandbyTimer which transition it drives.
type TimerKind int

const (
	TimerToPowerdown TimerKind = 0
	TimerToStandby   TimerKind = 1
)

// Durations below this are raised to it to keep rescheduling clear of the
// scheduler's granularity.
const minTimerDuration = 0.5

// minimalDelay is used when a transition should take effect on the next
// timer dispatch instead of synchronously.
const minimalDelay = 0.1

// StandbyTimer is an autonomous countdown owned by one physical tool. It
// moves that tool's heater to standby temperature (TimerToStandby) or
// shuts it down (TimerToPowerdown) when it fires. Several virtual tools
// share one physical timer, so the timer tracks which logical tool last
// armed it.
type StandbyTimer struct {
	kind   TimerKind
	toolID int
	lock   *ToolLock
	handle TimerHandle

	duration   float64
	owningTool int
	// Arming from inside the firing callback must not reach the
	// scheduler; it is recorded as a repeat request instead.
	insideTimer  bool
	repeat       bool
	countingDown bool
	nextWake     float64
}

func newStandbyTimer(lock *ToolLock, toolID int, kind TimerKind) *StandbyTimer {
	t := &StandbyTimer{
		kind:       kind,
		toolID:     toolID,
		lock:       lock,
		owningTool: toolID,
		nextWake:   Never,
	}
	t.handle = lock.sched.RegisterTimer(t.fire)
	return t
}

// Arm schedules the timer to fire after duration seconds, attributed to
// owningTool. A non-positive duration cancels the countdown.
func (t *StandbyTimer) Arm(duration float64, owningTool int) {
	t.owningTool = owningTool

	if duration <= 0 {
		t.duration = 0
		if t.insideTimer {
			t.repeat = false
		} else {
			t.countingDown = false
			t.nextWake = Never
			t.lock.sched.UpdateTimer(t.handle, Never)
		}
		return
	}

	if duration < minTimerDuration {
		duration = minTimerDuration
	}
	t.duration = duration

	if t.insideTimer {
		t.repeat = true
		return
	}
	t.nextWake = t.lock.sched.Monotonic() + duration
	t.countingDown = true
	t.lock.sched.UpdateTimer(t.handle, t.nextWake)
}

// CountingDown reports whether the timer is currently armed.
func (t *StandbyTimer) CountingDown() bool {
	return t.countingDown
}

// Kind returns what transition the timer drives.
func (t *StandbyTimer) Kind() TimerKind {
	return t.kind
}

// NextWake returns the scheduled fire time, or Never.
func (t *StandbyTimer) NextWake() float64 {
	return t.nextWake
}

// fire applies the timer's transition to the owning tool's heater. It runs
// on the scheduler thread and must not block.
func (t *StandbyTimer) fire(eventtime float64) float64 {
	t.lock.opMu.Lock()
	defer t.lock.opMu.Unlock()

	t.insideTimer = true
	t.countingDown = false

	tool, err := t.lock.tool(t.owningTool)
	if err != nil {
		t.lock.log.Errorw("standby timer fired for unknown tool",
			"tool", t.owningTool, "kind", t.kind)
	} else {
		t.apply(tool, eventtime)
	}

	t.nextWake = Never
	if t.repeat {
		t.nextWake = eventtime + t.duration
		t.countingDown = true
	}
	t.insideTimer = false
	t.repeat = false
	return t.nextWake
}

func (t *StandbyTimer) apply(tool *Tool, eventtime float64) {
	statsID := tool.statsToolID()
	heater := tool.heater
	if heater == nil {
		t.lock.log.Errorw("standby timer fired for tool without extruder",
			"tool", tool.cfg.Name)
		return
	}

	if t.kind == TimerToStandby {
		t.lock.stats.StandbyHeaterStart(statsID)
		if err := heater.SetTemperature(tool.standbyTemp); err != nil {
			t.lock.log.Errorw("failed to set standby temperature",
				"tool", tool.cfg.Name, "error", err)
		}
	} else {
		t.lock.stats.StandbyHeaterEnd(statsID)
		tool.timerToStandby.Arm(0, t.owningTool)
		t.lock.mu.Lock()
		tool.heaterState = HeaterOff
		t.lock.mu.Unlock()
		if err := heater.SetTemperature(0); err != nil {
			t.lock.log.Errorw("failed to shut down heater",
				"tool", tool.cfg.Name, "error", err)
		}
	}
	t.lock.stats.ActiveHeaterEnd(statsID)
}
