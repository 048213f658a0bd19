package toolchanger

import (
	"fmt"
	"strings"
	"testing"

	"ktcc-go/pkg/config"
	"ktcc-go/pkg/errors"
	"ktcc-go/pkg/gcode"
	"ktcc-go/pkg/logger"
)

// fakeTimer and fakeSched give the tests a hand-cranked clock.
type fakeTimer struct {
	callback func(eventtime float64) float64
	waketime float64
}

func (t *fakeTimer) Waketime() float64 { return t.waketime }

type fakeSched struct {
	now    float64
	timers []*fakeTimer
}

func newFakeSched() *fakeSched { return &fakeSched{} }

func (s *fakeSched) RegisterTimer(callback func(eventtime float64) float64) TimerHandle {
	t := &fakeTimer{callback: callback, waketime: Never}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeSched) UpdateTimer(handle TimerHandle, waketime float64) {
	handle.(*fakeTimer).waketime = waketime
}

func (s *fakeSched) Monotonic() float64 { return s.now }

func (s *fakeSched) Pause(waketime float64) float64 {
	if waketime > s.now {
		s.now = waketime
	}
	return s.now
}

// Advance moves the clock and fires every timer that comes due, in order.
func (s *fakeSched) Advance(dt float64) {
	target := s.now + dt
	for {
		var next *fakeTimer
		for _, t := range s.timers {
			if t.waketime <= target && (next == nil || t.waketime < next.waketime) {
				next = t
			}
		}
		if next == nil {
			break
		}
		if next.waketime > s.now {
			s.now = next.waketime
		}
		next.waketime = Never
		if wake := next.callback(s.now); wake < Never {
			next.waketime = wake
		}
	}
	s.now = target
}

type fakeHeater struct {
	name     string
	measured float64
	target   float64
	setCalls []float64
	// Degrees per second the heater warms toward the target, zero keeps
	// the measured value fixed.
	ramp float64
}

func (h *fakeHeater) SetTemperature(degrees float64) error {
	h.setCalls = append(h.setCalls, degrees)
	h.target = degrees
	return nil
}

func (h *fakeHeater) Temperature(eventtime float64) (float64, float64) {
	measured := h.measured
	if h.ramp > 0 && h.target > measured {
		measured += h.ramp * eventtime
		if measured > h.target {
			measured = h.target
		}
	}
	return measured, h.target
}

type fakeHeaterService struct {
	heaters map[string]*fakeHeater
}

func newFakeHeaterService(names ...string) *fakeHeaterService {
	s := &fakeHeaterService{heaters: make(map[string]*fakeHeater)}
	for _, name := range names {
		s.heaters[name] = &fakeHeater{name: name, measured: 25}
	}
	return s
}

func (s *fakeHeaterService) Heater(name string) (Heater, error) {
	h, ok := s.heaters[name]
	if !ok {
		return nil, errors.Configf("unknown heater '%s'", name)
	}
	return h, nil
}

// fakeScripts records every executed line and rendered hook, and can be
// told to fail on a matching script.
type fakeScripts struct {
	lines  []string
	hooks  []string
	failOn string
}

func (s *fakeScripts) Run(script string) error {
	s.lines = append(s.lines, script)
	if s.failOn != "" && strings.Contains(script, s.failOn) {
		return fmt.Errorf("forced failure on %q", script)
	}
	return nil
}

func (s *fakeScripts) RunTemplate(t *gcode.Template, context map[string]any) error {
	if t == nil {
		return nil
	}
	s.hooks = append(s.hooks, t.Name())
	if s.failOn != "" && strings.Contains(t.Name(), s.failOn) {
		return fmt.Errorf("forced failure on %q", t.Name())
	}
	return nil
}

func (s *fakeScripts) hookRan(name string) bool {
	for _, h := range s.hooks {
		if strings.Contains(h, name) {
			return true
		}
	}
	return false
}

type fakeFans struct {
	speeds map[string]float64
	calls  []string
}

func newFakeFans() *fakeFans { return &fakeFans{speeds: make(map[string]float64)} }

func (f *fakeFans) SetSpeed(name string, speed float64) error {
	f.speeds[name] = speed
	f.calls = append(f.calls, fmt.Sprintf("%s=%v", name, speed))
	return nil
}

type fakeMotion struct {
	homed     string
	homeCalls []string
	position  [3]float64
	moves     []map[string]float64
}

func (m *fakeMotion) HomedAxes() string { return m.homed }

func (m *fakeMotion) Home(axes string) error {
	m.homeCalls = append(m.homeCalls, axes)
	for _, r := range strings.ToLower(axes) {
		if !strings.ContainsRune(m.homed, r) {
			m.homed += string(r)
		}
	}
	return nil
}

func (m *fakeMotion) Position() [3]float64 { return m.position }

func (m *fakeMotion) MoveTo(axes map[string]float64, speed float64) error {
	m.moves = append(m.moves, axes)
	return nil
}

type fakeEndstops struct {
	names   []string
	results map[string][]bool
	polls   int
}

func (e *fakeEndstops) EndstopNames() []string { return e.names }

func (e *fakeEndstops) QueryEndstop(name string, printTime float64) (bool, error) {
	e.polls++
	seq := e.results[name]
	if len(seq) == 0 {
		return false, nil
	}
	v := seq[0]
	if len(seq) > 1 {
		e.results[name] = seq[1:]
	}
	return v, nil
}

type memStore struct {
	vars map[string]string
}

func newMemStore() *memStore { return &memStore{vars: make(map[string]string)} }

func (m *memStore) Lookup(name string) (string, bool, error) {
	v, ok := m.vars[name]
	return v, ok, nil
}

func (m *memStore) Save(name, value string) error {
	m.vars[name] = value
	return nil
}

// Three tools matching the canonical scenario: T2 physical with extruder
// and fan, T0 and T1 virtual with physical parent T2, plus T3 a second
// independent physical tool.
const testMachineConfig = `
[toollock]
tool_lock_gcode: M400
tool_unlock_gcode: M401

[toolgroup 0]

[tool 2]
tool_group: 0
extruder: extruder
fan: partfan
zone: 10, 20, 0
park: 10, 25, 0
offset: 0.1, 0.2, 0.3
pickup_gcode: PICKUP_T2
dropoff_gcode: DROPOFF_T2

[toolgroup 1]
is_virtual: true
physical_parent: 2
idle_to_standby_time: 30
idle_to_powerdown_time: 600

[tool 0]
tool_group: 1
virtual_toolload_gcode: LOAD_T0
virtual_toolunload_gcode: UNLOAD_T0

[tool 1]
tool_group: 1
virtual_toolload_gcode: LOAD_T1
virtual_toolunload_gcode: UNLOAD_T1

[tool 3]
tool_group: 0
extruder: extruder1
zone: 200, 20, 0
park: 200, 25, 0
offset: 0, 0, 0
pickup_gcode: PICKUP_T3
dropoff_gcode: DROPOFF_T3
`

type testRig struct {
	lock     *ToolLock
	sched    *fakeSched
	scripts  *fakeScripts
	heaters  *fakeHeaterService
	fans     *fakeFans
	motion   *fakeMotion
	endstops *fakeEndstops
	store    *memStore
}

func newTestRig(t *testing.T, cfgText string) *testRig {
	t.Helper()
	cfg, err := config.LoadString(cfgText)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	rig := &testRig{
		sched:    newFakeSched(),
		scripts:  &fakeScripts{},
		heaters:  newFakeHeaterService("extruder", "extruder1", "heater_bed"),
		fans:     newFakeFans(),
		motion:   &fakeMotion{homed: "xyz"},
		endstops: &fakeEndstops{results: make(map[string][]bool)},
		store:    newMemStore(),
	}
	rig.lock, err = Load(cfg, Deps{
		Log:      logger.NewNop(),
		Sched:    rig.sched,
		Scripts:  rig.scripts,
		Heaters:  rig.heaters,
		Fans:     rig.fans,
		Motion:   rig.motion,
		Endstops: rig.endstops,
		Vars:     rig.store,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Start each test unlocked with nothing mounted.
	rig.lock.saveCurrentTool(ToolUnlocked)
	return rig
}

func (r *testRig) mustSelect(t *testing.T, id int) {
	t.Helper()
	if err := r.lock.SelectTool(id, nil); err != nil {
		t.Fatalf("SelectTool(%d): %v", id, err)
	}
}
