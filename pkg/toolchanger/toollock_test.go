package toolchanger

import (
	"testing"

	"ktcc-go/pkg/errors"
)

func TestLockUnlock(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)

	if err := rig.lock.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if got := rig.lock.CurrentTool(); got != ToolUnknown {
		t.Errorf("current after lock = %d, want %d", got, ToolUnknown)
	}
	if !rig.scripts.hookRan("toollock:tool_lock_gcode") {
		t.Errorf("lock hook not run, hooks: %v", rig.scripts.hooks)
	}

	// Locking with the lock already engaged is a no-op.
	rig.scripts.hooks = nil
	if err := rig.lock.Lock(); err != nil {
		t.Fatalf("second Lock: %v", err)
	}
	if len(rig.scripts.hooks) != 0 {
		t.Errorf("second lock ran hooks: %v", rig.scripts.hooks)
	}
	if got := rig.lock.Stats().Global("total_toollocks"); got != 1 {
		t.Errorf("total_toollocks = %d, want 1", got)
	}

	if err := rig.lock.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if got := rig.lock.CurrentTool(); got != ToolUnlocked {
		t.Errorf("current after unlock = %d, want %d", got, ToolUnlocked)
	}
	if !rig.scripts.hookRan("toollock:tool_unlock_gcode") {
		t.Errorf("unlock hook not run, hooks: %v", rig.scripts.hooks)
	}
}

func TestInitializeToLastTool(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	rig.store.vars[varCurrentTool] = "2"

	if err := rig.lock.initializeToolLock(); err != nil {
		t.Fatalf("initializeToolLock: %v", err)
	}
	if got := rig.lock.CurrentTool(); got != 2 {
		t.Errorf("current = %d, want 2", got)
	}
	if !rig.scripts.hookRan("toollock:tool_lock_gcode") {
		t.Errorf("lock hook not run, hooks: %v", rig.scripts.hooks)
	}
}

func TestInitializeWithoutPersistedTool(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	delete(rig.store.vars, varCurrentTool)

	if err := rig.lock.initializeToolLock(); err != nil {
		t.Fatalf("initializeToolLock: %v", err)
	}
	if got := rig.lock.CurrentTool(); got != ToolUnlocked {
		t.Errorf("current = %d, want %d", got, ToolUnlocked)
	}
	if got := rig.store.vars[varCurrentTool]; got != "-1" {
		t.Errorf("persisted tool = %q, want %q", got, "-1")
	}
	if !rig.scripts.hookRan("toollock:tool_unlock_gcode") {
		t.Errorf("unlock hook not run, hooks: %v", rig.scripts.hooks)
	}
}

func TestStartRunsBootTasksAfterDelay(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	rig.store.vars[varCurrentTool] = "3"
	rig.store.vars[varToolRemap] = "0:1"

	if err := rig.lock.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The persisted remap is available immediately, the persisted tool is
	// reapplied only after the boot delay.
	if got, ok := rig.lock.resolveRemap(0); !ok || got != 1 {
		t.Errorf("resolveRemap(0) = %d, %v; want 1, true", got, ok)
	}
	if got := rig.lock.CurrentTool(); got != ToolUnlocked {
		t.Fatalf("current before boot delay = %d, want %d", got, ToolUnlocked)
	}

	rig.sched.Advance(BootDelay + 0.1)
	if got := rig.lock.CurrentTool(); got != 3 {
		t.Errorf("current after boot = %d, want 3", got)
	}
}

func TestRemapValidation(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)

	if err := rig.lock.Remap(0, 1); err != nil {
		t.Fatalf("Remap(0,1): %v", err)
	}
	if got := rig.store.vars[varToolRemap]; got != "0:1" {
		t.Errorf("persisted remap = %q, want %q", got, "0:1")
	}

	cases := []struct {
		name     string
		from, to int
	}{
		{"self mapping", 3, 3},
		{"unknown target", 0, 99},
		{"target is remapped", 2, 0},
		{"source is a target", 1, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := rig.lock.Remap(tc.from, tc.to); err == nil {
				t.Errorf("Remap(%d,%d) succeeded, want error", tc.from, tc.to)
			}
		})
	}

	if err := rig.lock.ResetRemap(); err != nil {
		t.Fatalf("ResetRemap: %v", err)
	}
	if _, ok := rig.lock.resolveRemap(0); ok {
		t.Error("remap survived reset")
	}
	if got := rig.store.vars[varToolRemap]; got != "" {
		t.Errorf("persisted remap after reset = %q, want empty", got)
	}
}

func TestRemapPersistenceRoundTrip(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	if err := rig.lock.Remap(0, 1); err != nil {
		t.Fatalf("Remap(0,1): %v", err)
	}
	if err := rig.lock.Remap(2, 3); err != nil {
		t.Fatalf("Remap(2,3): %v", err)
	}
	if got := rig.store.vars[varToolRemap]; got != "0:1,2:3" {
		t.Fatalf("persisted remap = %q, want %q", got, "0:1,2:3")
	}

	// A fresh coordinator reading the same store sees the same table.
	rig.lock.remap = make(map[int]int)
	if err := rig.lock.loadRemap(); err != nil {
		t.Fatalf("loadRemap: %v", err)
	}
	for from, want := range map[int]int{0: 1, 2: 3} {
		if got, ok := rig.lock.resolveRemap(from); !ok || got != want {
			t.Errorf("resolveRemap(%d) = %d, %v; want %d, true", from, got, ok, want)
		}
	}
}

func TestLoadRemapRejectsInvalidPersistedTable(t *testing.T) {
	// Persisted tables bypass Remap's incremental checks, so a hand-edited
	// or legacy value could smuggle in a chain and make lookups multi-hop.
	cases := []struct {
		name string
		raw  string
	}{
		{"chain", "0:1,1:2"},
		{"self mapping", "2:2"},
		{"unknown target", "0:99"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(t, testMachineConfig)
			rig.store.vars[varToolRemap] = tc.raw
			err := rig.lock.loadRemap()
			if !errors.Is(err, errors.CodeVarStore) {
				t.Fatalf("loadRemap(%q) error = %v, want varstore error", tc.raw, err)
			}
			if _, ok := rig.lock.resolveRemap(0); ok {
				t.Errorf("mapping visible after rejected load of %q", tc.raw)
			}
		})
	}
}

func TestSelectToolHonorsRemap(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	if err := rig.lock.Remap(0, 1); err != nil {
		t.Fatalf("Remap: %v", err)
	}
	rig.mustSelect(t, 0)
	if got := rig.lock.CurrentTool(); got != 1 {
		t.Errorf("current = %d, want 1 after remapped select", got)
	}
}

func TestParseRestoreType(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0", want: ""},
		{in: "1", want: "XY"},
		{in: "2", want: "XYZ"},
		{in: "xy", want: "XY"},
		{in: "Z", want: "Z"},
		{in: "G", wantErr: true},
		{in: "X1", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseRestoreType(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseRestoreType(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRestoreType(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseRestoreType(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSetAndSaveFanSpeed(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)

	if err := rig.lock.SetAndSaveFanSpeed(0, 0.5); err != nil {
		t.Fatalf("SetAndSaveFanSpeed: %v", err)
	}
	if got := rig.fans.speeds["partfan"]; got != 0.5 {
		t.Errorf("fan speed = %v, want 0.5", got)
	}
	if got := rig.lock.SavedFanSpeed(); got != 0.5 {
		t.Errorf("saved fan speed = %v, want 0.5", got)
	}

	// A tool without a fan is a quiet no-op.
	calls := len(rig.fans.calls)
	if err := rig.lock.SetAndSaveFanSpeed(3, 0.8); err != nil {
		t.Fatalf("SetAndSaveFanSpeed without fan: %v", err)
	}
	if len(rig.fans.calls) != calls {
		t.Errorf("fan call made for fanless tool: %v", rig.fans.calls)
	}
}

func TestQueryEndstop(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	rig.endstops.names = []string{"tool_endstop"}

	t.Run("unknown endstop", func(t *testing.T) {
		err := rig.lock.QueryEndstop("nope", true, 1)
		if !errors.Is(err, errors.CodeUnknownEndstop) {
			t.Fatalf("expected unknown endstop error, got %v", err)
		}
	})

	t.Run("bounded attempts exhausted", func(t *testing.T) {
		rig.endstops.polls = 0
		rig.endstops.results["tool_endstop"] = []bool{false, false, false}
		if err := rig.lock.QueryEndstop("tool_endstop", true, 2); err != nil {
			t.Fatalf("QueryEndstop: %v", err)
		}
		if rig.endstops.polls != 2 {
			t.Errorf("polls = %d, want 2", rig.endstops.polls)
		}
		if got := rig.lock.Status()["last_endstop_query"].(map[string]bool)["tool_endstop"]; got {
			t.Error("last endstop query recorded triggered, want untriggered")
		}
	})

	t.Run("triggered stops polling", func(t *testing.T) {
		rig.endstops.polls = 0
		rig.endstops.results["tool_endstop"] = []bool{false, true}
		if err := rig.lock.QueryEndstop("tool_endstop", true, 10); err != nil {
			t.Fatalf("QueryEndstop: %v", err)
		}
		if rig.endstops.polls != 2 {
			t.Errorf("polls = %d, want 2", rig.endstops.polls)
		}
		if got := rig.lock.Status()["last_endstop_query"].(map[string]bool)["tool_endstop"]; !got {
			t.Error("last endstop query recorded untriggered, want triggered")
		}
	})
}

func TestSetAllToolHeatersOffAndResume(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	active := 215.0
	setHeaterCmd(t, rig, 2, HeaterCommand{
		ActiveTemp: &active, State: heaterStatePtr(HeaterActive)})
	standby := 150.0
	setHeaterCmd(t, rig, 3, HeaterCommand{
		StandbyTemp: &standby, State: heaterStatePtr(HeaterStandby)})

	if err := rig.lock.SetAllToolHeatersOff(); err != nil {
		t.Fatalf("SetAllToolHeatersOff: %v", err)
	}
	rig.sched.Advance(1.0)

	t2, _ := rig.lock.Tool(2)
	t3, _ := rig.lock.Tool(3)
	if t2.HeaterState() != HeaterOff || t3.HeaterState() != HeaterOff {
		t.Fatalf("states after heaters off: T2=%v T3=%v, want off/off",
			t2.HeaterState(), t3.HeaterState())
	}
	if got := rig.heaters.heaters["extruder"].target; got != 0 {
		t.Errorf("extruder target = %v, want 0", got)
	}

	if err := rig.lock.ResumeAllToolHeaters(); err != nil {
		t.Fatalf("ResumeAllToolHeaters: %v", err)
	}
	if got := t2.HeaterState(); got != HeaterActive {
		t.Errorf("T2 state after resume = %v, want active", got)
	}
	if got := t3.HeaterState(); got != HeaterStandby {
		t.Errorf("T3 state after resume = %v, want standby", got)
	}
	if got := rig.heaters.heaters["extruder"].target; got != 215 {
		t.Errorf("extruder target after resume = %v, want 215", got)
	}
}

func TestTemperatureWait(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	ext := rig.heaters.heaters["extruder"]

	// Targets at or below the wait threshold do not block.
	ext.target = 40
	before := rig.sched.now
	if err := rig.lock.temperatureWait("extruder", 1); err != nil {
		t.Fatalf("temperatureWait: %v", err)
	}
	if rig.sched.now != before {
		t.Errorf("wait on low target advanced the clock by %v", rig.sched.now-before)
	}

	// A ramping heater converges and the wait returns.
	ext.target = 200
	ext.ramp = 50
	if err := rig.lock.temperatureWait("extruder", 2); err != nil {
		t.Fatalf("temperatureWait: %v", err)
	}
	measured, _ := ext.Temperature(rig.sched.now)
	if measured < 198 {
		t.Errorf("wait returned at %v degrees, want within tolerance of 200", measured)
	}
}

func TestTemperatureWaitWithToleranceParamExclusion(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	toolID, heaterID := 2, 1
	err := rig.lock.TemperatureWaitWithTolerance(&toolID, &heaterID, 1)
	if !errors.Is(err, errors.CodeInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestSaveAndRestorePosition(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	x, y := 10.0, 20.0
	rig.lock.SavePosition(&x, &y, nil)

	if err := rig.lock.RestorePosition("", 3000); err != nil {
		t.Fatalf("RestorePosition: %v", err)
	}
	want := "G1 X10.000 Y20.000 F3000"
	last := rig.scripts.lines[len(rig.scripts.lines)-1]
	if last != want {
		t.Errorf("restore move = %q, want %q", last, want)
	}
}

func TestSaveCurrentPositionRestore(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	rig.motion.position = [3]float64{1, 2, 3}
	rig.lock.SaveCurrentPosition("XYZ")

	if err := rig.lock.RestorePosition("", 0); err != nil {
		t.Fatalf("RestorePosition: %v", err)
	}
	want := "G1 X1.000 Y2.000 Z3.000"
	last := rig.scripts.lines[len(rig.scripts.lines)-1]
	if last != want {
		t.Errorf("restore move = %q, want %q", last, want)
	}
}

func TestRestorePositionWithoutSaveIsNoOp(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	n := len(rig.scripts.lines)
	if err := rig.lock.RestorePosition("", 0); err != nil {
		t.Fatalf("RestorePosition: %v", err)
	}
	if len(rig.scripts.lines) != n {
		t.Errorf("restore without saved axes moved: %v", rig.scripts.lines[n:])
	}
}

func TestSetGcodeOffsetForCurrentTool(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	rig.mustSelect(t, 2)

	if err := rig.lock.SetGcodeOffsetForCurrentTool(true); err != nil {
		t.Fatalf("SetGcodeOffsetForCurrentTool: %v", err)
	}
	want := "SET_GCODE_OFFSET X=0.1 Y=0.2 Z=0.3 MOVE=1"
	last := rig.scripts.lines[len(rig.scripts.lines)-1]
	if last != want {
		t.Errorf("offset command = %q, want %q", last, want)
	}
}

func TestSetGlobalOffset(t *testing.T) {
	rig := newTestRig(t, testMachineConfig)
	x, z := 1.5, -0.2
	rig.lock.SetGlobalOffset(&x, nil, &z)

	got := rig.lock.Status()["global_offset"].([3]float64)
	if got != [3]float64{1.5, 0, -0.2} {
		t.Errorf("global offset = %v, want [1.5 0 -0.2]", got)
	}
}
