package toolchanger

import (
	"fmt"

	"ktcc-go/pkg/errors"
	"ktcc-go/pkg/gcode"
)

// ToolConfig is the fully resolved, immutable configuration of one tool.
// Inherited values (tool section, then physical parent, then toolgroup)
// are resolved once at load time.
type ToolConfig struct {
	Name             int
	ToolGroup        int
	IsVirtual        bool
	PhysicalParentID int

	Extruder string
	Fan      string

	Meltzonelength      float64
	LazyHomeWhenParking int

	Zone   [3]float64
	Park   [3]float64
	Offset [3]float64

	PickupGcode            *gcode.Template
	DropoffGcode           *gcode.Template
	VirtualToolloadGcode   *gcode.Template
	VirtualToolunloadGcode *gcode.Template

	RequiresPickupForVirtualLoad   bool
	RequiresPickupForVirtualUnload bool
	UnloadVirtualAtDropoff         bool

	IdleToStandbyTime   float64
	IdleToPowerdownTime float64

	// Deprecated per-tool input shaper parameters, applied at pickup when
	// the frequencies are nonzero.
	ShaperFreqX         float64
	ShaperFreqY         float64
	ShaperTypeX         string
	ShaperTypeY         string
	ShaperDampingRatioX float64
	ShaperDampingRatioY float64
}

// Tool is one physical or virtual tool. All mutation happens through the
// owning ToolLock, which serializes operations.
type Tool struct {
	cfg  ToolConfig
	lock *ToolLock

	// Resolved heater handle, nil when the tool has no extruder.
	heater Heater

	// Runtime state.
	offset        [3]float64
	heaterState   HeaterState
	activeTemp    float64
	standbyTemp   float64
	idleToStandby float64
	idleToPowerdn float64

	// Id of the virtual tool resident on this physical tool, or
	// ToolUnlocked. Meaningful only when the tool is physical.
	virtualLoaded int

	// Virtual tools that are not their own physical parent share the
	// parent's timers.
	timerToStandby   *StandbyTimer
	timerToPowerdown *StandbyTimer
}

// Config returns the tool's resolved configuration.
func (t *Tool) Config() ToolConfig {
	return t.cfg
}

// HeaterState returns the tool's current heater state.
func (t *Tool) HeaterState() HeaterState {
	t.lock.mu.Lock()
	defer t.lock.mu.Unlock()
	return t.heaterState
}

// VirtualLoaded returns the id of the virtual tool resident on this
// physical tool, or ToolUnlocked.
func (t *Tool) VirtualLoaded() int {
	t.lock.mu.Lock()
	defer t.lock.mu.Unlock()
	return t.virtualLoaded
}

// Offset returns the tool's current nozzle offset.
func (t *Tool) Offset() [3]float64 {
	t.lock.mu.Lock()
	defer t.lock.mu.Unlock()
	return t.offset
}

// effectiveParent is the physical parent id used for same-parent
// comparisons: the configured parent when set, otherwise the tool itself
// when physical, otherwise ToolUnlocked.
func (t *Tool) effectiveParent() int {
	if t.cfg.PhysicalParentID > ToolUnlocked {
		return t.cfg.PhysicalParentID
	}
	if !t.cfg.IsVirtual {
		return t.cfg.Name
	}
	return ToolUnlocked
}

// statsToolID attributes heater statistics to the physical parent so that
// interleaved virtual-tool switches cannot leave an interval open.
func (t *Tool) statsToolID() int {
	if t.cfg.IsVirtual {
		return t.cfg.PhysicalParentID
	}
	return t.cfg.Name
}

// selectActual mounts this tool, unmounting whatever is currently mounted
// as needed. Remap resolution already happened in the caller. opMu held.
func (t *Tool) selectActual(restoreAxes *string) error {
	current := t.lock.currentTool()
	if current == t.cfg.Name {
		return nil
	}
	if current < ToolUnlocked {
		return errors.InvalidStatef(
			"select T%d: unknown tool already mounted, can't park it before selecting a new tool",
			t.cfg.Name)
	}

	t.lock.stats.Inc(t.cfg.Name, "toolmounts_started")

	// Preheat first so heating overlaps the mechanical unload/load.
	if t.heater != nil {
		if err := t.setHeater(HeaterCommand{State: heaterStatePtr(HeaterActive)}); err != nil {
			return err
		}
	}

	if restoreAxes != nil {
		t.lock.saveCurrentPosition(*restoreAxes)
	}

	if current > ToolUnlocked {
		t.lock.stats.SelectedToolEnd(current)
		curTool, err := t.lock.tool(current)
		if err != nil {
			return err
		}
		if t.effectiveParent() == ToolUnlocked || t.effectiveParent() != curTool.effectiveParent() {
			t.lock.log.Infow("dropping off current tool", "tool", current)
			if err := curTool.Dropoff(false); err != nil {
				return err
			}
			current = ToolUnlocked
		} else if curTool.cfg.IsVirtual {
			t.lock.log.Infow("virtual swap on same physical tool, unloading",
				"tool", current)
			if err := curTool.UnloadVirtual(); err != nil {
				return err
			}
		}
		// The physical parent itself being mounted needs no unmount; the
		// virtual tool loads directly onto it.
	}

	if !t.cfg.IsVirtual {
		if err := t.Pickup(); err != nil {
			return err
		}
	} else if current > ToolUnlocked {
		// Same physical parent is still mounted, load directly.
		if err := t.LoadVirtual(); err != nil {
			return err
		}
	} else {
		parent, err := t.lock.tool(t.cfg.PhysicalParentID)
		if err != nil {
			return err
		}
		resident := parent.virtualLoaded
		if err := parent.Pickup(); err != nil {
			return err
		}
		if resident > ToolUnlocked && resident != t.cfg.Name {
			if err := t.unloadResidentVirtual(resident); err != nil {
				return err
			}
		}
		if err := t.LoadVirtual(); err != nil {
			return err
		}
	}

	t.lock.saveCurrentTool(t.cfg.Name)
	t.lock.stats.SelectedToolStart(t.cfg.Name)
	return nil
}

// unloadResidentVirtual evicts another virtual tool still resident on the
// freshly picked up physical parent, preheating it first so the unload
// does not ooze cold filament.
func (t *Tool) unloadResidentVirtual(resident int) error {
	uv, err := t.lock.tool(resident)
	if err != nil {
		return err
	}
	t.lock.log.Infow("unloading resident virtual tool", "tool", resident)
	if uv.heater != nil {
		if err := uv.setHeater(HeaterCommand{State: heaterStatePtr(HeaterActive)}); err != nil {
			return err
		}
		if err := t.lock.temperatureWait(t.cfg.Extruder, 2); err != nil {
			return err
		}
	}
	if err := uv.UnloadVirtual(); err != nil {
		return err
	}
	if t.heater != nil {
		return t.setHeater(HeaterCommand{State: heaterStatePtr(HeaterActive)})
	}
	return nil
}

// Pickup physically mounts the tool (or, for a virtual tool's parent, the
// physical toolhead). opMu held.
func (t *Tool) Pickup() error {
	t.lock.stats.MountStart(t.cfg.Name)

	if !t.lock.homedForToolchange(t.cfg.LazyHomeWhenParking) {
		return errors.NotHomed(t.cfg.Name, fmt.Sprintf(
			"pickup: machine not homed and lazy_home_when_parking for tool %d is %d",
			t.cfg.Name, t.cfg.LazyHomeWhenParking))
	}

	if t.cfg.Extruder != "" {
		if err := t.lock.scripts.Run("ACTIVATE_EXTRUDER EXTRUDER=" + t.cfg.Extruder); err != nil {
			return err
		}
	}

	// Short dwell before the pickup script to avoid dispatch congestion.
	if err := t.lock.scripts.Run("G4 P0.2"); err != nil {
		return err
	}

	if err := t.lock.scripts.RunTemplate(t.cfg.PickupGcode, t.templateContext()); err != nil {
		return errors.GcodeScript("pickup_gcode", t.cfg.Name, err)
	}

	if t.cfg.Fan != "" {
		if err := t.lock.scripts.Run(fmt.Sprintf(
			"SET_FAN_SPEED FAN=%s SPEED=%v", t.cfg.Fan, t.lock.SavedFanSpeed())); err != nil {
			return err
		}
	}

	if t.cfg.ShaperFreqX != 0 || t.cfg.ShaperFreqY != 0 {
		t.lock.log.Warnw("shaper_freq is deprecated, use SET_INPUT_SHAPER inside the pickup gcode instead",
			"tool", t.cfg.Name)
		cmd := fmt.Sprintf(
			"SET_INPUT_SHAPER SHAPER_FREQ_X=%v SHAPER_FREQ_Y=%v DAMPING_RATIO_X=%v DAMPING_RATIO_Y=%v SHAPER_TYPE_X=%s SHAPER_TYPE_Y=%s",
			t.cfg.ShaperFreqX, t.cfg.ShaperFreqY,
			t.cfg.ShaperDampingRatioX, t.cfg.ShaperDampingRatioY,
			t.cfg.ShaperTypeX, t.cfg.ShaperTypeY)
		if err := t.lock.scripts.Run(cmd); err != nil {
			return err
		}
	}

	t.lock.saveCurrentTool(t.cfg.Name)
	t.lock.log.Infow("tool picked up", "tool", t.cfg.Name, "virtual", t.cfg.IsVirtual)
	t.lock.stats.MountEnd(t.cfg.Name)
	return nil
}

// Dropoff physically parks the tool. An unhomed machine makes this a
// logged no-op: there is nothing sensible to park. With forceVirtualUnload
// (or unload_virtual_at_dropoff configured on the resident tool) any
// resident virtual tool is unloaded first. opMu held.
func (t *Tool) Dropoff(forceVirtualUnload bool) error {
	t.lock.log.Infow("dropoff running", "tool", t.cfg.Name)

	if !t.lock.homedForToolchange(t.cfg.LazyHomeWhenParking) {
		t.lock.log.Warnw("dropoff skipped, machine not homed",
			"tool", t.cfg.Name, "lazy_home_when_parking", t.cfg.LazyHomeWhenParking)
		return nil
	}

	if !t.cfg.IsVirtual && t.virtualLoaded > ToolUnlocked {
		uv, err := t.lock.tool(t.virtualLoaded)
		if err == nil && (forceVirtualUnload || uv.cfg.UnloadVirtualAtDropoff) {
			if err := uv.UnloadVirtual(); err != nil {
				return err
			}
		}
	}

	if t.cfg.Fan != "" {
		if err := t.lock.scripts.Run("SET_FAN_SPEED FAN=" + t.cfg.Fan + " SPEED=0"); err != nil {
			return err
		}
	}

	if err := t.lock.scripts.Run("G4 P0.2"); err != nil {
		return err
	}

	if err := t.lock.scripts.RunTemplate(t.cfg.DropoffGcode, t.templateContext()); err != nil {
		return errors.GcodeScript("dropoff_gcode", t.cfg.Name, err)
	}

	t.lock.saveCurrentTool(ToolUnlocked)
	t.lock.stats.UnmountEnd(t.cfg.Name)
	return nil
}

// LoadVirtual logically activates this virtual tool on its already mounted
// physical parent. opMu held.
func (t *Tool) LoadVirtual() error {
	t.lock.log.Infow("loading virtual tool", "tool", t.cfg.Name)
	t.lock.stats.MountStart(t.cfg.Name)

	if err := t.lock.scripts.RunTemplate(t.cfg.VirtualToolloadGcode, t.templateContext()); err != nil {
		return errors.GcodeScript("virtual_toolload_gcode", t.cfg.Name, err)
	}

	parent, err := t.lock.tool(t.cfg.PhysicalParentID)
	if err != nil {
		return err
	}
	t.lock.mu.Lock()
	parent.virtualLoaded = t.cfg.Name
	t.lock.mu.Unlock()

	t.lock.saveCurrentTool(t.cfg.Name)
	t.lock.stats.MountEnd(t.cfg.Name)
	return nil
}

// UnloadVirtual logically deactivates this virtual tool, leaving the
// physical parent mounted. opMu held.
func (t *Tool) UnloadVirtual() error {
	t.lock.log.Infow("unloading virtual tool", "tool", t.cfg.Name)
	t.lock.stats.UnmountStart(t.cfg.Name)

	if err := t.lock.scripts.RunTemplate(t.cfg.VirtualToolunloadGcode, t.templateContext()); err != nil {
		return errors.GcodeScript("virtual_toolunload_gcode", t.cfg.Name, err)
	}

	parent, err := t.lock.tool(t.cfg.PhysicalParentID)
	if err != nil {
		return err
	}
	t.lock.mu.Lock()
	parent.virtualLoaded = ToolUnlocked
	t.lock.mu.Unlock()

	t.lock.saveCurrentTool(t.cfg.Name)
	t.lock.stats.UnmountEnd(t.cfg.Name)
	return nil
}

// HeaterCommand carries optional heater parameter updates and a state
// transition request. Nil fields are left unchanged.
type HeaterCommand struct {
	State           *HeaterState
	ActiveTemp      *float64
	StandbyTemp     *float64
	IdleToStandby   *float64
	IdleToPowerdown *float64
}

func heaterStatePtr(s HeaterState) *HeaterState {
	return &s
}

// setHeater applies parameter updates and the requested state transition.
// opMu held.
func (t *Tool) setHeater(cmd HeaterCommand) error {
	if t.heater == nil {
		t.lock.log.Debugw("set_heater: tool has no extruder, nothing to do",
			"tool", t.cfg.Name)
		return nil
	}

	now := t.lock.sched.Monotonic()
	changingTimer := false

	// Parameter updates apply immediately; a changed set-point is pushed
	// if the heater is already in the matching state.
	if cmd.ActiveTemp != nil {
		t.activeTemp = *cmd.ActiveTemp
		if t.heaterState == HeaterActive {
			if err := t.heater.SetTemperature(t.activeTemp); err != nil {
				return err
			}
		}
	}
	if cmd.StandbyTemp != nil {
		t.standbyTemp = *cmd.StandbyTemp
		if t.heaterState == HeaterStandby {
			if err := t.heater.SetTemperature(t.standbyTemp); err != nil {
				return err
			}
		}
	}
	if cmd.IdleToStandby != nil {
		t.idleToStandby = *cmd.IdleToStandby
		changingTimer = true
	}
	if cmd.IdleToPowerdown != nil {
		t.idleToPowerdn = *cmd.IdleToPowerdown
		changingTimer = true
	}

	// Counting-down timers are re-armed with the new duration so a changed
	// timeout takes effect without drift.
	if t.heaterState == HeaterStandby && changingTimer {
		if t.timerToPowerdown.CountingDown() {
			t.timerToPowerdown.Arm(t.idleToPowerdn, t.cfg.Name)
		}
		if t.timerToStandby.CountingDown() {
			t.timerToStandby.Arm(t.idleToStandby, t.cfg.Name)
		}
	}

	if cmd.State == nil {
		return nil
	}
	next := *cmd.State

	if t.heaterState == next {
		// State unchanged; the set-point may still have moved.
		switch next {
		case HeaterActive:
			return t.heater.SetTemperature(t.activeTemp)
		case HeaterStandby:
			return t.heater.SetTemperature(t.standbyTemp)
		}
		return nil
	}

	statsID := t.statsToolID()
	switch next {
	case HeaterOff:
		t.timerToStandby.Arm(0, t.cfg.Name)
		// Power down asynchronously on the next dispatch, not inline.
		t.timerToPowerdown.Arm(minimalDelay, t.cfg.Name)
	case HeaterActive:
		t.timerToStandby.Arm(0, t.cfg.Name)
		t.timerToPowerdown.Arm(0, t.cfg.Name)
		if err := t.heater.SetTemperature(t.activeTemp); err != nil {
			return err
		}
		t.lock.stats.StandbyHeaterEnd(statsID)
		t.lock.stats.ActiveHeaterStart(statsID)
	case HeaterStandby:
		measured, _ := t.heater.Temperature(now)
		if t.heaterState == HeaterActive && t.standbyTemp < measured {
			// Cool down gradually, then power off.
			t.timerToStandby.Arm(t.idleToStandby, t.cfg.Name)
			t.timerToPowerdown.Arm(t.idleToPowerdn, t.cfg.Name)
		} else {
			// Standby target is not below the measured temperature, apply
			// it on the next dispatch.
			t.timerToStandby.Arm(minimalDelay, t.cfg.Name)
			t.timerToPowerdown.Arm(t.idleToPowerdn, t.cfg.Name)
		}
	default:
		return errors.InvalidStatef("set_heater: unknown heater state %d", next)
	}
	t.lock.mu.Lock()
	t.heaterState = next
	t.lock.mu.Unlock()
	return nil
}

// setOffset updates the tool's nozzle offset. Absolute values replace the
// axis, adjust values add to it.
func (t *Tool) setOffset(abs, adjust map[int]float64) {
	t.lock.mu.Lock()
	defer t.lock.mu.Unlock()
	for axis, v := range abs {
		t.offset[axis] = v
	}
	for axis, v := range adjust {
		t.offset[axis] += v
	}
	t.lock.log.Infow("tool offset set", "tool", t.cfg.Name,
		"x", t.offset[0], "y", t.offset[1], "z", t.offset[2])
}

// templateContext builds the context exposed to the tool's G-code hooks.
func (t *Tool) templateContext() map[string]any {
	return map[string]any{
		"myself":   t.Status(),
		"toollock": t.lock.Status(),
	}
}

// Status reports the tool's configuration and runtime state.
func (t *Tool) Status() map[string]any {
	t.lock.mu.Lock()
	defer t.lock.mu.Unlock()
	return map[string]any{
		"name":                               t.cfg.Name,
		"is_virtual":                         t.cfg.IsVirtual,
		"physical_parent_id":                 t.cfg.PhysicalParentID,
		"extruder":                           t.cfg.Extruder,
		"fan":                                t.cfg.Fan,
		"lazy_home_when_parking":             t.cfg.LazyHomeWhenParking,
		"meltzonelength":                     t.cfg.Meltzonelength,
		"zone":                               t.cfg.Zone,
		"park":                               t.cfg.Park,
		"offset":                             t.offset,
		"heater_state":                       int(t.heaterState),
		"heater_active_temp":                 t.activeTemp,
		"heater_standby_temp":                t.standbyTemp,
		"idle_to_standby_time":               t.idleToStandby,
		"idle_to_powerdown_time":             t.idleToPowerdn,
		"virtual_loaded":                     t.virtualLoaded,
		"requires_pickup_for_virtual_load":   t.cfg.RequiresPickupForVirtualLoad,
		"requires_pickup_for_virtual_unload": t.cfg.RequiresPickupForVirtualUnload,
		"unload_virtual_at_dropoff":          t.cfg.UnloadVirtualAtDropoff,
	}
}
