package toolchanger

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"ktcc-go/pkg/errors"
	"ktcc-go/pkg/gcode"
	"ktcc-go/pkg/logger"
)

// Persisted variable names.
const (
	varCurrentTool = "tool_current"
	varToolRemap   = "tool_remap"
)

// BootDelay is how long after startup the persisted tool state is
// reapplied.
const BootDelay = 1.5

// temperature targets at or below this are not worth waiting for.
const minWaitTarget = 40

// ToolLock is the process-wide tool change coordinator. It owns the
// current-tool id, the remap table, global offsets, the saved position and
// fan speed, and fans out fleet-wide heater operations. All tool mutation
// goes through it.
type ToolLock struct {
	log      *logger.Logger
	sched    Scheduler
	scripts  ScriptRunner
	heaters  HeaterService
	fans     FanService
	motion   MotionService
	endstops EndstopService
	vars     VariableStore
	stats    *Stats

	// opMu serializes tool change and heater operations end to end.
	// Standalone waits (temperature, endstop polls) run without it.
	opMu sync.Mutex
	// mu guards the short-lived state reads below.
	mu sync.Mutex

	tools   map[int]*Tool
	toolIDs []int

	current           int
	remap             map[int]int
	globalOffset      [3]float64
	savedFanSpeed     float64
	savedPosition     [3]float64
	restoreAxes       string
	purgeOnToolchange bool
	initToLastTool    bool

	lockGcode   *gcode.Template
	unlockGcode *gcode.Template

	heatersOffSnapshot map[int]HeaterState
	lastEndstopQuery   map[string]bool

	bootTimer TimerHandle
}

// currentTool returns the current tool id.
func (l *ToolLock) currentTool() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// CurrentTool returns the current tool id.
func (l *ToolLock) CurrentTool() int {
	return l.currentTool()
}

// SavedFanSpeed returns the fan speed restored at pickup.
func (l *ToolLock) SavedFanSpeed() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.savedFanSpeed
}

// Stats returns the statistics tracker.
func (l *ToolLock) Stats() *Stats {
	return l.stats
}

// Tool returns a tool by id.
func (l *ToolLock) Tool(id int) (*Tool, error) {
	return l.tool(id)
}

// ToolIDs returns all configured tool ids in config order.
func (l *ToolLock) ToolIDs() []int {
	ids := make([]int, len(l.toolIDs))
	copy(ids, l.toolIDs)
	return ids
}

func (l *ToolLock) tool(id int) (*Tool, error) {
	t, ok := l.tools[id]
	if !ok {
		return nil, errors.InvalidStatef("tool %d is not configured", id)
	}
	return t, nil
}

// Start reads the persisted remap table and schedules the boot tasks that
// reapply the last tool state after BootDelay.
func (l *ToolLock) Start() error {
	if err := l.loadRemap(); err != nil {
		return err
	}
	l.bootTimer = l.sched.RegisterTimer(l.bootup)
	l.sched.UpdateTimer(l.bootTimer, l.sched.Monotonic()+BootDelay)
	return nil
}

func (l *ToolLock) bootup(eventtime float64) float64 {
	if len(l.remap) > 0 {
		l.log.Infow("tool remap restored", "map", l.RemapDisplay())
	}
	if err := l.initializeToolLock(); err != nil {
		l.log.Warnw("error initializing tool lock at boot", "error", err)
	}
	return Never
}

// initializeToolLock reapplies the persisted current tool so a restart
// resumes where the previous run stopped.
func (l *ToolLock) initializeToolLock() error {
	if !l.initToLastTool {
		return nil
	}

	raw, ok, err := l.vars.Lookup(varCurrentTool)
	if err != nil {
		return err
	}
	last := ToolUnlocked
	if !ok {
		if err := l.vars.Save(varCurrentTool, strconv.Itoa(ToolUnlocked)); err != nil {
			return err
		}
	} else if last, err = strconv.Atoi(strings.TrimSpace(raw)); err != nil {
		return errors.VarStore("parse persisted "+varCurrentTool, err)
	}

	l.opMu.Lock()
	defer l.opMu.Unlock()
	if last == ToolUnlocked {
		if err := l.unlock(); err != nil {
			return err
		}
		l.log.Infow("tool lock initialized unlocked")
		return nil
	}
	if err := l.lockEngage(true); err != nil {
		return err
	}
	l.saveCurrentTool(last)
	l.log.Infow("tool lock initialized with last tool", "tool", last)
	return nil
}

// Lock engages the tool lock. Locking without a mounted tool forces the
// current tool to unknown.
func (l *ToolLock) Lock() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.lockEngage(false)
}

func (l *ToolLock) lockEngage(ignoreLocked bool) error {
	if !ignoreLocked && l.currentTool() != ToolUnlocked {
		l.log.Infow("tool lock is already engaged", "tool", l.currentTool())
		return nil
	}
	if err := l.scripts.RunTemplate(l.lockGcode, map[string]any{"toollock": l.Status()}); err != nil {
		return errors.GcodeScript("tool_lock_gcode", l.currentTool(), err)
	}
	l.saveCurrentTool(ToolUnknown)
	l.stats.IncGlobal("total_toollocks")
	return nil
}

// Unlock disengages the tool lock.
func (l *ToolLock) Unlock() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.unlock()
}

func (l *ToolLock) unlock() error {
	if err := l.scripts.RunTemplate(l.unlockGcode, map[string]any{"toollock": l.Status()}); err != nil {
		return errors.GcodeScript("tool_unlock_gcode", l.currentTool(), err)
	}
	l.saveCurrentTool(ToolUnlocked)
	l.stats.IncGlobal("total_toolunlocks")
	return nil
}

// SelectTool mounts the given tool, resolving the remap table first
// (single hop). A nil restoreAxes leaves any earlier SAVE_POSITION intact.
func (l *ToolLock) SelectTool(id int, restoreAxes *string) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if mapped, ok := l.resolveRemap(id); ok {
		l.log.Infow("tool is remapped", "from", id, "to", mapped)
		id = mapped
	}
	t, err := l.tool(id)
	if err != nil {
		return err
	}
	return t.selectActual(restoreAxes)
}

// DropoffCurrent parks the currently mounted tool, unloading any resident
// virtual tool first.
func (l *ToolLock) DropoffCurrent() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	current := l.currentTool()
	if current <= ToolUnlocked {
		l.log.Infow("dropoff: no known tool mounted", "current", current)
		return nil
	}
	t, err := l.tool(current)
	if err != nil {
		return err
	}
	if t.cfg.IsVirtual {
		t, err = l.tool(t.cfg.PhysicalParentID)
		if err != nil {
			return err
		}
	}
	return t.Dropoff(true)
}

// SaveCurrentTool records and persists the current tool id.
func (l *ToolLock) SaveCurrentTool(id int) {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.saveCurrentTool(id)
}

func (l *ToolLock) saveCurrentTool(id int) {
	l.mu.Lock()
	l.current = id
	l.mu.Unlock()
	if err := l.vars.Save(varCurrentTool, strconv.Itoa(id)); err != nil {
		l.log.Errorw("failed to persist current tool", "tool", id, "error", err)
	}
}

// SetHeater applies a heater command to a tool. The id must already be
// remap-resolved; this method does not consult the remap table.
func (l *ToolLock) SetHeater(toolID int, cmd HeaterCommand) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	t, err := l.tool(toolID)
	if err != nil {
		return err
	}
	return t.setHeater(cmd)
}

// SetAndSaveFanSpeed saves the fan speed for restore at pickup and applies
// it to the tool's fan now. Remap is resolved first.
func (l *ToolLock) SetAndSaveFanSpeed(toolID int, speed float64) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if mapped, ok := l.resolveRemap(toolID); ok {
		toolID = mapped
	}
	t, err := l.tool(toolID)
	if err != nil {
		return err
	}
	if t.cfg.Fan == "" {
		l.log.Debugw("tool has no fan", "tool", toolID)
		return nil
	}
	l.mu.Lock()
	l.savedFanSpeed = speed
	l.mu.Unlock()
	return l.fans.SetSpeed(t.cfg.Fan, speed)
}

// homedForToolchange reports whether a tool change may proceed, homing
// lazily per the tool's policy: 0 never homes, 1 homes anything but Z,
// anything else homes all missing axes.
func (l *ToolLock) homedForToolchange(lazyHomeWhenParking int) bool {
	homed := strings.ToLower(l.motion.HomedAxes())
	missing := ""
	for _, axis := range []string{"x", "y", "z"} {
		if !strings.Contains(homed, axis) {
			missing += axis
		}
	}
	if missing == "" {
		return true
	}
	if lazyHomeWhenParking == 0 {
		return false
	}
	if lazyHomeWhenParking == 1 && strings.Contains(missing, "z") {
		return false
	}
	if err := l.motion.Home(strings.ToUpper(missing)); err != nil {
		l.log.Errorw("lazy homing failed", "axes", missing, "error", err)
		return false
	}
	return true
}

// TemperatureWaitWithTolerance blocks until the selected heater is within
// the tolerance of its target. With neither toolID nor heaterID the
// current tool's extruder and the bed are waited on.
func (l *ToolLock) TemperatureWaitWithTolerance(toolID, heaterID *int, tolerance float64) error {
	if toolID != nil && heaterID != nil {
		return errors.InvalidStatef("temperature wait: can't use both TOOL and HEATER parameters")
	}

	var heaterName string
	switch {
	case toolID == nil && heaterID == nil:
		current := l.currentTool()
		if current >= 0 {
			t, err := l.tool(current)
			if err != nil {
				return err
			}
			heaterName = t.cfg.Extruder
		}
		if err := l.temperatureWait("heater_bed", tolerance); err != nil {
			return err
		}
	case toolID != nil:
		id := *toolID
		if mapped, ok := l.resolveRemap(id); ok {
			id = mapped
		}
		t, err := l.tool(id)
		if err != nil {
			return err
		}
		heaterName = t.cfg.Extruder
	case *heaterID == 0:
		heaterName = "heater_bed"
	case *heaterID == 1:
		heaterName = "extruder"
	default:
		heaterName = "extruder" + strconv.Itoa(*heaterID-1)
	}

	if heaterName == "" {
		return nil
	}
	return l.temperatureWait(heaterName, tolerance)
}

// temperatureWait polls the heater until its measured temperature is
// within the tolerance of its target. Targets at or below minWaitTarget
// are not waited for. Must not be called with opMu locked by a caller that
// expects timers to stay blocked; the pause yields to the scheduler.
func (l *ToolLock) temperatureWait(heaterName string, tolerance float64) error {
	h, err := l.heaters.Heater(heaterName)
	if err != nil {
		return err
	}
	now := l.sched.Monotonic()
	_, target := h.Temperature(now)
	if target <= minWaitTarget {
		return nil
	}
	l.log.Infow("waiting for heater", "heater", heaterName,
		"target", target, "tolerance", tolerance)
	for {
		measured, target := h.Temperature(now)
		if target <= minWaitTarget || math.Abs(measured-target) <= tolerance {
			break
		}
		now = l.sched.Pause(now + 1.0)
	}
	l.log.Infow("heater wait complete", "heater", heaterName)
	return nil
}

// SetToolOffset updates a tool's nozzle offset. abs holds absolute axis
// values, adjust holds deltas; axes are indexed 0..2 for X, Y, Z.
func (l *ToolLock) SetToolOffset(toolID *int, abs, adjust map[int]float64) error {
	id, err := l.toolIDForCommand(toolID)
	if err != nil {
		return err
	}
	t, err := l.tool(id)
	if err != nil {
		return err
	}
	t.setOffset(abs, adjust)
	return nil
}

// toolIDForCommand resolves the target tool of a command: the explicit id
// when given, else the current tool, then through the remap table.
func (l *ToolLock) toolIDForCommand(toolID *int) (int, error) {
	id := l.currentTool()
	if toolID != nil {
		id = *toolID
	}
	if id <= ToolUnlocked {
		return 0, errors.InvalidStatef("tool %d is not valid for this command", id)
	}
	if mapped, ok := l.resolveRemap(id); ok {
		id = mapped
	}
	return id, nil
}

// SetGlobalOffset updates the global offset; nil axes are unchanged.
func (l *ToolLock) SetGlobalOffset(x, y, z *float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if x != nil {
		l.globalOffset[0] = *x
	}
	if y != nil {
		l.globalOffset[1] = *y
	}
	if z != nil {
		l.globalOffset[2] = *z
	}
	l.log.Infow("global offset set", "offset", l.globalOffset)
}

// SetPurgeOnToolchange toggles purge behavior exposed to the hooks.
func (l *ToolLock) SetPurgeOnToolchange(value bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purgeOnToolchange = value
}

// SavePosition stores an explicit position to restore after a tool
// change; nil axes are excluded from the restore.
func (l *ToolLock) SavePosition(x, y, z *float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restoreAxes = ""
	for i, p := range []*float64{x, y, z} {
		if p != nil {
			l.savedPosition[i] = *p
			l.restoreAxes += string("XYZ"[i])
		}
	}
}

// SaveCurrentPosition snapshots the current machine position with the
// given restore-axes selection.
func (l *ToolLock) SaveCurrentPosition(restoreAxes string) {
	l.saveCurrentPosition(restoreAxes)
}

func (l *ToolLock) saveCurrentPosition(restoreAxes string) {
	pos := l.motion.Position()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restoreAxes = restoreAxes
	l.savedPosition = pos
}

// RestorePosition moves back to the saved position along the saved axes.
// A non-empty restoreAxes overrides the saved selection; speed is in
// mm/min, zero uses the default.
func (l *ToolLock) RestorePosition(restoreAxes string, speed int) error {
	l.mu.Lock()
	axes := l.restoreAxes
	if restoreAxes != "" {
		axes = restoreAxes
		l.restoreAxes = restoreAxes
	}
	pos := l.savedPosition
	l.mu.Unlock()

	if axes == "" {
		return nil
	}
	var cmd strings.Builder
	cmd.WriteString("G1")
	for _, r := range axes {
		idx, ok := axisToIndex[r]
		if !ok {
			return errors.InvalidStatef("invalid restore axis %q", string(r))
		}
		fmt.Fprintf(&cmd, " %c%.3f", r, pos[idx])
	}
	if speed > 0 {
		fmt.Fprintf(&cmd, " F%d", speed)
	}
	return l.scripts.Run(cmd.String())
}

// SetGcodeOffsetForCurrentTool applies the mounted tool's offset as the
// G-code offset.
func (l *ToolLock) SetGcodeOffsetForCurrentTool(move bool) error {
	current := l.currentTool()
	if current <= ToolUnlocked {
		l.log.Warnw("unknown tool mounted, can't set offsets", "current", current)
		return nil
	}
	t, err := l.tool(current)
	if err != nil {
		return err
	}
	offset := t.Offset()
	moveFlag := 0
	if move {
		moveFlag = 1
	}
	return l.scripts.Run(fmt.Sprintf(
		"SET_GCODE_OFFSET X=%v Y=%v Z=%v MOVE=%d",
		offset[0], offset[1], offset[2], moveFlag))
}

// SetAllToolHeatersOff snapshots every tool's nonzero heater state and
// forces the heaters off.
func (l *ToolLock) SetAllToolHeatersOff() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	snapshot := make(map[int]HeaterState)
	for _, id := range l.toolIDs {
		t := l.tools[id]
		if t.heater == nil {
			continue
		}
		state := t.heaterState
		if state == HeaterOff {
			continue
		}
		snapshot[id] = state
		if err := t.setHeater(HeaterCommand{State: heaterStatePtr(HeaterOff)}); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.heatersOffSnapshot = snapshot
	l.mu.Unlock()
	return nil
}

// ResumeAllToolHeaters replays the snapshot taken by SetAllToolHeatersOff,
// standby tools first so resuming does not momentarily exceed the power
// budget.
func (l *ToolLock) ResumeAllToolHeaters() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	snapshot := l.heatersOffSnapshot
	l.mu.Unlock()

	for _, wanted := range []HeaterState{HeaterStandby, HeaterActive} {
		for _, id := range l.toolIDs {
			state, ok := snapshot[id]
			if !ok || state != wanted {
				continue
			}
			t := l.tools[id]
			if err := t.setHeater(HeaterCommand{State: heaterStatePtr(state)}); err != nil {
				return err
			}
		}
	}
	return nil
}

// QueryEndstop polls the named endstop until it reports the wanted
// triggered state or the attempts are exhausted. attempts of -1 polls
// unboundedly at a slower dwell.
func (l *ToolLock) QueryEndstop(name string, shouldBeTriggered bool, attempts int) error {
	found := false
	for _, n := range l.endstops.EndstopNames() {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		return errors.UnknownEndstop(name)
	}

	dwell := 0.1
	if attempts == -1 {
		dwell = 1.0
	}
	eventtime := l.sched.Monotonic()
	var triggered bool
	for i := 1; ; i++ {
		var err error
		triggered, err = l.endstops.QueryEndstop(name, eventtime)
		if err != nil {
			return err
		}
		l.log.Debugw("endstop poll", "endstop", name, "attempt", i, "triggered", triggered)
		if triggered == shouldBeTriggered {
			break
		}
		if attempts > 0 && attempts <= i {
			break
		}
		eventtime = l.sched.Pause(eventtime + dwell)
	}
	l.mu.Lock()
	l.lastEndstopQuery[name] = triggered
	l.mu.Unlock()
	return nil
}

// Remap redirects tool from to tool to. Chains and cycles are rejected so
// resolution stays single-hop.
func (l *ToolLock) Remap(from, to int) error {
	if _, err := l.tool(to); err != nil {
		return err
	}
	if from == to {
		return errors.InvalidStatef("remap: tool %d cannot be remapped to itself", from)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.remap[to]; ok {
		return errors.InvalidStatef(
			"remap: target tool %d is itself remapped, chains are not allowed", to)
	}
	for _, target := range l.remap {
		if target == from {
			return errors.InvalidStatef(
				"remap: tool %d is already the target of a mapping, chains are not allowed", from)
		}
	}
	l.remap[from] = to
	return l.persistRemap()
}

// validateRemapTable checks a full table for the invariants Remap enforces
// incrementally: known targets, no self-mappings, and no value that is also
// a key (which would make resolution multi-hop).
func (l *ToolLock) validateRemapTable(remap map[int]int) error {
	for from, to := range remap {
		if _, err := l.tool(to); err != nil {
			return err
		}
		if from == to {
			return errors.InvalidStatef("remap: tool %d cannot be remapped to itself", from)
		}
		if _, ok := remap[to]; ok {
			return errors.InvalidStatef(
				"remap: target tool %d is itself remapped, chains are not allowed", to)
		}
	}
	return nil
}

// ResetRemap clears the remap table.
func (l *ToolLock) ResetRemap() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remap = make(map[int]int)
	return l.persistRemap()
}

// resolveRemap resolves one remap hop.
func (l *ToolLock) resolveRemap(id int) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	to, ok := l.remap[id]
	return to, ok
}

// RemapDisplay formats the remap table for display.
func (l *ToolLock) RemapDisplay() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf("Number of tools remapped: %d", len(l.remap))
	froms := make([]int, 0, len(l.remap))
	for from := range l.remap {
		froms = append(froms, from)
	}
	sort.Ints(froms)
	for _, from := range froms {
		msg += fmt.Sprintf("\nTool %d -> Tool %d", from, l.remap[from])
	}
	return msg
}

// persistRemap writes the remap table to the variable store. mu held.
func (l *ToolLock) persistRemap() error {
	pairs := make([]string, 0, len(l.remap))
	for from, to := range l.remap {
		pairs = append(pairs, fmt.Sprintf("%d:%d", from, to))
	}
	sort.Strings(pairs)
	if err := l.vars.Save(varToolRemap, strings.Join(pairs, ",")); err != nil {
		return err
	}
	return nil
}

// loadRemap reads the persisted remap table.
func (l *ToolLock) loadRemap() error {
	raw, ok, err := l.vars.Lookup(varToolRemap)
	if err != nil {
		return err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	remap := make(map[int]int)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return errors.VarStore("parse persisted "+varToolRemap,
				fmt.Errorf("malformed pair %q", pair))
		}
		from, err := strconv.Atoi(kv[0])
		if err != nil {
			return errors.VarStore("parse persisted "+varToolRemap, err)
		}
		to, err := strconv.Atoi(kv[1])
		if err != nil {
			return errors.VarStore("parse persisted "+varToolRemap, err)
		}
		remap[from] = to
	}
	// Persisted values may predate the chain checks or have been edited by
	// hand; an invalid table must not reach resolution.
	if err := l.validateRemapTable(remap); err != nil {
		return errors.VarStore("validate persisted "+varToolRemap, err)
	}
	l.mu.Lock()
	l.remap = remap
	l.mu.Unlock()
	return nil
}

// Status reports the coordinator state for hooks and the status server.
func (l *ToolLock) Status() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	lastEndstop := make(map[string]bool, len(l.lastEndstopQuery))
	for k, v := range l.lastEndstopQuery {
		lastEndstop[k] = v
	}
	return map[string]any{
		"global_offset":              l.globalOffset,
		"tool_current":               l.current,
		"saved_fan_speed":            l.savedFanSpeed,
		"purge_on_toolchange":        l.purgeOnToolchange,
		"restore_axis_on_toolchange": l.restoreAxes,
		"saved_position":             l.savedPosition,
		"last_endstop_query":         lastEndstop,
	}
}

// ParseRestoreType converts the legacy restore parameter into axis
// letters: 0 is none, 1 is XY, 2 is XYZ, otherwise explicit letters.
func ParseRestoreType(value string) (string, error) {
	switch value {
	case "0":
		return "", nil
	case "1":
		return "XY", nil
	case "2":
		return "XYZ", nil
	}
	upper := strings.ToUpper(value)
	for _, r := range upper {
		if _, ok := axisToIndex[r]; !ok {
			return "", errors.InvalidStatef("invalid restore position type %q", value)
		}
	}
	return upper, nil
}

var axisToIndex = map[rune]int{'X': 0, 'Y': 1, 'Z': 2}
