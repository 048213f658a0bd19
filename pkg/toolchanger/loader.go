package toolchanger

import (
	"fmt"
	"strconv"
	"strings"

	"ktcc-go/pkg/config"
	"ktcc-go/pkg/errors"
	"ktcc-go/pkg/gcode"
	"ktcc-go/pkg/logger"
	"ktcc-go/pkg/shaper"
)

// Deps are the collaborators the coordinator is wired to.
type Deps struct {
	Log      *logger.Logger
	Sched    Scheduler
	Scripts  ScriptRunner
	Heaters  HeaterService
	Fans     FanService
	Motion   MotionService
	Endstops EndstopService
	Vars     VariableStore
}

// Load builds the ToolLock and all tools from the machine configuration.
// Toolgroups and physical parents must be declared before the tools that
// reference them.
func Load(cfg *config.Config, deps Deps) (*ToolLock, error) {
	lock := &ToolLock{
		log:                deps.Log,
		sched:              deps.Sched,
		scripts:            deps.Scripts,
		heaters:            deps.Heaters,
		fans:               deps.Fans,
		motion:             deps.Motion,
		endstops:           deps.Endstops,
		vars:               deps.Vars,
		stats:              NewStats(deps.Sched.Monotonic),
		tools:              make(map[int]*Tool),
		current:            ToolUnknown,
		remap:              make(map[int]int),
		heatersOffSnapshot: make(map[int]HeaterState),
		lastEndstopQuery:   make(map[string]bool),
	}

	if err := loadLockSection(lock, cfg); err != nil {
		return nil, err
	}

	groups := make(map[int]*ToolGroup)
	for _, sec := range cfg.SectionNames() {
		switch {
		case strings.HasPrefix(sec, "toolgroup "):
			g, err := loadToolGroup(cfg.SectionOptional(sec))
			if err != nil {
				return nil, err
			}
			if _, ok := groups[g.Name]; ok {
				return nil, errors.Configf("toolgroup %d defined twice", g.Name)
			}
			groups[g.Name] = g
		case strings.HasPrefix(sec, "tool "):
			t, err := loadTool(lock, cfg.SectionOptional(sec), groups)
			if err != nil {
				return nil, err
			}
			if _, ok := lock.tools[t.cfg.Name]; ok {
				return nil, errors.Configf("tool %d defined twice", t.cfg.Name)
			}
			lock.tools[t.cfg.Name] = t
			lock.toolIDs = append(lock.toolIDs, t.cfg.Name)
		}
	}

	return lock, nil
}

func loadLockSection(lock *ToolLock, cfg *config.Config) error {
	sec := cfg.SectionOptional("toollock")
	if sec == nil {
		lock.initToLastTool = true
		lock.purgeOnToolchange = true
		lock.lockGcode = gcode.NewTemplate("toollock:tool_lock_gcode", "")
		lock.unlockGcode = gcode.NewTemplate("toollock:tool_unlock_gcode", "")
		return nil
	}

	offset, err := sec.GetFloatList("global_offset", []float64{0, 0, 0})
	if err != nil {
		return err
	}
	if len(offset) != 3 {
		return errors.Configf("global_offset must contain 3 numbers separated by commas")
	}
	copy(lock.globalOffset[:], offset)

	if lock.initToLastTool, err = sec.GetBool("init_printer_to_last_tool", true); err != nil {
		return err
	}
	if lock.purgeOnToolchange, err = sec.GetBool("purge_on_toolchange", true); err != nil {
		return err
	}

	lockScript, err := sec.Get("tool_lock_gcode", "")
	if err != nil {
		return err
	}
	unlockScript, err := sec.Get("tool_unlock_gcode", "")
	if err != nil {
		return err
	}
	lock.lockGcode = gcode.NewTemplate("toollock:tool_lock_gcode", lockScript)
	lock.unlockGcode = gcode.NewTemplate("toollock:tool_unlock_gcode", unlockScript)
	return nil
}

// loadTool parses one [tool N] section, resolving every inherited value
// through the tool, its physical parent, then its toolgroup.
func loadTool(lock *ToolLock, sec *config.Section, groups map[int]*ToolGroup) (*Tool, error) {
	name, err := strconv.Atoi(sec.Suffix())
	if err != nil || name < 0 {
		return nil, errors.Configf(
			"name of section '%s' contains illegal characters, use only an integer tool number",
			sec.Name())
	}

	groupID, err := sec.GetInt("tool_group")
	if err != nil {
		return nil, err
	}
	group, ok := groups[groupID]
	if !ok {
		return nil, errors.Configf(
			"toolgroup of tool %d is not defined, it must be configured before the tool", name)
	}

	c := ToolConfig{Name: name, ToolGroup: groupID}

	if c.PhysicalParentID, err = sec.GetInt("physical_parent", group.PhysicalParentID); err != nil {
		return nil, err
	}
	var parent *Tool
	if c.PhysicalParentID >= 0 && c.PhysicalParentID != name {
		if parent, ok = lock.tools[c.PhysicalParentID]; !ok {
			return nil, errors.Configf(
				"physical parent %d of tool %d is not defined, it must be configured before the tool",
				c.PhysicalParentID, name)
		}
		if parent.cfg.IsVirtual {
			return nil, errors.Configf(
				"physical parent %d of tool %d must be a physical tool",
				c.PhysicalParentID, name)
		}
	}

	if c.IsVirtual, err = sec.GetBool("is_virtual", group.IsVirtual); err != nil {
		return nil, err
	}
	if c.IsVirtual && c.PhysicalParentID == ToolUnlocked {
		return nil, errors.Configf(
			"tool %d cannot be virtual without a valid physical_parent; if virtual and physical, use itself as parent",
			name)
	}
	if c.PhysicalParentID == name && c.IsVirtual {
		return nil, errors.Configf(
			"tool %d is its own physical parent and therefore cannot be virtual", name)
	}

	// String and numeric attributes fall back to the physical parent, then
	// the toolgroup.
	pcfg := ToolConfig{PhysicalParentID: ToolUnlocked}
	if parent != nil {
		pcfg = parent.cfg
	}

	if c.Extruder, err = sec.Get("extruder", pcfg.Extruder); err != nil {
		return nil, err
	}
	if c.Fan, err = sec.Get("fan", pcfg.Fan); err != nil {
		return nil, err
	}

	melt := group.Meltzonelength
	if parent != nil && pcfg.Meltzonelength != 0 {
		melt = pcfg.Meltzonelength
	}
	if c.Meltzonelength, err = sec.GetFloat("meltzonelength", melt); err != nil {
		return nil, err
	}

	lazy := group.LazyHomeWhenParking
	if parent != nil {
		lazy = pcfg.LazyHomeWhenParking
	}
	if c.LazyHomeWhenParking, err = sec.GetInt("lazy_home_when_parking", lazy); err != nil {
		return nil, err
	}

	if c.Zone, err = coordOption(sec, "zone", pcfg.Zone); err != nil {
		return nil, err
	}
	if c.Park, err = coordOption(sec, "park", pcfg.Park); err != nil {
		return nil, err
	}
	if c.Offset, err = coordOption(sec, "offset", pcfg.Offset); err != nil {
		return nil, err
	}

	stdbyTime := group.IdleToStandbyTime
	if parent != nil && pcfg.IdleToStandbyTime != 0 {
		stdbyTime = pcfg.IdleToStandbyTime
	}
	if c.IdleToStandbyTime, err = sec.GetFloat("idle_to_standby_time", stdbyTime); err != nil {
		return nil, err
	}
	pwrdnTime := group.IdleToPowerdownTime
	if parent != nil && pcfg.IdleToPowerdownTime != 0 {
		pwrdnTime = pcfg.IdleToPowerdownTime
	}
	if c.IdleToPowerdownTime, err = sec.GetFloat("idle_to_powerdown_time", pwrdnTime); err != nil {
		return nil, err
	}

	if c.PickupGcode, err = hookTemplate(sec, "pickup_gcode", name, pcfg.PickupGcode, group.PickupGcode); err != nil {
		return nil, err
	}
	if c.DropoffGcode, err = hookTemplate(sec, "dropoff_gcode", name, pcfg.DropoffGcode, group.DropoffGcode); err != nil {
		return nil, err
	}
	if c.IsVirtual {
		if c.VirtualToolloadGcode, err = hookTemplate(sec, "virtual_toolload_gcode", name,
			pcfg.VirtualToolloadGcode, group.VirtualToolloadGcode); err != nil {
			return nil, err
		}
		if c.VirtualToolunloadGcode, err = hookTemplate(sec, "virtual_toolunload_gcode", name,
			pcfg.VirtualToolunloadGcode, group.VirtualToolunloadGcode); err != nil {
			return nil, err
		}
		if c.RequiresPickupForVirtualLoad, err = sec.GetBool(
			"requires_pickup_for_virtual_load", group.RequiresPickupForVirtualLoad); err != nil {
			return nil, err
		}
		if c.RequiresPickupForVirtualUnload, err = sec.GetBool(
			"requires_pickup_for_virtual_unload", group.RequiresPickupForVirtualUnload); err != nil {
			return nil, err
		}
		if c.UnloadVirtualAtDropoff, err = sec.GetBool(
			"unload_virtual_at_dropoff", group.UnloadVirtualAtDropoff); err != nil {
			return nil, err
		}
	}

	if c.ShaperFreqX, err = sec.GetFloat("shaper_freq_x", pcfg.ShaperFreqX); err != nil {
		return nil, err
	}
	if c.ShaperFreqY, err = sec.GetFloat("shaper_freq_y", pcfg.ShaperFreqY); err != nil {
		return nil, err
	}
	typeX, err := sec.Get("shaper_type_x", pcfg.ShaperTypeX)
	if err != nil {
		return nil, err
	}
	typeY, err := sec.Get("shaper_type_y", pcfg.ShaperTypeY)
	if err != nil {
		return nil, err
	}
	shaperTypeX, err := shaper.TypeByName(typeX)
	if err != nil {
		return nil, errors.Configf("tool %d: %v", name, err)
	}
	shaperTypeY, err := shaper.TypeByName(typeY)
	if err != nil {
		return nil, errors.Configf("tool %d: %v", name, err)
	}
	c.ShaperTypeX, c.ShaperTypeY = string(shaperTypeX), string(shaperTypeY)
	dampX, dampY := pcfg.ShaperDampingRatioX, pcfg.ShaperDampingRatioY
	if parent == nil {
		dampX, dampY = 0.1, 0.1
	}
	if c.ShaperDampingRatioX, err = sec.GetFloat("shaper_damping_ratio_x", dampX); err != nil {
		return nil, err
	}
	if c.ShaperDampingRatioY, err = sec.GetFloat("shaper_damping_ratio_y", dampY); err != nil {
		return nil, err
	}

	t := &Tool{
		cfg:           c,
		lock:          lock,
		offset:        c.Offset,
		idleToStandby: c.IdleToStandbyTime,
		idleToPowerdn: c.IdleToPowerdownTime,
		virtualLoaded: ToolUnlocked,
	}

	if c.Extruder != "" {
		if t.heater, err = lock.heaters.Heater(c.Extruder); err != nil {
			return nil, errors.Configf("tool %d: %v", name, err)
		}
		// Virtual tools share the physical parent's timers so interleaved
		// switches act on one countdown.
		if parent != nil && parent.timerToStandby != nil {
			t.timerToStandby = parent.timerToStandby
			t.timerToPowerdown = parent.timerToPowerdown
		} else {
			t.timerToStandby = newStandbyTimer(lock, name, TimerToStandby)
			t.timerToPowerdown = newStandbyTimer(lock, name, TimerToPowerdown)
		}
	}

	lock.log.Debugw("tool loaded", "tool", name, "virtual", c.IsVirtual,
		"parent", c.PhysicalParentID, "extruder", c.Extruder)
	return t, nil
}

// coordOption parses a "x, y, z" option with a parent fallback.
func coordOption(sec *config.Section, key string, fallback [3]float64) ([3]float64, error) {
	if !sec.HasOption(key) {
		return fallback, nil
	}
	vals, err := sec.GetFloatList(key)
	if err != nil {
		return [3]float64{}, err
	}
	if len(vals) != 3 {
		return [3]float64{}, errors.Configf(
			"%s of section '%s' is malformed, must be a list of x,y,z; if you want it blank, use 0,0,0",
			key, sec.Name())
	}
	var out [3]float64
	copy(out[:], vals)
	return out, nil
}

// hookTemplate builds a hook template from the tool's own option, the
// parent's resolved template, or the toolgroup script, in that order.
func hookTemplate(sec *config.Section, key string, tool int, parent *gcode.Template, groupScript string) (*gcode.Template, error) {
	name := fmt.Sprintf("tool %d:%s", tool, key)
	if sec.HasOption(key) {
		script, err := sec.Get(key)
		if err != nil {
			return nil, err
		}
		return gcode.NewTemplate(name, script), nil
	}
	if parent != nil {
		return parent, nil
	}
	return gcode.NewTemplate(name, groupScript), nil
}
