package main

import (
	"strconv"
	"strings"

	"ktcc-go/pkg/config"
	"ktcc-go/pkg/endstop"
	"ktcc-go/pkg/fan"
	"ktcc-go/pkg/gcode"
	"ktcc-go/pkg/heater"
	"ktcc-go/pkg/logger"
	"ktcc-go/pkg/motion"
	"ktcc-go/pkg/shaper"
	"ktcc-go/pkg/toolchanger"
)

// machine bundles the hardware-facing services the coordinator drives.
type machine struct {
	heaters  *heater.Manager
	fans     *fan.Manager
	motion   *motion.Sim
	endstops *endstop.Registry
	shapers  *shaper.Pair
}

// buildMachine creates heaters, fans, endstops and the motion service from
// the machine configuration sections.
func buildMachine(cfg *config.Config, log *logger.Logger) (*machine, error) {
	m := &machine{
		heaters:  heater.NewManager(log.Named("heater")),
		fans:     fan.NewManager(log.Named("fan")),
		motion:   motion.New(log.Named("motion")),
		endstops: endstop.NewRegistry(),
		shapers:  shaper.NewPair(),
	}

	for _, name := range cfg.SectionNames() {
		switch {
		case name == "heater_bed" || strings.HasPrefix(name, "extruder"):
			if err := addHeater(m.heaters, cfg.SectionOptional(name)); err != nil {
				return nil, err
			}
		case name == "fan" || strings.HasPrefix(name, "fan "):
			if err := addFan(m.fans, cfg.SectionOptional(name)); err != nil {
				return nil, err
			}
		case strings.HasPrefix(name, "endstop "):
			addEndstop(m.endstops, cfg.SectionOptional(name))
		}
	}
	return m, nil
}

func addHeater(heaters *heater.Manager, sec *config.Section) error {
	maxTemp, err := sec.GetFloat("max_temp", 300)
	if err != nil {
		return err
	}
	minTemp, err := sec.GetFloat("min_temp", 0)
	if err != nil {
		return err
	}
	smooth, err := sec.GetFloat("smooth_time", 0)
	if err != nil {
		return err
	}
	_, err = heaters.Add(heater.Config{
		Name:       sec.Name(),
		MinTemp:    minTemp,
		MaxTemp:    maxTemp,
		SmoothTime: smooth,
	})
	return err
}

func addFan(fans *fan.Manager, sec *config.Section) error {
	name := sec.Suffix()
	if name == "" {
		name = sec.Name()
	}
	maxPower, err := sec.GetFloat("max_power", 1)
	if err != nil {
		return err
	}
	offBelow, err := sec.GetFloat("off_below", 0)
	if err != nil {
		return err
	}
	_, err = fans.Add(fan.Config{Name: name, MaxPower: maxPower, OffBelow: offBelow})
	return err
}

// addEndstop registers a fixed-state endstop. Real deployments replace this
// query with an MCU-backed one; the fixed state keeps KTCC_ENDSTOP_QUERY
// usable in simulation.
func addEndstop(endstops *endstop.Registry, sec *config.Section) {
	triggered, err := sec.GetBool("triggered", true)
	if err != nil {
		triggered = true
	}
	endstops.Register(sec.Suffix(), func(printTime float64) (bool, error) {
		return triggered, nil
	})
}

// heaterService adapts the heater manager to the coordinator's interface.
type heaterService struct {
	m *heater.Manager
}

func (s heaterService) Heater(name string) (toolchanger.Heater, error) {
	h, err := s.m.Heater(name)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// updateAxisShaper applies the per-axis SET_INPUT_SHAPER parameters.
func updateAxisShaper(ax *shaper.Axis, args gcode.Args, axis string) error {
	var typ *shaper.Type
	if name := args.Get("SHAPER_TYPE_"+axis, args.Get("SHAPER_TYPE", "")); name != "" {
		t, err := shaper.TypeByName(name)
		if err != nil {
			return err
		}
		typ = &t
	}
	freq, err := args.MaybeFloat("SHAPER_FREQ_" + axis)
	if err != nil {
		return err
	}
	damping, err := args.MaybeFloat("DAMPING_RATIO_" + axis)
	if err != nil {
		return err
	}
	return ax.Update(typ, freq, damping)
}

// wordFloat extracts a classic G-code word ("X10.5") from the parsed
// parameters.
func wordFloat(args gcode.Args, letter byte) (float64, bool) {
	for key := range args.Params() {
		if len(key) > 1 && key[0] == letter {
			if v, err := strconv.ParseFloat(key[1:], 64); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

// wordPresent reports whether a bare axis word ("X") appears.
func wordPresent(args gcode.Args, letter byte) bool {
	for key := range args.Params() {
		if len(key) > 0 && key[0] == letter {
			return true
		}
	}
	return false
}

// registerBaseCommands binds the plain G-code surface the tool change hooks
// rely on. These drive the simulated machine services directly.
func registerBaseCommands(runner *gcode.Runner, m *machine, log *logger.Logger) {
	move := func(args gcode.Args) error {
		axes := make(map[string]float64)
		for _, letter := range []byte{'X', 'Y', 'Z'} {
			if v, ok := wordFloat(args, letter); ok {
				axes[string(letter)] = v
			}
		}
		if len(axes) == 0 {
			return nil
		}
		speed := 100.0
		if f, ok := wordFloat(args, 'F'); ok && f > 0 {
			speed = f / 60.0
		}
		return m.motion.MoveTo(axes, speed)
	}
	runner.Register("G0", "Rapid move", move)
	runner.Register("G1", "Linear move", move)

	runner.Register("G4", "Dwell", func(args gcode.Args) error {
		return nil
	})
	runner.Register("M400", "Wait for moves to finish", func(args gcode.Args) error {
		return nil
	})

	runner.Register("G28", "Home axes", func(args gcode.Args) error {
		axes := ""
		for _, letter := range []byte{'X', 'Y', 'Z'} {
			if wordPresent(args, letter) {
				axes += string(letter)
			}
		}
		return m.motion.Home(axes)
	})

	runner.Register("ACTIVATE_EXTRUDER", "Select the active extruder", func(args gcode.Args) error {
		name := args.Get("EXTRUDER", "")
		if name == "" {
			return nil
		}
		// The heater must exist even though the simulation has no motion
		// queue to retarget.
		if _, err := m.heaters.Heater(name); err != nil {
			return err
		}
		log.Debugw("extruder activated", "extruder", name)
		return nil
	})

	runner.Register("SET_FAN_SPEED", "Set a fan's speed", func(args gcode.Args) error {
		name := args.Get("FAN", "")
		speed, err := args.GetFloat("SPEED", 0)
		if err != nil {
			return err
		}
		return m.fans.SetSpeed(name, speed)
	})

	runner.Register("SET_GCODE_OFFSET", "Apply a coordinate offset", func(args gcode.Args) error {
		log.Debugw("gcode offset", "params", args.Params())
		return nil
	})
	runner.Register("SET_INPUT_SHAPER", "Set input shaper parameters", func(args gcode.Args) error {
		if err := updateAxisShaper(m.shapers.X, args, "X"); err != nil {
			return err
		}
		if err := updateAxisShaper(m.shapers.Y, args, "Y"); err != nil {
			return err
		}
		log.Infow("input shaper updated", "status", m.shapers.Status())
		return nil
	})
	runner.Register("M117", "Display a message", func(args gcode.Args) error {
		return nil
	})

	// Hook scripts may emit codes outside the registered set; log and
	// continue rather than failing the tool change.
	runner.SetFallback(func(line string) error {
		log.Debugw("unhandled gcode", "line", line)
		return nil
	})
}
