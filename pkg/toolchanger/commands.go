package toolchanger

import (
	"fmt"

	"ktcc-go/pkg/gcode"
)

// RegisterCommands binds the tool change command set onto a G-code runner:
// one KTCC_T<n> select command per tool plus the coordinator-wide
// commands.
func RegisterCommands(runner *gcode.Runner, lock *ToolLock) {
	for _, id := range lock.ToolIDs() {
		id := id
		runner.Register(fmt.Sprintf("KTCC_T%d", id), "Select tool", func(args gcode.Args) error {
			restore, err := restoreAxesArg(args)
			if err != nil {
				return err
			}
			return lock.SelectTool(id, restore)
		})
	}

	runner.Register("TOOL_LOCK", "Lock the tool lock", func(args gcode.Args) error {
		return lock.Lock()
	})
	runner.Register("TOOL_UNLOCK", "Unlock the tool lock", func(args gcode.Args) error {
		return lock.Unlock()
	})
	runner.Register("KTCC_TOOL_DROPOFF_ALL", "Park the current tool, unloading any virtual tool",
		func(args gcode.Args) error {
			return lock.DropoffCurrent()
		})

	runner.Register("SAVE_CURRENT_TOOL", "Save the current tool to restore at startup",
		func(args gcode.Args) error {
			t, err := args.GetInt("T")
			if err != nil {
				return err
			}
			if t < ToolUnknown {
				return nil
			}
			lock.SaveCurrentTool(t)
			return nil
		})

	runner.Register("SET_AND_SAVE_FAN_SPEED", "Save the fan speed to be restored at tool change",
		func(args gcode.Args) error {
			speed, err := args.GetFloat("S", 1)
			if err != nil {
				return err
			}
			toolID, err := args.GetInt("P", lock.CurrentTool())
			if err != nil {
				return err
			}
			if toolID < 0 {
				return nil
			}
			// Legacy callers pass 0-255 fan values.
			if speed > 1 {
				speed = speed / 255.0
			}
			return lock.SetAndSaveFanSpeed(toolID, speed)
		})

	runner.Register("TEMPERATURE_WAIT_WITH_TOLERANCE",
		"Wait for a tool or heater to reach its target within a tolerance",
		func(args gcode.Args) error {
			toolID, err := args.MaybeInt("TOOL")
			if err != nil {
				return err
			}
			heaterID, err := args.MaybeInt("HEATER")
			if err != nil {
				return err
			}
			tolerance, err := args.GetFloat("TOLERANCE", 1)
			if err != nil {
				return err
			}
			return lock.TemperatureWaitWithTolerance(toolID, heaterID, tolerance)
		})

	runner.Register("SET_TOOL_TEMPERATURE", "Set temperature parameters for a tool",
		func(args gcode.Args) error {
			return cmdSetToolTemperature(lock, args)
		})

	runner.Register("SET_GLOBAL_OFFSET", "Set the global tool offset",
		func(args gcode.Args) error {
			x, err := args.MaybeFloat("X")
			if err != nil {
				return err
			}
			y, err := args.MaybeFloat("Y")
			if err != nil {
				return err
			}
			z, err := args.MaybeFloat("Z")
			if err != nil {
				return err
			}
			lock.SetGlobalOffset(x, y, z)
			return nil
		})

	runner.Register("SET_TOOL_OFFSET", "Set an individual tool offset",
		func(args gcode.Args) error {
			return cmdSetToolOffset(lock, args)
		})

	runner.Register("SET_PURGE_ON_TOOLCHANGE", "Set the purge flag exposed to tool change hooks",
		func(args gcode.Args) error {
			v := args.Get("VALUE", "FALSE")
			lock.SetPurgeOnToolchange(v != "FALSE" && v != "false" && v != "0")
			return nil
		})

	runner.Register("SAVE_POSITION", "Save the specified position to restore after a tool change",
		func(args gcode.Args) error {
			x, err := args.MaybeFloat("X")
			if err != nil {
				return err
			}
			y, err := args.MaybeFloat("Y")
			if err != nil {
				return err
			}
			z, err := args.MaybeFloat("Z")
			if err != nil {
				return err
			}
			lock.SavePosition(x, y, z)
			return nil
		})

	runner.Register("SAVE_CURRENT_POSITION", "Save the current position to restore after a tool change",
		func(args gcode.Args) error {
			axes, err := ParseRestoreType(args.Get("RESTORE_POSITION_TYPE", "XYZ"))
			if err != nil {
				return err
			}
			lock.SaveCurrentPosition(axes)
			return nil
		})

	runner.Register("RESTORE_POSITION", "Restore a previously saved position",
		func(args gcode.Args) error {
			axes := ""
			if args.Has("RESTORE_POSITION_TYPE") {
				var err error
				if axes, err = ParseRestoreType(args.Get("RESTORE_POSITION_TYPE")); err != nil {
					return err
				}
			}
			speed, err := args.GetInt("F", 0)
			if err != nil {
				return err
			}
			return lock.RestorePosition(axes, speed)
		})

	runner.Register("KTCC_SET_GCODE_OFFSET_FOR_CURRENT_TOOL",
		"Set the G-code offset to the current tool's offset",
		func(args gcode.Args) error {
			move, err := args.GetInt("MOVE", 0)
			if err != nil {
				return err
			}
			return lock.SetGcodeOffsetForCurrentTool(move != 0)
		})

	runner.Register("KTCC_DISPLAY_TOOL_MAP", "Display the current tool remapping",
		func(args gcode.Args) error {
			lock.log.Infow(lock.RemapDisplay())
			return nil
		})

	runner.Register("KTCC_REMAP_TOOL", "Remap a tool to another one",
		func(args gcode.Args) error {
			reset, err := args.GetInt("RESET", 0)
			if err != nil {
				return err
			}
			if reset == 1 {
				return lock.ResetRemap()
			}
			from, err := args.GetInt("TOOL")
			if err != nil {
				return err
			}
			to, err := args.GetInt("SET")
			if err != nil {
				return err
			}
			if err := lock.Remap(from, to); err != nil {
				return err
			}
			lock.log.Infow(lock.RemapDisplay())
			return nil
		})

	runner.Register("KTCC_ENDSTOP_QUERY", "Wait for an endstop to report the wanted trigger state",
		func(args gcode.Args) error {
			name := args.Get("ENDSTOP")
			triggered, err := args.GetInt("TRIGGERED", 1)
			if err != nil {
				return err
			}
			attempts, err := args.GetInt("ATTEMPTS", -1)
			if err != nil {
				return err
			}
			return lock.QueryEndstop(name, triggered != 0, attempts)
		})

	runner.Register("KTCC_SET_ALL_TOOL_HEATERS_OFF",
		"Turn off all tool heaters, saving their states for resume",
		func(args gcode.Args) error {
			return lock.SetAllToolHeatersOff()
		})
	runner.Register("KTCC_RESUME_ALL_TOOL_HEATERS",
		"Resume heaters turned off by KTCC_SET_ALL_TOOL_HEATERS_OFF",
		func(args gcode.Args) error {
			return lock.ResumeAllToolHeaters()
		})
}

// restoreAxesArg parses the optional restore selection of a select
// command, accepting both the short and the long parameter name.
func restoreAxesArg(args gcode.Args) (*string, error) {
	key := ""
	switch {
	case args.Has("R"):
		key = "R"
	case args.Has("RESTORE_POSITION_TYPE"):
		key = "RESTORE_POSITION_TYPE"
	default:
		return nil, nil
	}
	axes, err := ParseRestoreType(args.Get(key))
	if err != nil {
		return nil, err
	}
	return &axes, nil
}

func cmdSetToolTemperature(lock *ToolLock, args gcode.Args) error {
	toolID, err := args.MaybeInt("TOOL")
	if err != nil {
		return err
	}
	id, err := lock.toolIDForCommand(toolID)
	if err != nil {
		return err
	}

	cmd := HeaterCommand{}
	if cmd.StandbyTemp, err = args.MaybeFloat("STDB_TMP"); err != nil {
		return err
	}
	if cmd.ActiveTemp, err = args.MaybeFloat("ACTV_TMP"); err != nil {
		return err
	}
	if cmd.IdleToStandby, err = args.MaybeFloat("STDB_TIMEOUT"); err != nil {
		return err
	}
	if cmd.IdleToPowerdown, err = args.MaybeFloat("SHTDWN_TIMEOUT"); err != nil {
		return err
	}
	chngState, err := args.MaybeInt("CHNG_STATE")
	if err != nil {
		return err
	}
	if chngState != nil {
		cmd.State = heaterStatePtr(HeaterState(*chngState))
	}

	if cmd.State == nil && cmd.ActiveTemp == nil && cmd.StandbyTemp == nil &&
		cmd.IdleToStandby == nil && cmd.IdleToPowerdown == nil {
		t, err := lock.tool(id)
		if err != nil {
			return err
		}
		st := t.Status()
		lock.log.Infow("current temperature settings", "tool", id,
			"active_temp", st["heater_active_temp"],
			"standby_temp", st["heater_standby_temp"],
			"idle_to_standby_time", st["idle_to_standby_time"],
			"idle_to_powerdown_time", st["idle_to_powerdown_time"])
		return nil
	}
	return lock.SetHeater(id, cmd)
}

func cmdSetToolOffset(lock *ToolLock, args gcode.Args) error {
	toolID, err := args.MaybeInt("TOOL")
	if err != nil {
		return err
	}

	abs := make(map[int]float64)
	adjust := make(map[int]float64)
	for i, axis := range []string{"X", "Y", "Z"} {
		if v, err := args.MaybeFloat(axis); err != nil {
			return err
		} else if v != nil {
			abs[i] = *v
		}
		if v, err := args.MaybeFloat(axis + "_ADJUST"); err != nil {
			return err
		} else if v != nil {
			adjust[i] = *v
		}
	}
	if len(abs) == 0 && len(adjust) == 0 {
		return nil
	}
	return lock.SetToolOffset(toolID, abs, adjust)
}
