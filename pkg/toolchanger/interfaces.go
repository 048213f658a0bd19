// Package toolchanger coordinates tool selection on a multi-tool machine.
// Tools are physical (directly mountable toolheads) or virtual (logical
// tools sharing a physical toolhead). The package owns the selection state
// machine, the per-physical-tool heater standby timers and the process-wide
// tool lock. Hardware is reached only through the collaborator interfaces
// below.
package toolchanger

import (
	"ktcc-go/pkg/gcode"
)

// Tool id sentinels stored in the current-tool variable.
const (
	// ToolUnknown means the lock is engaged but no known tool is mounted.
	ToolUnknown = -2
	// ToolUnlocked means no tool is mounted and the lock is disengaged.
	ToolUnlocked = -1
)

// HeaterState is the discrete thermal state of a tool's heater.
type HeaterState int

const (
	HeaterOff     HeaterState = 0
	HeaterStandby HeaterState = 1
	HeaterActive  HeaterState = 2
)

// Never is the waketime of a dormant timer.
const Never = 9999999999999999.0

// Heater is one controllable heating element.
type Heater interface {
	SetTemperature(degrees float64) error
	Temperature(eventtime float64) (measured, target float64)
}

// HeaterService resolves heaters by name.
type HeaterService interface {
	Heater(name string) (Heater, error)
}

// FanService commands part cooling fans by name.
type FanService interface {
	SetSpeed(name string, speed float64) error
}

// MotionService is the toolhead motion collaborator.
type MotionService interface {
	HomedAxes() string
	Home(axes string) error
	Position() [3]float64
	MoveTo(axes map[string]float64, speed float64) error
}

// EndstopService exposes queryable endstop switches.
type EndstopService interface {
	EndstopNames() []string
	QueryEndstop(name string, printTime float64) (bool, error)
}

// VariableStore persists named variables across restarts.
type VariableStore interface {
	Lookup(name string) (string, bool, error)
	Save(name, value string) error
}

// ScriptRunner executes G-code scripts and macro templates.
type ScriptRunner interface {
	Run(script string) error
	RunTemplate(t *gcode.Template, context map[string]any) error
}

// TimerHandle is a registered timer.
type TimerHandle interface {
	Waketime() float64
}

// Scheduler is the event loop the standby timers and waits run on.
type Scheduler interface {
	RegisterTimer(callback func(eventtime float64) float64) TimerHandle
	UpdateTimer(handle TimerHandle, waketime float64)
	Monotonic() float64
	Pause(waketime float64) float64
}
