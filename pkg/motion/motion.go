// Package motion tracks toolhead position and homing state. Moves complete
// instantly; the package exists so tool change sequences can verify homing
// and save/restore position without driving real steppers.
package motion

import (
	"strings"
	"sync"

	"ktcc-go/pkg/errors"
	"ktcc-go/pkg/logger"
)

var axisIndex = map[string]int{"X": 0, "Y": 1, "Z": 2}

// Sim is a simulated toolhead.
type Sim struct {
	mu       sync.Mutex
	position [3]float64
	homed    [3]bool
	log      *logger.Logger
}

// New creates an unhomed toolhead at the origin.
func New(log *logger.Logger) *Sim {
	return &Sim{log: log}
}

// HomedAxes returns the homed axes as a string like "xyz". Empty when
// nothing is homed.
func (s *Sim) HomedAxes() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for i, axis := range []string{"x", "y", "z"} {
		if s.homed[i] {
			b.WriteString(axis)
		}
	}
	return b.String()
}

// Home homes the given axes ("XYZ" style). An empty string homes all.
func (s *Sim) Home(axes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if axes == "" {
		axes = "XYZ"
	}
	for _, r := range strings.ToUpper(axes) {
		idx, ok := axisIndex[string(r)]
		if !ok {
			return errors.InvalidStatef("unknown axis %q in homing request", string(r))
		}
		s.homed[idx] = true
		s.position[idx] = 0
	}
	s.log.Debugw("homed", "axes", axes)
	return nil
}

// Position returns the current XYZ position.
func (s *Sim) Position() [3]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// MoveTo moves the given axes to the given coordinates. Axes must be homed
// first.
func (s *Sim) MoveTo(axes map[string]float64, speed float64) error {
	if speed <= 0 {
		return errors.InvalidStatef("move speed %.1f must be positive", speed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for axis, coord := range axes {
		idx, ok := axisIndex[strings.ToUpper(axis)]
		if !ok {
			return errors.InvalidStatef("unknown axis %q in move", axis)
		}
		if !s.homed[idx] {
			return errors.NotHomed(errors.NoTool, "must home axis "+strings.ToUpper(axis)+" first")
		}
		s.position[idx] = coord
	}
	return nil
}
