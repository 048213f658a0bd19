// Package fan manages part cooling fans. Fans hold a commanded speed in the
// 0.0 to 1.0 range, clamped to the configured maximum power and snapped to
// zero below the off threshold.
package fan

import (
	"sync"

	"ktcc-go/pkg/errors"
	"ktcc-go/pkg/logger"
)

// Config describes one fan.
type Config struct {
	Name     string
	MaxPower float64
	OffBelow float64
}

// Fan is a single part cooling fan.
type Fan struct {
	mu       sync.Mutex
	name     string
	maxPower float64
	offBelow float64
	speed    float64
}

// New creates a fan from its config. MaxPower defaults to 1.0.
func New(cfg Config) (*Fan, error) {
	maxPower := cfg.MaxPower
	if maxPower == 0 {
		maxPower = 1.0
	}
	if maxPower < 0 || maxPower > 1 {
		return nil, errors.Configf("fan %s: max_power %.3f outside [0,1]", cfg.Name, maxPower)
	}
	if cfg.OffBelow < 0 || cfg.OffBelow > 1 {
		return nil, errors.Configf("fan %s: off_below %.3f outside [0,1]", cfg.Name, cfg.OffBelow)
	}
	return &Fan{name: cfg.Name, maxPower: maxPower, offBelow: cfg.OffBelow}, nil
}

// Name returns the fan name.
func (f *Fan) Name() string {
	return f.name
}

// SetSpeed commands the fan speed. Speeds below the off threshold snap to
// zero, speeds above max power clamp to it.
func (f *Fan) SetSpeed(speed float64) error {
	if speed < 0 || speed > 1 {
		return errors.InvalidStatef("fan %s: speed %.3f outside [0,1]", f.name, speed)
	}
	if speed < f.offBelow {
		speed = 0
	}
	if speed > f.maxPower {
		speed = f.maxPower
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speed = speed
	return nil
}

// Speed returns the current commanded speed.
func (f *Fan) Speed() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speed
}

// Manager holds the named fans of the machine.
type Manager struct {
	mu   sync.RWMutex
	fans map[string]*Fan
	log  *logger.Logger
}

// NewManager creates an empty fan manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{fans: make(map[string]*Fan), log: log}
}

// Add registers a fan from its config.
func (m *Manager) Add(cfg Config) (*Fan, error) {
	f, err := New(cfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fans[cfg.Name]; ok {
		return nil, errors.Configf("fan %s already registered", cfg.Name)
	}
	m.fans[cfg.Name] = f
	m.log.Debugw("fan registered", "name", cfg.Name)
	return f, nil
}

// SetSpeed commands a fan by name.
func (m *Manager) SetSpeed(name string, speed float64) error {
	f, err := m.Fan(name)
	if err != nil {
		return err
	}
	return f.SetSpeed(speed)
}

// Fan returns a fan by name.
func (m *Manager) Fan(name string) (*Fan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fans[name]
	if !ok {
		return nil, errors.Configf("unknown fan '%s'", name)
	}
	return f, nil
}
