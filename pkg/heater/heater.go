// Package heater manages extruder heaters with a first-order thermal model.
// Measured temperature approaches the target exponentially, which is enough
// to drive tool preheat and temperature-wait logic without MCU hardware.
package heater

import (
	"math"
	"sync"

	"ktcc-go/pkg/errors"
	"ktcc-go/pkg/logger"
)

const (
	// AmbientTemp is the temperature an idle heater settles at.
	AmbientTemp = 25.0

	// DefaultSmoothTime is the thermal time constant in seconds.
	DefaultSmoothTime = 12.0
)

// Config describes one heater.
type Config struct {
	Name       string
	MinTemp    float64
	MaxTemp    float64
	SmoothTime float64
}

// Heater is a single simulated heating element.
type Heater struct {
	mu sync.Mutex

	name       string
	minTemp    float64
	maxTemp    float64
	smoothTime float64

	targetTemp   float64
	lastTemp     float64
	lastTempTime float64
}

// New creates a heater starting at ambient temperature.
func New(cfg Config) (*Heater, error) {
	if cfg.MaxTemp <= cfg.MinTemp {
		return nil, errors.Configf(
			"heater %s: max_temp %.2f must be greater than min_temp %.2f",
			cfg.Name, cfg.MaxTemp, cfg.MinTemp)
	}
	smooth := cfg.SmoothTime
	if smooth <= 0 {
		smooth = DefaultSmoothTime
	}
	return &Heater{
		name:       cfg.Name,
		minTemp:    cfg.MinTemp,
		maxTemp:    cfg.MaxTemp,
		smoothTime: smooth,
		lastTemp:   AmbientTemp,
	}, nil
}

// Name returns the heater name.
func (h *Heater) Name() string {
	return h.name
}

// SetTemperature sets the target temperature. Zero turns the heater off.
func (h *Heater) SetTemperature(degrees float64) error {
	if degrees != 0 && (degrees < h.minTemp || degrees > h.maxTemp) {
		return errors.InvalidStatef(
			"heater %s: requested temperature %.1f out of range (%.1f:%.1f)",
			h.name, degrees, h.minTemp, h.maxTemp)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targetTemp = degrees
	return nil
}

// Temperature returns the measured and target temperature at eventtime.
// The measured value is advanced lazily toward the goal.
func (h *Heater) Temperature(eventtime float64) (measured, target float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.advance(eventtime)
	return h.lastTemp, h.targetTemp
}

// advance moves the modeled temperature toward the goal. Caller holds the
// lock.
func (h *Heater) advance(eventtime float64) {
	if eventtime <= h.lastTempTime {
		return
	}
	goal := h.targetTemp
	if goal == 0 {
		goal = AmbientTemp
	}
	dt := eventtime - h.lastTempTime
	h.lastTemp = goal + (h.lastTemp-goal)*math.Exp(-dt/h.smoothTime)
	h.lastTempTime = eventtime
}

// Manager holds the named heaters of the machine.
type Manager struct {
	mu      sync.RWMutex
	heaters map[string]*Heater
	log     *logger.Logger
}

// NewManager creates an empty heater manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		heaters: make(map[string]*Heater),
		log:     log,
	}
}

// Add registers a heater from its config.
func (m *Manager) Add(cfg Config) (*Heater, error) {
	h, err := New(cfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.heaters[cfg.Name]; ok {
		return nil, errors.Configf("heater %s already registered", cfg.Name)
	}
	m.heaters[cfg.Name] = h
	m.log.Debugw("heater registered", "name", cfg.Name, "max_temp", cfg.MaxTemp)
	return h, nil
}

// Heater returns a heater by name.
func (m *Manager) Heater(name string) (*Heater, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.heaters[name]
	if !ok {
		return nil, errors.Configf("unknown heater '%s'", name)
	}
	return h, nil
}

// Names returns the registered heater names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.heaters))
	for name := range m.heaters {
		names = append(names, name)
	}
	return names
}
