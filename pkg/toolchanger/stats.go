package toolchanger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// toolStats accumulates per-tool counters and time intervals.
type toolStats struct {
	counters map[string]int64

	// Open interval start times, negative when closed.
	mountStart         float64
	unmountStart       float64
	selectedStart      float64
	activeHeaterStart  float64
	standbyHeaterStart float64

	timeSpentMounting   float64
	timeSpentUnmounting float64
	timeSelected        float64
	timeHeaterActive    float64
	timeHeaterStandby   float64
}

// Stats tracks tool change and heater usage statistics. Heater intervals
// are always keyed by physical tool id; callers pass statsToolID.
type Stats struct {
	mu      sync.Mutex
	now     func() float64
	global  map[string]int64
	perTool map[int]*toolStats
}

// NewStats creates a statistics tracker using the given clock.
func NewStats(now func() float64) *Stats {
	return &Stats{
		now:     now,
		global:  make(map[string]int64),
		perTool: make(map[int]*toolStats),
	}
}

func (s *Stats) get(tool int) *toolStats {
	ts, ok := s.perTool[tool]
	if !ok {
		ts = &toolStats{
			counters:           make(map[string]int64),
			mountStart:         -1,
			unmountStart:       -1,
			selectedStart:      -1,
			activeHeaterStart:  -1,
			standbyHeaterStart: -1,
		}
		s.perTool[tool] = ts
	}
	return ts
}

// IncGlobal increments a process-wide counter.
func (s *Stats) IncGlobal(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global[name]++
}

// Inc increments a per-tool counter.
func (s *Stats) Inc(tool int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(tool).counters[name]++
}

// MountStart opens a mount interval for the tool.
func (s *Stats) MountStart(tool int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(tool).mountStart = s.now()
}

// MountEnd closes the mount interval and counts a completed mount.
func (s *Stats) MountEnd(tool int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.get(tool)
	if ts.mountStart >= 0 {
		ts.timeSpentMounting += s.now() - ts.mountStart
		ts.mountStart = -1
	}
	ts.counters["toolmounts_completed"]++
}

// UnmountStart opens an unmount interval for the tool.
func (s *Stats) UnmountStart(tool int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(tool).unmountStart = s.now()
}

// UnmountEnd closes the unmount interval and counts a completed unmount.
func (s *Stats) UnmountEnd(tool int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.get(tool)
	if ts.unmountStart >= 0 {
		ts.timeSpentUnmounting += s.now() - ts.unmountStart
		ts.unmountStart = -1
	}
	ts.counters["toolunmounts_completed"]++
}

// SelectedToolStart opens the selected interval for the tool.
func (s *Stats) SelectedToolStart(tool int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.get(tool)
	ts.selectedStart = s.now()
	ts.counters["toolmounts_completed_select"]++
}

// SelectedToolEnd closes the selected interval for the tool.
func (s *Stats) SelectedToolEnd(tool int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.get(tool)
	if ts.selectedStart >= 0 {
		ts.timeSelected += s.now() - ts.selectedStart
		ts.selectedStart = -1
	}
}

// ActiveHeaterStart opens the active heater interval.
func (s *Stats) ActiveHeaterStart(tool int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(tool).activeHeaterStart = s.now()
}

// ActiveHeaterEnd closes the active heater interval if open.
func (s *Stats) ActiveHeaterEnd(tool int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.get(tool)
	if ts.activeHeaterStart >= 0 {
		ts.timeHeaterActive += s.now() - ts.activeHeaterStart
		ts.activeHeaterStart = -1
	}
}

// StandbyHeaterStart opens the standby heater interval.
func (s *Stats) StandbyHeaterStart(tool int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(tool).standbyHeaterStart = s.now()
}

// StandbyHeaterEnd closes the standby heater interval if open.
func (s *Stats) StandbyHeaterEnd(tool int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.get(tool)
	if ts.standbyHeaterStart >= 0 {
		ts.timeHeaterStandby += s.now() - ts.standbyHeaterStart
		ts.standbyHeaterStart = -1
	}
}

// ToolSnapshot is a point-in-time copy of one tool's statistics.
type ToolSnapshot struct {
	Counters            map[string]int64
	TimeSpentMounting   float64
	TimeSpentUnmounting float64
	TimeSelected        float64
	TimeHeaterActive    float64
	TimeHeaterStandby   float64
}

// Tool returns a snapshot of the given tool's statistics.
func (s *Stats) Tool(tool int) ToolSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.get(tool)
	counters := make(map[string]int64, len(ts.counters))
	for k, v := range ts.counters {
		counters[k] = v
	}
	return ToolSnapshot{
		Counters:            counters,
		TimeSpentMounting:   ts.timeSpentMounting,
		TimeSpentUnmounting: ts.timeSpentUnmounting,
		TimeSelected:        ts.timeSelected,
		TimeHeaterActive:    ts.timeHeaterActive,
		TimeHeaterStandby:   ts.timeHeaterStandby,
	}
}

// Global returns the value of a process-wide counter.
func (s *Stats) Global(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global[name]
}

// Report formats the accumulated statistics for display.
func (s *Stats) Report() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	globals := make([]string, 0, len(s.global))
	for name := range s.global {
		globals = append(globals, name)
	}
	sort.Strings(globals)
	for _, name := range globals {
		fmt.Fprintf(&b, "%s: %d\n", name, s.global[name])
	}

	ids := make([]int, 0, len(s.perTool))
	for id := range s.perTool {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		ts := s.perTool[id]
		fmt.Fprintf(&b,
			"T%d: mounts=%d unmounts=%d selected=%.1fs mounting=%.1fs heater_active=%.1fs heater_standby=%.1fs\n",
			id,
			ts.counters["toolmounts_completed"],
			ts.counters["toolunmounts_completed"],
			ts.timeSelected, ts.timeSpentMounting,
			ts.timeHeaterActive, ts.timeHeaterStandby)
	}
	return strings.TrimRight(b.String(), "\n")
}
