package toolchanger

import (
	"ktcc-go/pkg/reactor"
)

// reactorScheduler adapts a reactor to the Scheduler interface.
type reactorScheduler struct {
	r *reactor.Reactor
}

// NewReactorScheduler wraps a reactor event loop as a Scheduler.
func NewReactorScheduler(r *reactor.Reactor) Scheduler {
	return &reactorScheduler{r: r}
}

func (s *reactorScheduler) RegisterTimer(callback func(eventtime float64) float64) TimerHandle {
	return s.r.RegisterTimer(callback)
}

func (s *reactorScheduler) UpdateTimer(handle TimerHandle, waketime float64) {
	s.r.UpdateTimer(handle.(*reactor.Timer), waketime)
}

func (s *reactorScheduler) Monotonic() float64 {
	return s.r.Monotonic()
}

func (s *reactorScheduler) Pause(waketime float64) float64 {
	return s.r.Pause(waketime)
}
