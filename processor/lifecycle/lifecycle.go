// Package lifecycle tracks the start/stop state of a processor component
// and reports it in the semstreams health and flow shapes.
//
// States move stopped -> starting -> running -> stopping -> stopped. A
// failed start returns to stopped.
package lifecycle

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
)

const (
	stateStopped  = 0
	stateStarting = 1
	stateRunning  = 2
	stateStopping = 3
)

// State is embedded by components. The zero value is stopped.
type State struct {
	state  atomic.Int32
	errors atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastActivity time.Time
}

// Start runs setup while starting and moves to running when it succeeds.
func (s *State) Start(setup func() error) error {
	if !s.state.CompareAndSwap(stateStopped, stateStarting) {
		current := s.state.Load()
		if current == stateRunning || current == stateStarting {
			return fmt.Errorf("component already running or starting")
		}
		return fmt.Errorf("component in invalid state: %d", current)
	}

	if setup != nil {
		if err := setup(); err != nil {
			s.state.Store(stateStopped)
			return err
		}
	}

	s.mu.Lock()
	s.startTime = time.Now()
	s.mu.Unlock()

	s.state.Store(stateRunning)
	return nil
}

// Stop runs teardown and moves to stopped. Stopping a stopped component
// is a no-op.
func (s *State) Stop(teardown func()) error {
	if !s.state.CompareAndSwap(stateRunning, stateStopping) {
		current := s.state.Load()
		if current == stateStopped || current == stateStopping {
			return nil
		}
		return fmt.Errorf("component in unexpected state: %d", current)
	}

	if teardown != nil {
		teardown()
	}
	s.state.Store(stateStopped)
	return nil
}

// IsRunning reports whether Start has completed and Stop has not begun.
func (s *State) IsRunning() bool {
	return s.state.Load() == stateRunning
}

// RecordError counts a failed operation.
func (s *State) RecordError() {
	s.errors.Add(1)
}

// Touch records activity.
func (s *State) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Status names the current state.
func (s *State) Status() string {
	switch s.state.Load() {
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Health returns the current health status. Only a running component is
// healthy.
func (s *State) Health() component.HealthStatus {
	s.mu.RLock()
	startTime := s.startTime
	s.mu.RUnlock()

	var uptime time.Duration
	if s.IsRunning() {
		uptime = time.Since(startTime)
	}

	return component.HealthStatus{
		Healthy:    s.IsRunning(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.errors.Load()),
		Uptime:     uptime,
		Status:     s.Status(),
	}
}

// DataFlow returns flow metrics. Only LastActivity is tracked.
func (s *State) DataFlow() component.FlowMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return component.FlowMetrics{
		LastActivity: s.lastActivity,
	}
}
