// ============================================================================
// Beaver-Alloc 配置狀態 - 每個資源類別的目標執行器數量
// ============================================================================
//
// Package: internal/allocation
// File: state.go
// Purpose: Per resource class allocation record and its named transitions
//
// State Machine:
//   Every resource class owns one State value:
//   - Target:      executors the controller currently wants
//   - AddStep:     executors to add in the next ramp-up round (1, 2, 4, ...)
//   - AddDeadline: earliest time another ramp-up round may fire (only when armed)
//
//   The add-step and the ramp-up deadline only change through the transitions
//   below (ResetAddStep, Arm, ArmAt, Disarm), so every call site that touches
//   the exponential backoff is easy to find.
//
// Values, not pointers:
//   State is a small value type. Transition methods return a modified copy,
//   which lets the decision functions in decide.go stay pure.
//
// ============================================================================

package allocation

import (
	"fmt"
	"time"
)

// Bounds holds the configured executor limits shared by every resource class.
type Bounds struct {
	Min int
	Max int
}

// Clamp forces n into [Min, Max].
func (b Bounds) Clamp(n int) int {
	return max(min(n, b.Max), b.Min)
}

// State is the allocation record of a single resource class.
type State struct {
	Target      int
	AddStep     int
	AddArmed    bool
	AddDeadline time.Time
}

// NewState returns the record used when a resource class is first observed.
func NewState(initial int) State {
	return State{Target: initial, AddStep: 1}
}

// ResetAddStep restarts the exponential ramp-up at one executor.
func (s State) ResetAddStep() State {
	s.AddStep = 1
	return s
}

// Arm starts the ramp-up timer unless it is already running.
func (s State) Arm(now time.Time, timeout time.Duration) State {
	if s.AddArmed {
		return s
	}
	s.AddArmed = true
	s.AddDeadline = now.Add(timeout)
	return s
}

// ArmAt (re)starts the ramp-up timer with an explicit deadline.
func (s State) ArmAt(deadline time.Time) State {
	s.AddArmed = true
	s.AddDeadline = deadline
	return s
}

// Disarm stops the ramp-up timer.
func (s State) Disarm() State {
	s.AddArmed = false
	s.AddDeadline = time.Time{}
	return s
}

// Due reports whether a ramp-up round may fire at now.
func (s State) Due(now time.Time) bool {
	return s.AddArmed && !now.Before(s.AddDeadline)
}

func (s State) String() string {
	if !s.AddArmed {
		return fmt.Sprintf("target=%d addStep=%d deadline=unset", s.Target, s.AddStep)
	}
	return fmt.Sprintf("target=%d addStep=%d deadline=%s", s.Target, s.AddStep, s.AddDeadline.Format(time.RFC3339Nano))
}
