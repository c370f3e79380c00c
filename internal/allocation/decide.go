package allocation

import (
	"math"
	"time"
)

// Demand is the workload seen for one resource class at tick time.
type Demand struct {
	// Pending includes pending speculative tasks.
	Pending            int
	PendingSpeculative int
	Running            int
}

// Input carries everything a decision needs besides the State itself.
type Input struct {
	MaxNeeded        int
	Executors        int
	Now              time.Time
	SustainedTimeout time.Duration
}

// Decision is the outcome of one tick for one resource class.
type Decision struct {
	Old   State
	New   State
	Delta int
	// Grown is set when the decision came from a ramp-up round.
	Grown bool
	// Capped is set when a ramp-up round hit min(maxNeeded, max).
	Capped bool
}

// Changed reports whether the target moved.
func (d Decision) Changed() bool {
	return d.Delta != 0
}

// MaxNeeded returns the number of executors that could usefully run
// every pending and running task of a class at the same time.
//
//	maxNeeded = ceil((pending + running) * ratio / tasksPerExecutor)
//
// When executors run several tasks and the only outstanding work fits on a
// single executor, one more is requested for pending speculative copies so
// they can land on a different host than the original.
func MaxNeeded(d Demand, ratio float64, tasksPerExecutor int) int {
	if tasksPerExecutor < 1 {
		tasksPerExecutor = 1
	}
	total := d.Pending + d.Running
	if total <= 0 {
		return 0
	}
	n := int(math.Ceil(float64(total) * ratio / float64(tasksPerExecutor)))
	if tasksPerExecutor > 1 && n == 1 && d.PendingSpeculative > 0 {
		n++
	}
	return n
}

// Decide runs the per-class step of the sync phase:
//   - fewer executors needed than targeted: shrink
//   - ramp-up timer expired: grow
//   - otherwise: keep
func Decide(s State, in Input, b Bounds) Decision {
	switch {
	case in.MaxNeeded < s.Target:
		return Shrink(s, in.MaxNeeded, b)
	case s.Due(in.Now):
		return Grow(s, in, b)
	default:
		return Decision{Old: s, New: s}
	}
}

// Shrink lowers the target to what is needed, never below the minimum.
// Executors are not killed here; idle ones are reclaimed later.
func Shrink(s State, maxNeeded int, b Bounds) Decision {
	old := s
	s.Target = max(maxNeeded, b.Min)
	s = s.ResetAddStep()
	return Decision{Old: old, New: s, Delta: s.Target - old.Target}
}

// Grow raises the target by the current add step, starting from whichever is
// larger of the target and the live executor count, and capped by both the
// current need and the maximum. The result never drops below the live
// executor count bounded by the maximum. The ramp-up timer is re-armed for
// the next round whatever the outcome.
func Grow(s State, in Input, b Bounds) Decision {
	old := s
	d := Decision{Old: old, Grown: true}
	if s.Target >= b.Max {
		s = s.ResetAddStep().ArmAt(in.Now.Add(in.SustainedTimeout))
		d.New = s
		d.Capped = true
		return d
	}

	limit := min(in.MaxNeeded, b.Max)
	target := max(s.Target, in.Executors) + s.AddStep
	target = min(target, in.MaxNeeded)
	// 不低於存活 executor 數（仍受 max 限制）
	target = b.Clamp(max(target, min(in.Executors, b.Max)))

	s.Target = target
	d.Delta = target - old.Target
	d.Capped = target >= limit
	if d.Delta == 0 {
		s = s.ResetAddStep()
	}
	s = s.ArmAt(in.Now.Add(in.SustainedTimeout))
	d.New = s
	return d
}

// Settle applies the add-step update once the cluster manager acknowledged
// a ramp-up. A round that added exactly AddStep executors without reaching
// the cap doubles the step; anything else restarts it at one.
func Settle(current State, d Decision) State {
	if !d.Grown || d.Delta <= 0 {
		return current
	}
	if d.Delta == current.AddStep && !d.Capped {
		current.AddStep *= 2
		return current
	}
	return current.ResetAddStep()
}

// Rollback restores the target a decision started from.
func Rollback(current State, d Decision) State {
	current.Target = d.Old.Target
	return current
}
