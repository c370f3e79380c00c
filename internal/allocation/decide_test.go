package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	t0        = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sustained = time.Second
)

func dueState(target, step int) State {
	return State{Target: target, AddStep: step}.ArmAt(t0)
}

// ============================================================================
// MaxNeeded
// ============================================================================

func TestMaxNeeded(t *testing.T) {
	testCases := []struct {
		name             string
		demand           Demand
		ratio            float64
		tasksPerExecutor int
		want             int
	}{
		{"no work", Demand{}, 1.0, 1, 0},
		{"pending only", Demand{Pending: 8}, 1.0, 1, 8},
		{"pending and running", Demand{Pending: 3, Running: 5}, 1.0, 1, 8},
		{"rounds up", Demand{Pending: 5}, 1.0, 4, 2},
		{"ratio halves", Demand{Pending: 10}, 0.5, 1, 5},
		{"ratio rounds up", Demand{Pending: 3}, 0.5, 1, 2},
		{"zero tasks per executor treated as one", Demand{Pending: 3}, 1.0, 0, 3},
		{"speculation offset", Demand{Pending: 2, PendingSpeculative: 1}, 1.0, 4, 2},
		{"no offset with single-task executors", Demand{Pending: 1, PendingSpeculative: 1}, 1.0, 1, 1},
		{"no offset without speculation", Demand{Pending: 2}, 1.0, 4, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MaxNeeded(tc.demand, tc.ratio, tc.tasksPerExecutor))
		})
	}
}

// ============================================================================
// Decide / Grow / Shrink
// ============================================================================

func TestDecideKeepsWhenTimerNotDue(t *testing.T) {
	b := Bounds{Min: 1, Max: 10}
	s := NewState(2).Arm(t0, time.Minute)

	d := Decide(s, Input{MaxNeeded: 8, Now: t0.Add(time.Second), SustainedTimeout: sustained}, b)
	assert.False(t, d.Changed())
	assert.Equal(t, s, d.New)
}

func TestDecideKeepsWhenDisarmed(t *testing.T) {
	b := Bounds{Min: 1, Max: 10}
	s := NewState(2)

	d := Decide(s, Input{MaxNeeded: 8, Now: t0.Add(time.Hour)}, b)
	assert.False(t, d.Changed())
	assert.False(t, d.Grown)
}

func TestShrinkBoundedByMinimum(t *testing.T) {
	b := Bounds{Min: 1, Max: 10}
	s := State{Target: 6, AddStep: 4}

	d := Decide(s, Input{MaxNeeded: 0, Now: t0}, b)
	assert.Equal(t, 1, d.New.Target)
	assert.Equal(t, -5, d.Delta)
	assert.Equal(t, 1, d.New.AddStep)
	assert.False(t, d.Grown)
}

func TestShrinkToNeed(t *testing.T) {
	b := Bounds{Min: 0, Max: 10}
	d := Shrink(State{Target: 6, AddStep: 2}, 3, b)
	assert.Equal(t, 3, d.New.Target)
	assert.Equal(t, -3, d.Delta)
}

func TestGrowStartsFromLiveExecutors(t *testing.T) {
	b := Bounds{Min: 1, Max: 10}
	d := Grow(dueState(1, 1), Input{MaxNeeded: 8, Executors: 3, Now: t0, SustainedTimeout: sustained}, b)

	assert.Equal(t, 4, d.New.Target)
	assert.Equal(t, 3, d.Delta)
	assert.True(t, d.New.AddArmed)
	assert.Equal(t, t0.Add(sustained), d.New.AddDeadline)
}

func TestGrowAtMaximumResetsStep(t *testing.T) {
	b := Bounds{Min: 1, Max: 4}
	d := Grow(dueState(4, 8), Input{MaxNeeded: 20, Now: t0, SustainedTimeout: sustained}, b)

	assert.False(t, d.Changed())
	assert.Equal(t, 1, d.New.AddStep)
	assert.True(t, d.Capped)
}

func TestGrowWithoutChangeResetsStep(t *testing.T) {
	b := Bounds{Min: 1, Max: 10}
	// need already reached, live executors below target
	d := Grow(dueState(3, 4), Input{MaxNeeded: 3, Executors: 2, Now: t0, SustainedTimeout: sustained}, b)

	assert.Equal(t, 3, d.New.Target)
	assert.Equal(t, 0, d.Delta)
	assert.Equal(t, 1, d.New.AddStep)
}

func TestGrowNeverBelowLiveExecutors(t *testing.T) {
	testCases := []struct {
		name       string
		state      State
		in         Input
		bounds     Bounds
		wantTarget int
	}{
		{"live above need", dueState(2, 1), Input{MaxNeeded: 3, Executors: 5}, Bounds{Min: 1, Max: 10}, 5},
		{"live above need at equal target", dueState(3, 4), Input{MaxNeeded: 3, Executors: 5}, Bounds{Min: 1, Max: 10}, 5},
		{"live above maximum", dueState(2, 1), Input{MaxNeeded: 3, Executors: 12}, Bounds{Min: 1, Max: 10}, 10},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.Now = t0
			tc.in.SustainedTimeout = sustained
			d := Grow(tc.state, tc.in, tc.bounds)

			assert.Equal(t, tc.wantTarget, d.New.Target)
			assert.Equal(t, tc.wantTarget-tc.state.Target, d.Delta)
			assert.True(t, d.Capped)
			assert.Equal(t, 1, Settle(d.New, d).AddStep)
		})
	}
}

func TestExponentialRampUpScenario(t *testing.T) {
	// min=1 max=10 initial=1, one stage with 8 tasks
	b := Bounds{Min: 1, Max: 10}
	s := dueState(1, 1)
	now := t0

	wantTargets := []int{2, 4, 8}
	wantSteps := []int{2, 4, 1}
	for round := range wantTargets {
		d := Decide(s, Input{MaxNeeded: 8, Now: now, SustainedTimeout: sustained}, b)
		require.True(t, d.Grown, "round %d", round)
		s = Settle(d.New, d)

		assert.Equal(t, wantTargets[round], s.Target, "target after round %d", round)
		assert.Equal(t, wantSteps[round], s.AddStep, "add step after round %d", round)
		now = s.AddDeadline
	}
}

func TestSettleIgnoresShrink(t *testing.T) {
	b := Bounds{Min: 1, Max: 10}
	d := Shrink(State{Target: 5, AddStep: 1}, 2, b)
	assert.Equal(t, d.New, Settle(d.New, d))
}

func TestRollbackRestoresTarget(t *testing.T) {
	b := Bounds{Min: 1, Max: 10}
	d := Grow(dueState(2, 2), Input{MaxNeeded: 9, Now: t0, SustainedTimeout: sustained}, b)
	require.Equal(t, 4, d.New.Target)

	s := Rollback(d.New, d)
	assert.Equal(t, 2, s.Target)
	assert.Equal(t, 2, s.AddStep, "add step only changes on acknowledgement")
}

// ============================================================================
// Properties
// ============================================================================

func drawBounds(t *rapid.T) Bounds {
	lo := rapid.IntRange(0, 20).Draw(t, "min")
	hi := rapid.IntRange(max(lo, 1), 60).Draw(t, "max")
	return Bounds{Min: lo, Max: hi}
}

func drawState(t *rapid.T, b Bounds) State {
	s := State{
		Target:  rapid.IntRange(b.Min, b.Max).Draw(t, "target"),
		AddStep: 1 << rapid.IntRange(0, 6).Draw(t, "stepExp"),
	}
	if rapid.Bool().Draw(t, "armed") {
		s = s.ArmAt(t0.Add(time.Duration(rapid.IntRange(-5, 5).Draw(t, "deadlineOffset")) * time.Second))
	}
	return s
}

func TestPropertyTargetStaysWithinBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := drawBounds(t)
		s := drawState(t, b)
		in := Input{
			MaxNeeded:        rapid.IntRange(0, 100).Draw(t, "maxNeeded"),
			Executors:        rapid.IntRange(0, 100).Draw(t, "executors"),
			Now:              t0,
			SustainedTimeout: sustained,
		}

		d := Decide(s, in, b)
		require.GreaterOrEqual(t, d.New.Target, b.Min)
		require.LessOrEqual(t, d.New.Target, b.Max)
		require.Equal(t, d.New.Target-s.Target, d.Delta)

		settled := Settle(d.New, d)
		require.GreaterOrEqual(t, settled.AddStep, 1)
	})
}

func TestPropertyGrowNeverDropsBelowRunning(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := drawBounds(t)
		s := drawState(t, b).ArmAt(t0)
		in := Input{
			MaxNeeded: rapid.IntRange(s.Target, 120).Draw(t, "maxNeeded"),
			Executors: rapid.IntRange(0, 100).Draw(t, "executors"),
			Now:       t0,
		}

		d := Grow(s, in, b)
		require.GreaterOrEqual(t, d.New.Target, s.Target, "grow must not shrink")
		require.GreaterOrEqual(t, d.New.Target, min(in.Executors, b.Max), "grow must not drop below the running executors")
		require.LessOrEqual(t, d.New.Target, b.Max)
	})
}

func TestPropertyExponentialRampUp(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := Bounds{Min: 0, Max: 1000}
		start := rapid.IntRange(0, 50).Draw(t, "start")
		s := dueState(start, 1)
		maxNeeded := start + 7 + rapid.IntRange(1, 200).Draw(t, "headroom")

		for _, wantStep := range []int{2, 4, 8} {
			before := s.AddStep
			d := Decide(s, Input{MaxNeeded: maxNeeded, Now: s.AddDeadline, SustainedTimeout: sustained}, b)
			require.True(t, d.Grown)
			require.Equal(t, before, d.Delta)
			s = Settle(d.New, d)
			require.Equal(t, wantStep, s.AddStep)
		}
		require.Equal(t, start+7, s.Target)
	})
}

func TestPropertyRollbackRestoresEveryChange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := drawBounds(t)
		s := drawState(t, b)
		in := Input{
			MaxNeeded: rapid.IntRange(0, 100).Draw(t, "maxNeeded"),
			Executors: rapid.IntRange(0, 100).Draw(t, "executors"),
			Now:       t0,
		}
		d := Decide(s, in, b)
		require.Equal(t, s.Target, Rollback(d.New, d).Target)
	})
}
