package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		errs   int
	}{
		{"valid", func(*Config) {}, 0},
		{"negative min", func(c *Config) { c.MinExecutors = -1 }, 1},
		{"zero max", func(c *Config) { c.MaxExecutors = 0; c.InitialExecutors = 0; c.MinExecutors = 0 }, 1},
		{"min above max", func(c *Config) { c.MinExecutors = 11; c.InitialExecutors = 11 }, 2},
		{"initial above max", func(c *Config) { c.InitialExecutors = 20 }, 1},
		{"initial below min is raised", func(c *Config) { c.MinExecutors = 3; c.InitialExecutors = 0 }, 0},
		{"zero backlog timeout", func(c *Config) { c.SchedulerBacklogTimeout = 0 }, 1},
		{"zero sustained timeout", func(c *Config) { c.SustainedBacklogTimeout = 0 }, 1},
		{"zero ratio", func(c *Config) { c.AllocationRatio = 0 }, 1},
		{"ratio above one", func(c *Config) { c.AllocationRatio = 1.5 }, 1},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }, 1},
		{"zero sync timeout", func(c *Config) { c.SyncTimeout = 0 }, 1},
		{"zero tasks per executor", func(c *Config) { c.TasksPerExecutor = 0 }, 1},
		{"bad class", func(c *Config) {
			c.Classes = map[types.ResourceClassID]ClassConfig{"gpu": {TasksPerExecutor: 0}}
		}, 1},
		{"no shuffle durability", func(c *Config) { c.ShuffleTrackingEnabled = false }, 1},
		{"shuffle service", func(c *Config) { c.ShuffleTrackingEnabled = false; c.ShuffleServiceEnabled = true }, 0},
		{"testing overrides shuffle check", func(c *Config) { c.ShuffleTrackingEnabled = false; c.Testing = true }, 0},
		{"everything wrong", func(c *Config) {
			c.SchedulerBacklogTimeout = -time.Second
			c.SustainedBacklogTimeout = 0
			c.AllocationRatio = -1
			c.ShuffleTrackingEnabled = false
		}, 4},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := scenarioConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.errs == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Len(t, multierr.Errors(err), tc.errs)
		})
	}
}

func TestInitialTarget(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MinExecutors = 3
	cfg.InitialExecutors = 1
	assert.Equal(t, 3, cfg.initialTarget())

	cfg.InitialExecutors = 5
	assert.Equal(t, 5, cfg.initialTarget())
}

func TestTasksPerExecutorFor(t *testing.T) {
	cfg := scenarioConfig()
	cfg.TasksPerExecutor = 2
	cfg.Classes = map[types.ResourceClassID]ClassConfig{"gpu": {TasksPerExecutor: 8}}

	assert.Equal(t, 8, cfg.TasksPerExecutorFor("gpu"))
	assert.Equal(t, 2, cfg.TasksPerExecutorFor(types.DefaultResourceClass))
}
