package registry

import (
	"fmt"
	"time"

	"github.com/concave-dev/nexa/internal/config"
	"github.com/concave-dev/nexa/internal/validate"
)

// DeadlinePolicy decides what happens to a queued task whose deadline passes
// before any agent picks it up.
type DeadlinePolicy string

const (
	// DeadlineFail moves the task to failed with reason "deadline exceeded".
	DeadlineFail DeadlinePolicy = "fail"

	// DeadlineKeep leaves the task queued until an agent becomes available.
	DeadlineKeep DeadlinePolicy = "keep"
)

const (
	DefaultMissedHeartbeats = 3
	DefaultSweepInterval    = time.Second
	DefaultMaxTasksPerAgent = 4
	DefaultTaskRetention    = 10 * time.Minute
	DefaultDeadlinePolicy   = DeadlineFail
)

// Config controls liveness and task bookkeeping.
type Config struct {
	HeartbeatInterval time.Duration  // Expected interval between agent status updates
	MissedHeartbeats  int            // Missed intervals before an agent is unreachable
	SweepInterval     time.Duration  // How often the background sweep runs
	MaxTasksPerAgent  int            // Cap used when an agent does not declare max_tasks
	TaskRetention     time.Duration  // How long completed/failed tasks are kept
	DeadlinePolicy    DeadlinePolicy // Queued task past its deadline: fail or keep
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: config.DefaultHeartbeatInterval,
		MissedHeartbeats:  DefaultMissedHeartbeats,
		SweepInterval:     DefaultSweepInterval,
		MaxTasksPerAgent:  DefaultMaxTasksPerAgent,
		TaskRetention:     DefaultTaskRetention,
		DeadlinePolicy:    DefaultDeadlinePolicy,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.ValidatePositiveTimeout(c.HeartbeatInterval, "heartbeat interval"); err != nil {
		return err
	}
	if err := validate.ValidatePositiveInt(c.MissedHeartbeats, "missed heartbeats"); err != nil {
		return err
	}
	if err := validate.ValidatePositiveTimeout(c.SweepInterval, "sweep interval"); err != nil {
		return err
	}
	if err := validate.ValidatePositiveInt(c.MaxTasksPerAgent, "max tasks per agent"); err != nil {
		return err
	}
	if err := validate.ValidatePositiveTimeout(c.TaskRetention, "task retention"); err != nil {
		return err
	}
	switch c.DeadlinePolicy {
	case DeadlineFail, DeadlineKeep:
	default:
		return fmt.Errorf("invalid deadline policy %q: must be %q or %q", c.DeadlinePolicy, DeadlineFail, DeadlineKeep)
	}
	return nil
}

// StaleAfter is how long an agent may go without a heartbeat before the
// sweep marks it unreachable.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.MissedHeartbeats) * c.HeartbeatInterval
}
