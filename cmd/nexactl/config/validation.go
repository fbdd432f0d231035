package config

import (
	"fmt"
	"time"

	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/validate"
	"github.com/spf13/cobra"
)

// ValidateGlobalFlags validates all global flags before running any command
func ValidateGlobalFlags(cmd *cobra.Command, args []string) error {
	if err := ValidateAPIAddress(); err != nil {
		return err
	}
	if err := ValidateOutputFormat(); err != nil {
		return err
	}
	if Global.Timeout < 1 {
		return fmt.Errorf("--timeout must be at least 1 second")
	}
	return nil
}

// ValidateAPIAddress validates the --api flag
func ValidateAPIAddress() error {
	netAddr, err := validate.ParseBindAddress(Global.APIAddr)
	if err != nil {
		logging.Error("Invalid API address '%s': %v", Global.APIAddr, err)
		return fmt.Errorf("invalid API address - expected format: host:port (e.g., 127.0.0.1:8008)")
	}

	if netAddr.Host == "0.0.0.0" {
		return fmt.Errorf("unroutable API address - use 127.0.0.1 or a specific IP address")
	}
	if err := validate.ValidatePortRange(netAddr.Port); err != nil {
		return fmt.Errorf("API port must be between 1-65535")
	}
	return nil
}

// ValidateOutputFormat validates the --output flag
func ValidateOutputFormat() error {
	switch Global.Output {
	case "table", "json":
		return nil
	}
	return fmt.Errorf("invalid output format %q - valid: table, json", Global.Output)
}

// ValidateTaskState validates the --state filter of task ls.
func ValidateTaskState() error {
	if Task.State == "" {
		return nil
	}
	switch protocol.TaskState(Task.State) {
	case protocol.TaskQueued, protocol.TaskAssigned, protocol.TaskInProgress,
		protocol.TaskCompleted, protocol.TaskFailed:
		return nil
	}
	return fmt.Errorf("invalid task state %q", Task.State)
}

// DeadlineFromFlag turns --deadline into an absolute time, nil when unset.
func DeadlineFromFlag(now time.Time) (*time.Time, error) {
	if Task.Deadline == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(Task.Deadline)
	if err != nil {
		return nil, fmt.Errorf("invalid --deadline %q: %w", Task.Deadline, err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("--deadline must be positive")
	}
	deadline := now.Add(d)
	return &deadline, nil
}
