package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/concave-dev/nexa/cmd/nexactl/config"
	"github.com/concave-dev/nexa/cmd/nexactl/display"
	"github.com/concave-dev/nexa/cmd/nexactl/utils"
	"github.com/concave-dev/nexa/internal/logging"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/spf13/cobra"
)

// HandleTaskList lists tasks known to the node.
func HandleTaskList(cmd *cobra.Command, args []string) error {
	utils.SetupLogging()
	if err := config.ValidateTaskState(); err != nil {
		return err
	}

	api := newClient()
	return utils.RunWithWatch(func() error {
		tasks, err := api.Tasks(config.Task.State)
		if err != nil {
			return err
		}
		display.DisplayTasks(tasks)
		return nil
	}, config.Task.Watch)
}

// HandleTaskInfo shows one task by id or unique id prefix.
func HandleTaskInfo(cmd *cobra.Command, args []string) error {
	utils.SetupLogging()

	api := newClient()
	tasks, err := api.Tasks("")
	if err != nil {
		return err
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	id, err := utils.ResolveID(ids, args[0], "task")
	if err != nil {
		return err
	}

	task, err := api.Task(id)
	if err != nil {
		return err
	}
	display.DisplayTask(task)
	return nil
}

// HandleTaskSubmit submits a task built from flags. The daemon generates the
// id when --id is not given.
func HandleTaskSubmit(cmd *cobra.Command, args []string) error {
	utils.SetupLogging()

	task, err := taskFromFlags(time.Now())
	if err != nil {
		return err
	}

	placement, err := newClient().SubmitTask(task)
	if err != nil {
		return err
	}
	logging.Info("Submitted task %s (%s)", placement.TaskID, placement.State)
	display.DisplayPlacement(placement)
	return nil
}

func taskFromFlags(now time.Time) (protocol.TaskInfo, error) {
	task := protocol.TaskInfo{
		ID:         config.Task.ID,
		Type:       config.Task.Type,
		RoutingKey: config.Task.RoutingKey,
		Model:      config.Task.Model,
		Tokens:     config.Task.Tokens,
	}
	if task.Type == "" {
		return task, fmt.Errorf("--type is required")
	}
	if task.Tokens < 0 {
		return task, fmt.Errorf("--tokens must not be negative")
	}
	if config.Task.Payload != "" {
		if !json.Valid([]byte(config.Task.Payload)) {
			return task, fmt.Errorf("--payload must be valid JSON")
		}
		task.Payload = json.RawMessage(config.Task.Payload)
	}

	deadline, err := config.DeadlineFromFlag(now)
	if err != nil {
		return task, err
	}
	task.Deadline = deadline
	return task, nil
}
