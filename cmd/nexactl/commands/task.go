package commands

import (
	"github.com/concave-dev/nexa/cmd/nexactl/config"
	"github.com/concave-dev/nexa/cmd/nexactl/handlers"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tasks known to the node",
	Example: `  nexactl task ls
  nexactl task ls --state=queued -v`,
	Args: cobra.NoArgs,
	RunE: handlers.HandleTaskList,
}

var taskInfoCmd = &cobra.Command{
	Use:   "info <task-id>",
	Short: "Show one task by id or unique id prefix",
	Args:  exactArgs(1, "exactly 1 task id"),
	RunE:  handlers.HandleTaskInfo,
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task",
	Long: `Submit a task to the node. It is assigned to a capable agent right away
when one is free and queued otherwise. A task with a routing key is placed on
the node owning the key.`,
	Example: `  nexactl task submit --type=summarize --payload='{"doc":"q3 report"}'
  nexactl task submit --type=chat --model=gpt-4o --tokens=1200 --deadline=2m`,
	Args: cobra.NoArgs,
	RunE: handlers.HandleTaskSubmit,
}

func setupTaskCommands() {
	taskCmd.AddCommand(taskLsCmd, taskInfoCmd, taskSubmitCmd)

	taskLsCmd.Flags().StringVar(&config.Task.State, "state", "",
		"Filter by state (queued, assigned, in_progress, completed, failed)")
	taskLsCmd.Flags().BoolVarP(&config.Task.Watch, "watch", "w", false,
		"Watch for changes and continuously update the display")

	f := taskSubmitCmd.Flags()
	f.StringVar(&config.Task.Type, "type", "", "Task type, matched against agent capabilities (required)")
	f.StringVar(&config.Task.ID, "id", "", "Task id (generated when empty)")
	f.StringVar(&config.Task.Payload, "payload", "", "JSON payload")
	f.StringVar(&config.Task.RoutingKey, "routing-key", "", "Key that selects the owning node")
	f.StringVar(&config.Task.Model, "model", "", "Model the task will use, for token budgets")
	f.Int64Var(&config.Task.Tokens, "tokens", 0, "Expected token usage")
	f.StringVar(&config.Task.Deadline, "deadline", "", "Deadline from now, e.g. 30s or 5m")
	_ = taskSubmitCmd.MarkFlagRequired("type")
}
