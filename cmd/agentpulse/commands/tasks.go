package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/pulse/task"
	"github.com/teranos/agentpulse/sym"
)

// TasksCmd manages scheduled tasks
var TasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: sym.Pulse + " Manage scheduled tasks",
	Long: sym.Pulse + ` tasks — Manage scheduled tasks

Examples:
  agentpulse tasks create --owner user-1 --cron "0 9 * * mon-fri" --prompt "triage new issues"
  agentpulse tasks create --owner user-1 --cron "30 2 * * *" --mode nightly --config snapshot.json
  agentpulse tasks ls --owner user-1
  agentpulse tasks runs <task-id>
  agentpulse tasks disable <task-id>
  agentpulse tasks rm <task-id>`,
}

var tasksCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a scheduled task",
	Args:  cobra.NoArgs,
	RunE:  runTasksCreate,
}

var tasksLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List an owner's tasks",
	Args:  cobra.NoArgs,
	RunE:  runTasksLs,
}

var tasksRunsCmd = &cobra.Command{
	Use:   "runs <task-id>",
	Short: "Show a task's recent runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksRuns,
}

var tasksRmCmd = &cobra.Command{
	Use:   "rm <task-id>",
	Short: "Delete a task (its runs are kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksRm,
}

var tasksEnableCmd = &cobra.Command{
	Use:   "enable <task-id>",
	Short: "Make a task claimable again",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTaskEnabled(cmd, args[0], true) },
}

var tasksDisableCmd = &cobra.Command{
	Use:   "disable <task-id>",
	Short: "Stop claiming a task",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTaskEnabled(cmd, args[0], false) },
}

var (
	taskOwner      string
	taskName       string
	taskPrompt     string
	taskCron       string
	taskTimezone   string
	taskMode       string
	taskScope      string
	taskSession    string
	taskConfigFile string
	taskDisabled   bool
	taskLimit      int
	runsLimit      int
)

func init() {
	tasksCreateCmd.Flags().StringVar(&taskOwner, "owner", "", "Owner (user) id")
	tasksCreateCmd.Flags().StringVar(&taskName, "name", "", "Display name")
	tasksCreateCmd.Flags().StringVar(&taskPrompt, "prompt", "", "Prompt handed to the executor")
	tasksCreateCmd.Flags().StringVar(&taskCron, "cron", "", "Five-field cron expression")
	tasksCreateCmd.Flags().StringVar(&taskTimezone, "tz", "UTC", "IANA timezone the cron is evaluated in")
	tasksCreateCmd.Flags().StringVar(&taskMode, "mode", task.DefaultScheduleMode, "Schedule mode (which pull rule claims it)")
	tasksCreateCmd.Flags().StringVar(&taskScope, "scope", string(task.ScopeSession), "Workspace scope: session, scheduled_task or project")
	tasksCreateCmd.Flags().StringVar(&taskSession, "session", "", "Session id for session scope")
	tasksCreateCmd.Flags().StringVar(&taskConfigFile, "config", "", "JSON file holding the config snapshot")
	tasksCreateCmd.Flags().BoolVar(&taskDisabled, "disabled", false, "Create the task disabled")
	_ = tasksCreateCmd.MarkFlagRequired("owner")
	_ = tasksCreateCmd.MarkFlagRequired("cron")

	tasksLsCmd.Flags().StringVar(&taskOwner, "owner", "", "Owner (user) id")
	tasksLsCmd.Flags().IntVar(&taskLimit, "limit", 50, "Maximum tasks to show")
	_ = tasksLsCmd.MarkFlagRequired("owner")

	tasksRunsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to show")

	TasksCmd.AddCommand(tasksCreateCmd, tasksLsCmd, tasksRunsCmd, tasksRmCmd, tasksEnableCmd, tasksDisableCmd)
}

func runTasksCreate(cmd *cobra.Command, args []string) error {
	snapshot, err := readSnapshot(taskConfigFile)
	if err != nil {
		return err
	}

	_, database, tasks, _, err := openStores()
	if err != nil {
		return err
	}
	defer database.Close()

	created, err := tasks.Create(cmd.Context(), task.CreateParams{
		OwnerID:        taskOwner,
		Name:           taskName,
		Prompt:         taskPrompt,
		Disabled:       taskDisabled,
		Cron:           taskCron,
		Timezone:       taskTimezone,
		ScheduleMode:   taskMode,
		WorkspaceScope: task.WorkspaceScope(taskScope),
		SessionID:      taskSession,
		ConfigSnapshot: snapshot,
	})
	if err != nil {
		return err
	}

	pterm.Success.Printf("Created task %s\n", created.ID)
	pterm.Info.Printf("Next run: %s\n", created.NextRunAt.Local().Format(time.RFC3339))
	return nil
}

func readSnapshot(path string) (map[string]interface{}, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config snapshot %s", path)
	}
	var snapshot map[string]interface{}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "config snapshot %s is not a JSON object", path), errors.ErrValidation)
	}
	return snapshot, nil
}

func runTasksLs(cmd *cobra.Command, args []string) error {
	_, database, tasks, _, err := openStores()
	if err != nil {
		return err
	}
	defer database.Close()

	list, err := tasks.ListByOwner(cmd.Context(), taskOwner, taskLimit, 0)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		pterm.Info.Printf("No tasks for %s\n", taskOwner)
		return nil
	}

	data := pterm.TableData{{"ID", "NAME", "CRON", "TZ", "MODE", "ENABLED", "NEXT RUN", "LAST RUN"}}
	for _, t := range list {
		last := "-"
		if t.LastRunStatus != "" {
			last = t.LastRunStatus
		}
		data = append(data, []string{
			t.ID,
			t.Name,
			t.Cron,
			t.Timezone,
			t.ScheduleMode,
			strconv.FormatBool(t.Enabled),
			t.NextRunAt.Local().Format("2006-01-02 15:04"),
			last,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runTasksRuns(cmd *cobra.Command, args []string) error {
	_, database, tasks, runs, err := openStores()
	if err != nil {
		return err
	}
	defer database.Close()

	t, err := tasks.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	list, err := runs.ListByTask(cmd.Context(), t.ID, runsLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		pterm.Info.Printf("Task %s has not run yet\n", t.ID)
		return nil
	}

	data := pterm.TableData{{"RUN", "STATUS", "PROGRESS", "CREATED", "SESSION", "ERROR"}}
	for _, r := range list {
		data = append(data, []string{
			r.ID,
			string(r.Status),
			fmt.Sprintf("%d%%", r.Progress),
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			r.SessionID,
			r.Error,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runTasksRm(cmd *cobra.Command, args []string) error {
	_, database, tasks, _, err := openStores()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := tasks.SoftDelete(cmd.Context(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printf("Deleted task %s\n", args[0])
	return nil
}

func setTaskEnabled(cmd *cobra.Command, id string, enabled bool) error {
	_, database, tasks, _, err := openStores()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := tasks.SetEnabled(cmd.Context(), id, enabled); err != nil {
		return err
	}
	pterm.Success.Printf("Task %s %s\n", id, enabledWord(enabled))
	return nil
}
