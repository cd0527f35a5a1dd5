package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create tasks and check their status",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var taskBudget int64

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task (the clock starts on its first message)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		toolArgs := map[string]any{"title": args[0]}
		if cmd.Flags().Changed("budget") {
			toolArgs["time_budget_secs"] = taskBudget
		}
		raw, err := c.callTool("create_task", toolArgs)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(raw)
			return nil
		}
		var task struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		}
		if err := json.Unmarshal(raw, &task); err != nil {
			return fmt.Errorf("decode task: %w", err)
		}
		fmt.Printf("%s task %s created: %s\n", color.GreenString("ok:"), task.ID, task.Title)
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's state and timing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		raw, err := c.callTool("get_task_status", map[string]any{"task_id": args[0]})
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(raw)
			return nil
		}
		var st struct {
			TaskID         string `json:"task_id"`
			Title          string `json:"title"`
			State          string `json:"state"`
			TimeBudgetSecs *int64 `json:"time_budget_secs"`
			ElapsedSecs    *int64 `json:"elapsed_secs"`
			RemainingSecs  *int64 `json:"remaining_secs"`
			OverrunSecs    *int64 `json:"overrun_secs"`
			Unlimited      bool   `json:"unlimited"`
		}
		if err := json.Unmarshal(raw, &st); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		fmt.Printf("Task:  %s\n", st.Title)
		fmt.Printf("ID:    %s\n", st.TaskID)
		switch st.State {
		case "not_started":
			fmt.Printf("State: %s\n", color.HiBlackString("not started"))
		case "running":
			fmt.Printf("State: %s\n", color.GreenString("running"))
			if st.ElapsedSecs != nil {
				fmt.Printf("Elapsed:   %s\n", secsDuration(*st.ElapsedSecs))
			}
			if st.Unlimited {
				fmt.Println("Remaining: unlimited")
			} else if st.RemainingSecs != nil {
				fmt.Printf("Remaining: %s\n", secsDuration(*st.RemainingSecs))
			}
		case "overdue":
			fmt.Printf("State: %s\n", color.RedString("overdue"))
			if st.ElapsedSecs != nil {
				fmt.Printf("Elapsed: %s\n", secsDuration(*st.ElapsedSecs))
			}
			if st.OverrunSecs != nil {
				fmt.Printf("Overrun: %s\n", color.RedString(secsDuration(*st.OverrunSecs)))
			}
		default:
			fmt.Printf("State: %s\n", st.State)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		raw, err := c.getJSON("/healthz")
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(raw)
			return nil
		}
		var h struct {
			Healthy      bool  `json:"healthy"`
			MessageCount int64 `json:"message_count"`
			LiveChannels int   `json:"live_channels"`
		}
		if err := json.Unmarshal(raw, &h); err != nil {
			return fmt.Errorf("decode health: %w", err)
		}
		if h.Healthy {
			fmt.Printf("Server:   %s (%s)\n", color.GreenString("healthy"), serverURL)
		} else {
			fmt.Printf("Server:   %s (%s)\n", color.RedString("unhealthy"), serverURL)
		}
		fmt.Printf("Messages: %d\n", h.MessageCount)
		fmt.Printf("Channels: %d live\n", h.LiveChannels)
		return nil
	},
}

func secsDuration(secs int64) string {
	return (time.Duration(secs) * time.Second).String()
}

func init() {
	taskCreateCmd.Flags().Int64VarP(&taskBudget, "budget", "b", 0, "time budget in seconds")
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskStatusCmd)
}
