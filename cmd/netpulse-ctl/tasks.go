package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
)

// taskCmd is the parent command for task operations
var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"tasks"},
	Short:   "Manage probe tasks",
	Long:    `Commands for creating, monitoring, and controlling recurring probe tasks.`,
}

// taskListCmd lists tasks
var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List probe tasks",
	Long: `List probe tasks with their schedule state.

Filters:
  --status    Filter by task status (active, paused, completed, failed)
  --user      Filter by owning user ID
  --limit     Maximum number of results
  --offset    Number of results to skip`,
	Example: `  # List all tasks
  netpulse-ctl task list

  # List paused tasks
  netpulse-ctl task list --status paused`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		status, _ := cmd.Flags().GetString("status")
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		ShowSpinner("Fetching tasks...")
		resp, err := apiClient.ListTasks(ctx, status, user, limit, offset)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		if len(resp.Items) == 0 {
			fmt.Println(Dim("No tasks found."))
			return nil
		}

		headers := []string{"ID", "PROTOCOL", "TARGET", "EVERY", "PRIO", "STATUS", "NEXT RUN"}
		rows := make([][]string, len(resp.Items))
		for i := range resp.Items {
			t := &resp.Items[i]
			rows[i] = []string{
				truncate(t.ID.String(), 12),
				string(t.Protocol),
				formatTarget(t.Target, t.Port),
				formatFrequency(t.FrequencySeconds),
				fmt.Sprintf("%d", t.Priority),
				formatTaskStatus(string(t.Status)),
				formatTimePtr(t.NextRunAt),
			}
		}

		printTable(headers, rows)

		if resp.Count == resp.Limit {
			fmt.Printf("\n%s\n", Dim("More results may be available. Use --offset to page."))
		}

		return nil
	},
}

// taskGetCmd gets details for a specific task
var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Get task details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Fetching task details...")
		task, err := apiClient.GetTask(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(task)
		}

		fmt.Printf("%s\n", Bold("Task Details"))
		fmt.Printf("  ID:        %s\n", task.ID)
		fmt.Printf("  User:      %s\n", task.UserID)
		fmt.Printf("  Protocol:  %s\n", task.Protocol)
		fmt.Printf("  Target:    %s\n", formatTarget(task.Target, task.Port))
		fmt.Printf("  Frequency: %s\n", formatFrequency(task.FrequencySeconds))
		fmt.Printf("  Timeout:   %ds\n", task.TimeoutSeconds)
		fmt.Printf("  Priority:  %d\n", task.Priority)
		fmt.Printf("  Status:    %s\n", formatTaskStatus(string(task.Status)))
		fmt.Printf("  Next Run:  %s\n", formatTimePtr(task.NextRunAt))
		fmt.Printf("  Created:   %s\n", formatTime(task.CreatedAt))

		if task.PreferredCountry != nil || task.PreferredCity != nil || task.PreferredISP != nil {
			fmt.Printf("\n%s\n", Bold("Placement Preferences"))
			if task.PreferredCountry != nil {
				fmt.Printf("  Country: %s\n", *task.PreferredCountry)
			}
			if task.PreferredCity != nil {
				fmt.Printf("  City:    %s\n", *task.PreferredCity)
			}
			if task.PreferredISP != nil {
				fmt.Printf("  ISP:     %s\n", *task.PreferredISP)
			}
		}

		if len(task.Parameters) > 0 {
			fmt.Printf("\n%s\n", Bold("Parameters"))
			for k, v := range task.Parameters {
				fmt.Printf("  %s: %v\n", k, v)
			}
		}

		return nil
	},
}

// taskCreateCmd creates a new task
var taskCreateCmd = &cobra.Command{
	Use:   "create <protocol> <target>",
	Short: "Create a probe task",
	Long: `Create a recurring probe task.

Protocols: icmp, tcp, udp, http, https, dns, traceroute.
Parameters are protocol-specific and passed as key=value pairs.`,
	Example: `  # Ping a host every minute
  netpulse-ctl task create icmp example.com --user 7d4... --every 60

  # Probe an HTTPS endpoint with a method override
  netpulse-ctl task create https example.com --user 7d4... --every 300 \
    --param method=HEAD --param path=/healthz

  # Check a TCP port from a German vantage point
  netpulse-ctl task create tcp db.example.com --port 5432 --user 7d4... \
    --every 120 --prefer-country DE`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		user, _ := cmd.Flags().GetString("user")
		port, _ := cmd.Flags().GetInt("port")
		every, _ := cmd.Flags().GetInt("every")
		timeout, _ := cmd.Flags().GetInt("timeout")
		priority, _ := cmd.Flags().GetInt("priority")
		params, _ := cmd.Flags().GetStringArray("param")
		country, _ := cmd.Flags().GetString("prefer-country")
		city, _ := cmd.Flags().GetString("prefer-city")
		isp, _ := cmd.Flags().GetString("prefer-isp")

		if user == "" {
			return fmt.Errorf("--user is required")
		}

		req := &CreateTaskRequest{
			UserID:           user,
			Protocol:         wire.Protocol(args[0]),
			Target:           args[1],
			FrequencySeconds: every,
			TimeoutSeconds:   timeout,
			Priority:         priority,
			PreferredCountry: database.NullString(country),
			PreferredCity:    database.NullString(city),
			PreferredISP:     database.NullString(isp),
		}
		if port > 0 {
			req.Port = &port
		}
		if len(params) > 0 {
			req.Parameters = make(map[string]any, len(params))
			for _, p := range params {
				k, v, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("invalid --param %q, expected key=value", p)
				}
				req.Parameters[k] = parseParamValue(v)
			}
		}

		ShowSpinner("Creating task...")
		task, err := apiClient.CreateTask(ctx, req)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(task)
		}

		fmt.Printf("%s Task created\n", Green("✓"))
		fmt.Printf("  ID:       %s\n", task.ID)
		fmt.Printf("  Probe:    %s %s every %s\n", task.Protocol, formatTarget(task.Target, task.Port), formatFrequency(task.FrequencySeconds))
		fmt.Printf("  Next Run: %s\n", formatTimePtr(task.NextRunAt))

		return nil
	},
}

// taskUpdateCmd updates an existing task
var taskUpdateCmd = &cobra.Command{
	Use:   "update <task-id>",
	Short: "Update a probe task",
	Long: `Update fields of an existing task. Only the flags you pass change.

Changing the frequency reschedules the next run from now.`,
	Example: `  # Slow a task down to every 10 minutes
  netpulse-ctl task update 3c9... --every 600

  # Repoint a task at a new target
  netpulse-ctl task update 3c9... --target backup.example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		req := &UpdateTaskRequest{}
		if cmd.Flags().Changed("target") {
			v, _ := cmd.Flags().GetString("target")
			req.Target = &v
		}
		if cmd.Flags().Changed("port") {
			v, _ := cmd.Flags().GetInt("port")
			req.Port = &v
		}
		if cmd.Flags().Changed("every") {
			v, _ := cmd.Flags().GetInt("every")
			req.FrequencySeconds = &v
		}
		if cmd.Flags().Changed("timeout") {
			v, _ := cmd.Flags().GetInt("timeout")
			req.TimeoutSeconds = &v
		}
		if cmd.Flags().Changed("priority") {
			v, _ := cmd.Flags().GetInt("priority")
			req.Priority = &v
		}
		if cmd.Flags().Changed("prefer-country") {
			v, _ := cmd.Flags().GetString("prefer-country")
			req.PreferredCountry = &v
		}
		if cmd.Flags().Changed("prefer-city") {
			v, _ := cmd.Flags().GetString("prefer-city")
			req.PreferredCity = &v
		}
		if cmd.Flags().Changed("prefer-isp") {
			v, _ := cmd.Flags().GetString("prefer-isp")
			req.PreferredISP = &v
		}
		if params, _ := cmd.Flags().GetStringArray("param"); len(params) > 0 {
			req.Parameters = make(map[string]any, len(params))
			for _, p := range params {
				k, v, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("invalid --param %q, expected key=value", p)
				}
				req.Parameters[k] = parseParamValue(v)
			}
		}

		ShowSpinner("Updating task...")
		task, err := apiClient.UpdateTask(ctx, args[0], req)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(task)
		}

		fmt.Printf("%s Task %s updated\n", Green("✓"), truncate(task.ID.String(), 12))
		fmt.Printf("  Probe:    %s %s every %s\n", task.Protocol, formatTarget(task.Target, task.Port), formatFrequency(task.FrequencySeconds))
		fmt.Printf("  Next Run: %s\n", formatTimePtr(task.NextRunAt))

		return nil
	},
}

// taskDeleteCmd removes a task
var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a probe task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := apiClient.DeleteTask(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}

		Success(fmt.Sprintf("Task %s deleted", args[0]))
		return nil
	},
}

// taskPauseCmd pauses a task
var taskPauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Pause a probe task",
	Long:  `Stop scheduling a task. Its history and definition are kept.`,
	Args:  cobra.ExactArgs(1),
	RunE:  taskActionRunE("pause", "paused"),
}

// taskResumeCmd resumes a paused task
var taskResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	RunE:  taskActionRunE("resume", "resumed"),
}

// taskCancelCmd cancels a task's in-flight execution
var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task's running execution",
	Long: `Cancel the in-flight execution of a task on its agent.

The task itself stays active and runs again at its next scheduled time;
use pause to stop scheduling entirely.`,
	Args: cobra.ExactArgs(1),
	RunE: taskActionRunE("cancel", "cancellation requested for"),
}

// taskRunCmd triggers a manual run
var taskRunCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Trigger a manual task run",
	Long: `Run a task immediately, outside its normal schedule, or at a given time.

The manual run does not change the task's recurring schedule.`,
	Example: `  # Run now
  netpulse-ctl task run 3c9...

  # Run at a specific time
  netpulse-ctl task run 3c9... --at 2026-09-01T03:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var at *time.Time
		if v, _ := cmd.Flags().GetString("at"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fmt.Errorf("invalid --at time %q: %w", v, err)
			}
			at = &t
		}

		if err := apiClient.RunTask(ctx, args[0], at); err != nil {
			return fmt.Errorf("failed to trigger run: %w", err)
		}

		if at != nil {
			Success(fmt.Sprintf("Task %s scheduled for %s", args[0], at.Format(time.RFC3339)))
		} else {
			Success(fmt.Sprintf("Task %s queued for immediate run", args[0]))
		}
		return nil
	},
}

// taskResultsCmd lists results for a task
var taskResultsCmd = &cobra.Command{
	Use:   "results <task-id>",
	Short: "List results for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		ShowSpinner("Fetching results...")
		resp, err := apiClient.ListTaskResults(ctx, args[0], limit, offset)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list task results: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		printResultTable(resp.Items)
		return nil
	},
}

// taskReassignmentsCmd lists the reassignment history for a task
var taskReassignmentsCmd = &cobra.Command{
	Use:   "reassignments <task-id>",
	Short: "List reassignment history for a task",
	Long: `Show when and why a task was moved between agents.

Moves with an empty TO column found no replacement agent at the time.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		ShowSpinner("Fetching reassignments...")
		resp, err := apiClient.ListTaskReassignments(ctx, args[0], limit, offset)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list reassignments: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		if len(resp.Items) == 0 {
			fmt.Println(Dim("No reassignments recorded."))
			return nil
		}

		headers := []string{"WHEN", "FROM", "TO", "REASON"}
		rows := make([][]string, len(resp.Items))
		for i := range resp.Items {
			r := &resp.Items[i]
			to := Dim("-")
			if r.ToAgentID != nil {
				to = truncate(r.ToAgentID.String(), 12)
			}
			rows[i] = []string{
				formatTime(r.CreatedAt),
				truncate(r.FromAgentID.String(), 12),
				to,
				r.Reason,
			}
		}
		printTable(headers, rows)

		return nil
	},
}

// taskActionRunE builds the RunE for simple lifecycle actions
func taskActionRunE(action, pastTense string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := apiClient.TaskAction(ctx, args[0], action); err != nil {
			return fmt.Errorf("failed to %s task: %w", action, err)
		}

		Success(fmt.Sprintf("Task %s %s", pastTense, args[0]))
		return nil
	}
}

func init() {
	taskListCmd.Flags().String("status", "", "Filter by status (active, paused, completed, failed)")
	taskListCmd.Flags().String("user", "", "Filter by owning user ID")
	taskListCmd.Flags().Int("limit", 50, "Maximum number of results")
	taskListCmd.Flags().Int("offset", 0, "Number of results to skip")

	taskCreateCmd.Flags().String("user", "", "Owning user ID (required)")
	taskCreateCmd.Flags().Int("port", 0, "Target port")
	taskCreateCmd.Flags().Int("every", 60, "Probe frequency in seconds")
	taskCreateCmd.Flags().Int("timeout", 30, "Probe timeout in seconds")
	taskCreateCmd.Flags().Int("priority", 2, "Task priority (1=high, 2=normal, 3=low)")
	taskCreateCmd.Flags().StringArray("param", nil, "Protocol parameter as key=value (repeatable)")
	taskCreateCmd.Flags().String("prefer-country", "", "Preferred agent country")
	taskCreateCmd.Flags().String("prefer-city", "", "Preferred agent city")
	taskCreateCmd.Flags().String("prefer-isp", "", "Preferred agent ISP")

	taskUpdateCmd.Flags().String("target", "", "New probe target")
	taskUpdateCmd.Flags().Int("port", 0, "New target port")
	taskUpdateCmd.Flags().Int("every", 0, "New probe frequency in seconds")
	taskUpdateCmd.Flags().Int("timeout", 0, "New probe timeout in seconds")
	taskUpdateCmd.Flags().Int("priority", 0, "New task priority")
	taskUpdateCmd.Flags().StringArray("param", nil, "Replacement protocol parameter as key=value (repeatable)")
	taskUpdateCmd.Flags().String("prefer-country", "", "New preferred agent country")
	taskUpdateCmd.Flags().String("prefer-city", "", "New preferred agent city")
	taskUpdateCmd.Flags().String("prefer-isp", "", "New preferred agent ISP")

	taskRunCmd.Flags().String("at", "", "Run at this RFC3339 time instead of now")

	taskResultsCmd.Flags().Int("limit", 20, "Maximum number of results")
	taskResultsCmd.Flags().Int("offset", 0, "Number of results to skip")

	taskReassignmentsCmd.Flags().Int("limit", 20, "Maximum number of results")
	taskReassignmentsCmd.Flags().Int("offset", 0, "Number of results to skip")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskUpdateCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	taskCmd.AddCommand(taskPauseCmd)
	taskCmd.AddCommand(taskResumeCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskRunCmd)
	taskCmd.AddCommand(taskResultsCmd)
	taskCmd.AddCommand(taskReassignmentsCmd)
}

// formatTaskStatus returns a colored status string
func formatTaskStatus(status string) string {
	switch strings.ToLower(status) {
	case "active":
		return Green("active")
	case "paused":
		return Yellow("paused")
	case "completed":
		return Cyan("completed")
	case "failed":
		return Red("failed")
	default:
		return Dim(status)
	}
}

// formatTarget joins target and optional port
func formatTarget(target string, port *int) string {
	if port == nil {
		return target
	}
	return fmt.Sprintf("%s:%d", target, *port)
}

// parseParamValue keeps numbers and booleans typed so JSON round-trips
// match what the API would have stored from a manifest.
func parseParamValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case float64, bool:
		return v
	default:
		return s
	}
}
