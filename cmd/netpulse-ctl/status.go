package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

// statusCmd shows the orchestrator status summary
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator status",
	Long: `Display an operator summary of the orchestrator: agent and task counts
by status, the live connection pool, and scheduler and dispatch queue depths.`,
	Example: `  # Show orchestrator status
  netpulse-ctl status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Fetching status...")
		status, err := apiClient.GetStatus(ctx)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(status)
		}

		fmt.Printf("%s %s\n", Bold("Orchestrator"), Dim("up "+formatUptime(status.UptimeSec)))

		fmt.Printf("\n%s\n", Bold("Agents"))
		printCountMap(status.Agents, formatAgentStatus)
		fmt.Printf("  connected: %d (%d authenticated)\n",
			status.Pool.Connections, status.Pool.Authenticated)

		fmt.Printf("\n%s\n", Bold("Tasks"))
		printCountMap(status.Tasks, formatTaskStatus)

		fmt.Printf("\n%s\n", Bold("Scheduler"))
		fmt.Printf("  due queue: %d  retry: %d  delayed: %d  executing: %d\n",
			status.Scheduler.QueueDepth,
			status.Scheduler.RetryDepth,
			status.Scheduler.DelayedDepth,
			status.Scheduler.Executing)
		fmt.Printf("  executed: %d  failed: %d  timed out: %d\n",
			status.Scheduler.TotalExecuted,
			status.Scheduler.TotalFailed,
			status.Scheduler.TotalTimeout)

		fmt.Printf("\n%s\n", Bold("Dispatch Queue"))
		depths := make([]string, 0, len(status.Queue.Depths))
		for prio := range status.Queue.Depths {
			depths = append(depths, prio)
		}
		sort.Strings(depths)
		for _, prio := range depths {
			fmt.Printf("  %s: %d\n", prio, status.Queue.Depths[prio])
		}
		fmt.Printf("  enqueued: %d  dequeued: %d  expired: %d  rejected: %d\n",
			status.Queue.Enqueued,
			status.Queue.Dequeued,
			status.Queue.Expired,
			status.Queue.Rejected)

		return nil
	},
}

// printCountMap prints status counts in a stable order
func printCountMap(counts map[string]int64, colorize func(string) string) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %d\n", colorize(k), counts[k])
	}
}
