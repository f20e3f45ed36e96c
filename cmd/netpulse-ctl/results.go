package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/netpulse/netpulse/internal/database"
)

// resultCmd is the parent command for result operations
var resultCmd = &cobra.Command{
	Use:     "result",
	Aliases: []string{"results"},
	Short:   "Inspect measurement results",
	Long:    `Commands for inspecting recorded probe results and raw payloads.`,
}

// resultGetCmd gets a single result
var resultGetCmd = &cobra.Command{
	Use:   "get <result-id>",
	Short: "Get result details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Fetching result...")
		result, err := apiClient.GetResult(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to get result: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(result)
		}

		fmt.Printf("%s\n", Bold("Result Details"))
		fmt.Printf("  ID:       %s\n", result.ID)
		fmt.Printf("  Task:     %s\n", result.TaskID)
		fmt.Printf("  Agent:    %s\n", result.AgentID)
		fmt.Printf("  Status:   %s\n", formatResultStatus(string(result.Status)))
		fmt.Printf("  Executed: %s\n", formatTime(result.ExecutedAt))
		fmt.Printf("  Duration: %s\n", formatMillis(result.DurationMs))
		if result.ErrorMessage != nil {
			fmt.Printf("  Error:    %s\n", Red(*result.ErrorMessage))
		}

		if len(result.Metrics) > 0 {
			fmt.Printf("\n%s\n", Bold("Metrics"))
			keys := make([]string, 0, len(result.Metrics))
			for k := range result.Metrics {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %s: %g\n", k, result.Metrics[k])
			}
		}

		switch {
		case len(result.RawData) > 0:
			fmt.Printf("\n%s %s inline %s\n", Bold("Raw payload:"),
				formatBytes(int64(len(result.RawData))),
				Dim("(use 'result raw' to fetch)"))
		case result.RawDataPath != nil:
			fmt.Printf("\n%s offloaded to %s %s\n", Bold("Raw payload:"),
				*result.RawDataPath,
				Dim("(use 'result raw' to fetch)"))
		}

		return nil
	},
}

// resultRawCmd fetches a result's raw probe payload
var resultRawCmd = &cobra.Command{
	Use:   "raw <result-id>",
	Short: "Fetch a result's raw probe payload",
	Long: `Fetch the raw payload recorded with a result.

Inline payloads are written to stdout (or --out). Payloads offloaded to
object storage are answered with a time-limited download URL instead.`,
	Example: `  # Dump a raw payload to a file
  netpulse-ctl result raw 9b2... --out payload.bin`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		outPath, _ := cmd.Flags().GetString("out")

		data, ref, err := apiClient.GetResultRaw(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch raw payload: %w", err)
		}

		if ref != nil {
			if outputFormat == "json" {
				return printJSON(ref)
			}
			fmt.Printf("%s\n", Bold("Payload offloaded to object storage"))
			fmt.Printf("  URL:     %s\n", ref.URL)
			fmt.Printf("  Expires: %s\n", ref.ExpiresAt.Format(time.RFC3339))
			return nil
		}

		if outPath != "" {
			if err := os.WriteFile(outPath, data, 0644); err != nil {
				return fmt.Errorf("failed to write payload: %w", err)
			}
			Success(fmt.Sprintf("Wrote %s to %s", formatBytes(int64(len(data))), outPath))
			return nil
		}

		os.Stdout.Write(data)
		return nil
	},
}

func init() {
	resultRawCmd.Flags().String("out", "", "Write the payload to this file instead of stdout")

	resultCmd.AddCommand(resultGetCmd)
	resultCmd.AddCommand(resultRawCmd)
}

// printResultTable renders a result list the same way for task and agent
// scoped listings.
func printResultTable(results []database.TaskResult) {
	if len(results) == 0 {
		fmt.Println(Dim("No results found."))
		return
	}

	headers := []string{"ID", "TASK", "AGENT", "STATUS", "DURATION", "EXECUTED"}
	rows := make([][]string, len(results))
	for i := range results {
		r := &results[i]
		rows[i] = []string{
			truncate(r.ID.String(), 12),
			truncate(r.TaskID.String(), 12),
			truncate(r.AgentID.String(), 12),
			formatResultStatus(string(r.Status)),
			formatMillis(r.DurationMs),
			formatTime(r.ExecutedAt),
		}
	}
	printTable(headers, rows)
}

// formatResultStatus returns a colored status string
func formatResultStatus(status string) string {
	switch strings.ToLower(status) {
	case "success":
		return Green("success")
	case "timeout":
		return Yellow("timeout")
	case "error":
		return Red("error")
	default:
		return Dim(status)
	}
}
