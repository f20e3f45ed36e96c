package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
)

// agentCmd is the parent command for agent operations
var agentCmd = &cobra.Command{
	Use:     "agent",
	Aliases: []string{"agents"},
	Short:   "Manage NetPulse agents",
	Long:    `Commands for viewing and managing NetPulse probe agents.`,
}

// agentListCmd lists all agents
var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all agents",
	Long: `List all registered agents with their current status.

Filters:
  --status    Filter by agent status (online, offline, busy, maintenance)
  --limit     Maximum number of results
  --offset    Number of results to skip`,
	Example: `  # List all agents
  netpulse-ctl agent list

  # List only online agents
  netpulse-ctl agent list --status online`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		ShowSpinner("Fetching agents...")
		resp, err := apiClient.ListAgents(ctx, status, limit, offset)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list agents: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		if len(resp.Items) == 0 {
			fmt.Println(Dim("No agents found."))
			return nil
		}

		headers := []string{"ID", "NAME", "STATUS", "LOCATION", "CAPABILITIES", "ENABLED", "LAST HEARTBEAT"}
		rows := make([][]string, len(resp.Items))
		for i := range resp.Items {
			a := &resp.Items[i]
			rows[i] = []string{
				truncate(a.ID.String(), 12),
				a.Name,
				formatAgentStatus(string(a.Status)),
				formatLocation(a.Country, a.City),
				formatCapabilities(a.Capabilities),
				formatBool(a.Enabled),
				formatTimePtr(a.LastHeartbeat),
			}
		}

		printTable(headers, rows)

		if resp.Count == resp.Limit {
			fmt.Printf("\n%s\n", Dim("More results may be available. Use --offset to page."))
		}

		return nil
	},
}

// agentGetCmd gets details for a specific agent
var agentGetCmd = &cobra.Command{
	Use:   "get <agent-id>",
	Short: "Get agent details",
	Long: `Display detailed information about a specific agent.

Shows location, capabilities, rolling performance, and resource usage.`,
	Example: `  # Get agent details
  netpulse-ctl agent get 6f1e0a2c-9a4b-4f7e-8c3d-2b5a6d7e8f90`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Fetching agent details...")
		agent, err := apiClient.GetAgent(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to get agent: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(agent)
		}

		fmt.Printf("%s\n", Bold("Agent Details"))
		fmt.Printf("  ID:             %s\n", agent.ID)
		fmt.Printf("  Name:           %s\n", agent.Name)
		fmt.Printf("  Address:        %s\n", agent.Address)
		fmt.Printf("  Status:         %s\n", formatAgentStatus(string(agent.Status)))
		fmt.Printf("  Enabled:        %s\n", formatBool(agent.Enabled))
		fmt.Printf("  Location:       %s\n", formatLocation(agent.Country, agent.City))
		if agent.ISP != nil {
			fmt.Printf("  ISP:            %s\n", *agent.ISP)
		}
		if agent.Version != nil {
			fmt.Printf("  Version:        %s\n", *agent.Version)
		}
		fmt.Printf("  Capabilities:   %s\n", formatCapabilities(agent.Capabilities))
		fmt.Printf("  Max Tasks:      %d\n", agent.MaxConcurrentTasks)
		fmt.Printf("  Registered:     %s\n", formatTime(agent.RegisteredAt))
		fmt.Printf("  Last Heartbeat: %s\n", formatTimePtr(agent.LastHeartbeat))

		fmt.Printf("\n%s\n", Bold("Performance"))
		fmt.Printf("  Availability: %.1f%%\n", agent.Availability*100)
		fmt.Printf("  Success Rate: %.1f%%\n", agent.SuccessRate*100)
		fmt.Printf("  Avg Response: %.0fms\n", agent.AvgResponseMs)

		if agent.LoadKnown() {
			fmt.Printf("\n%s\n", Bold("Resource Usage"))
			fmt.Printf("  CPU:    %.1f%%\n", *agent.CPUUsage)
			fmt.Printf("  Memory: %.1f%%\n", *agent.MemoryUsage)
			if agent.DiskUsage != nil {
				fmt.Printf("  Disk:   %.1f%%\n", *agent.DiskUsage)
			}
			if agent.LoadAverage != nil {
				fmt.Printf("  Load:   %.2f\n", *agent.LoadAverage)
			}
		}

		return nil
	},
}

// agentRegisterCmd registers a new agent
var agentRegisterCmd = &cobra.Command{
	Use:   "register <name> <address>",
	Short: "Register a new agent",
	Long: `Register a new probe agent with the orchestrator.

The agent's API key is printed exactly once. Copy it into the agent's
configuration; it cannot be retrieved again.`,
	Example: `  # Register an agent
  netpulse-ctl agent register edge-fra-1 10.20.0.14:9100

  # Register with location and capabilities
  netpulse-ctl agent register edge-fra-1 10.20.0.14:9100 \
    --country DE --city Frankfurt --capabilities icmp,tcp,http`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		country, _ := cmd.Flags().GetString("country")
		city, _ := cmd.Flags().GetString("city")
		isp, _ := cmd.Flags().GetString("isp")
		caps, _ := cmd.Flags().GetString("capabilities")
		maxTasks, _ := cmd.Flags().GetInt("max-tasks")

		req := &CreateAgentRequest{
			Name:               args[0],
			Address:            args[1],
			Country:            database.NullString(country),
			City:               database.NullString(city),
			ISP:                database.NullString(isp),
			MaxConcurrentTasks: maxTasks,
		}
		for _, c := range strings.Split(caps, ",") {
			if c = strings.TrimSpace(c); c != "" {
				req.Capabilities = append(req.Capabilities, wire.Protocol(c))
			}
		}

		ShowSpinner("Registering agent...")
		resp, err := apiClient.CreateAgent(ctx, req)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to register agent: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		fmt.Printf("%s Agent %s registered\n", Green("✓"), Bold(resp.Agent.Name))
		fmt.Printf("  ID:      %s\n", resp.Agent.ID)
		fmt.Printf("  API key: %s\n", Bold(resp.APIKey))
		fmt.Printf("\n%s\n", Yellow("Store the API key now. It will not be shown again."))

		return nil
	},
}

// agentDeleteCmd removes an agent
var agentDeleteCmd = &cobra.Command{
	Use:   "delete <agent-id>",
	Short: "Delete an agent",
	Long:  `Remove an agent from the orchestrator. Its result history is kept.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := apiClient.DeleteAgent(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete agent: %w", err)
		}

		Success(fmt.Sprintf("Agent %s deleted", args[0]))
		return nil
	},
}

// agentEnableCmd enables an agent
var agentEnableCmd = &cobra.Command{
	Use:   "enable <agent-id>",
	Short: "Enable an agent",
	Long:  `Allow an agent to receive work again.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := apiClient.SetAgentEnabled(ctx, args[0], true); err != nil {
			return fmt.Errorf("failed to enable agent: %w", err)
		}

		Success(fmt.Sprintf("Agent %s enabled", args[0]))
		return nil
	},
}

// agentDisableCmd disables an agent
var agentDisableCmd = &cobra.Command{
	Use:   "disable <agent-id>",
	Short: "Disable an agent",
	Long: `Stop routing new work to an agent.

Tasks already running on the agent complete normally. This is the
maintenance path: disable, wait for in-flight work, then service the node.`,
	Example: `  # Take an agent out of rotation
  netpulse-ctl agent disable 6f1e0a2c-9a4b-4f7e-8c3d-2b5a6d7e8f90`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := apiClient.SetAgentEnabled(ctx, args[0], false); err != nil {
			return fmt.Errorf("failed to disable agent: %w", err)
		}

		Success(fmt.Sprintf("Agent %s disabled", args[0]))
		return nil
	},
}

// agentResultsCmd lists recent results from an agent
var agentResultsCmd = &cobra.Command{
	Use:   "results <agent-id>",
	Short: "List recent results from an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		ShowSpinner("Fetching results...")
		resp, err := apiClient.ListAgentResults(ctx, args[0], limit, offset)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list agent results: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		printResultTable(resp.Items)
		return nil
	},
}

func init() {
	agentListCmd.Flags().String("status", "", "Filter by status (online, offline, busy, maintenance)")
	agentListCmd.Flags().Int("limit", 50, "Maximum number of results")
	agentListCmd.Flags().Int("offset", 0, "Number of results to skip")

	agentRegisterCmd.Flags().String("country", "", "Agent country code")
	agentRegisterCmd.Flags().String("city", "", "Agent city")
	agentRegisterCmd.Flags().String("isp", "", "Agent ISP name")
	agentRegisterCmd.Flags().String("capabilities", "", "Comma-separated protocols the agent supports (empty = all)")
	agentRegisterCmd.Flags().Int("max-tasks", 10, "Maximum concurrent tasks")

	agentResultsCmd.Flags().Int("limit", 20, "Maximum number of results")
	agentResultsCmd.Flags().Int("offset", 0, "Number of results to skip")

	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentGetCmd)
	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentDeleteCmd)
	agentCmd.AddCommand(agentEnableCmd)
	agentCmd.AddCommand(agentDisableCmd)
	agentCmd.AddCommand(agentResultsCmd)
}

// formatAgentStatus returns a colored status string
func formatAgentStatus(status string) string {
	switch strings.ToLower(status) {
	case "online":
		return Green("online")
	case "busy":
		return Yellow("busy")
	case "maintenance":
		return Yellow("maintenance")
	case "offline":
		return Red("offline")
	default:
		return Dim(status)
	}
}

// formatLocation joins the optional country and city fields
func formatLocation(country, city *string) string {
	var parts []string
	if city != nil && *city != "" {
		parts = append(parts, *city)
	}
	if country != nil && *country != "" {
		parts = append(parts, *country)
	}
	if len(parts) == 0 {
		return Dim("-")
	}
	return strings.Join(parts, ", ")
}

// formatCapabilities renders the protocol list, "any" when empty
func formatCapabilities(caps []wire.Protocol) string {
	if len(caps) == 0 {
		return Dim("any")
	}
	strs := make([]string, len(caps))
	for i, c := range caps {
		strs[i] = string(c)
	}
	return strings.Join(strs, ", ")
}
