package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// applyCmd applies declarative task manifests
var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply task manifests",
	Long: `Apply declarative probe task manifests to the orchestrator.

Manifests are YAML documents of kind ProbeTask. Tasks are matched by what
they probe (protocol, target, port), so re-applying the same file is
idempotent: unchanged tasks are left alone, drifted ones are updated.`,
	Example: `  # Apply a single manifest file
  netpulse-ctl apply -f probes.yaml

  # Apply every manifest in a directory
  netpulse-ctl apply -f manifests/

  # Apply from stdin
  cat probes.yaml | netpulse-ctl apply -f -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		file, _ := cmd.Flags().GetString("filename")
		if file == "" {
			return fmt.Errorf("-f is required")
		}

		manifests, err := readManifests(file)
		if err != nil {
			return err
		}

		ShowSpinner("Applying manifests...")
		result, err := apiClient.ApplyManifests(ctx, manifests)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to apply manifests: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(result)
		}

		fmt.Printf("%s Manifests applied\n", Green("✓"))
		fmt.Printf("  Created:   %d\n", result.Created)
		fmt.Printf("  Updated:   %d\n", result.Updated)
		fmt.Printf("  Unchanged: %d\n", result.Unchanged)
		for _, e := range result.Errors {
			fmt.Printf("  %s %s\n", Red("✗"), e)
		}

		return nil
	},
}

// readManifests loads manifest YAML from a file, a directory, or stdin.
// Directory contents are joined into one multi-document stream.
func readManifests(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return data, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", path, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no manifest files in %s", path)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for i, name := range names {
		data, err := os.ReadFile(filepath.Join(path, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if i > 0 {
			buf.WriteString("\n---\n")
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func init() {
	applyCmd.Flags().StringP("filename", "f", "", "Manifest file, directory, or '-' for stdin")
}
