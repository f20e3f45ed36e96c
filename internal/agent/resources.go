package agent

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/netpulse/netpulse/internal/wire"
)

// Monitor samples host resource usage for the agent's periodic reports.
type Monitor struct {
	diskPath string
}

// NewMonitor creates a monitor. diskPath is the filesystem whose usage is
// reported; empty defaults to the root filesystem.
func NewMonitor(diskPath string) *Monitor {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Monitor{diskPath: diskPath}
}

// Snapshot returns current CPU, memory, and disk usage percentages. CPU
// usage is measured against the previous call, so the first snapshot after
// startup reads zero. Load average is best-effort and stays zero on
// platforms that do not expose it.
func (m *Monitor) Snapshot(ctx context.Context) (wire.ResourceUsage, error) {
	var usage wire.ResourceUsage

	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return usage, fmt.Errorf("failed to sample cpu usage: %w", err)
	}
	if len(cpuPct) > 0 {
		usage.CPUUsage = cpuPct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return usage, fmt.Errorf("failed to sample memory usage: %w", err)
	}
	usage.MemoryUsage = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, m.diskPath)
	if err != nil {
		return usage, fmt.Errorf("failed to sample disk usage: %w", err)
	}
	usage.DiskUsage = du.UsedPercent

	if avg, err := load.AvgWithContext(ctx); err == nil {
		usage.LoadAverage = avg.Load1
	}

	return usage, nil
}
