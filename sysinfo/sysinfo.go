// Package sysinfo reports a one-shot host utilization snapshot for
// the health endpoint.
package sysinfo

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/lipdiffusion/orchestrator/logger"
)

// Snapshot holds instantaneous CPU and memory utilization.
type Snapshot struct {
	CPUPct float64
	MemPct float64
}

// Collect samples CPU and memory usage. Failures are logged and leave
// the corresponding field zero; health reporting must not fail because
// a platform lacks a stats source.
func Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	cpuPcts, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Debugln("sysinfo: cpu sample failed")
	} else if len(cpuPcts) > 0 {
		snap.CPUPct = cpuPcts[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Debugln("sysinfo: memory sample failed")
	} else {
		snap.MemPct = vm.UsedPercent
	}

	return snap
}
