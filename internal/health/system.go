// Package health samples node and agent metrics into bounded rolling
// histories and raises threshold alerts.
//
// The collector is an observer. It reports what it sees to subscribers (the
// cluster manager marks the node degraded, the registry deprioritizes an
// agent for the balancer) and never changes membership or assignments
// itself.
package health

import (
	"context"
	"runtime"
	"time"

	"github.com/concave-dev/nexa/internal/logging"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats is one reading of the host the daemon runs on.
type SystemStats struct {
	CPUCores    int     `json:"cpu_cores"`
	CPUUsage    float64 `json:"cpu_usage"` // Percent, 0-100
	MemoryTotal uint64  `json:"memory_total"`
	MemoryUsed  uint64  `json:"memory_used"`
	MemoryUsage float64 `json:"memory_usage"` // Percent, 0-100
	Load1       float64 `json:"load1"`
	Goroutines  int     `json:"goroutines"`
	GoMemAlloc  uint64  `json:"go_mem_alloc"`
}

// SystemSampler reads host statistics. Tests inject a fake.
type SystemSampler func(ctx context.Context) (SystemStats, error)

// SampleSystem reads CPU, memory and load with gopsutil. CPU usage is measured
// since the previous call (the first call returns usage since boot). When the
// OS memory probe fails the Go runtime's own numbers are used instead so that
// a reading is always produced.
func SampleSystem(ctx context.Context) (SystemStats, error) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := SystemStats{
		CPUCores:   runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		GoMemAlloc: memStats.Alloc,
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logging.Warn("Health: failed to read system memory, using runtime stats: %v", err)
		vm = &mem.VirtualMemoryStat{
			Total: memStats.Sys,
			Used:  memStats.Alloc,
		}
		if memStats.Sys > 0 {
			vm.UsedPercent = float64(memStats.Alloc) / float64(memStats.Sys) * 100
		}
	}
	stats.MemoryTotal = vm.Total
	stats.MemoryUsed = vm.Used
	stats.MemoryUsage = vm.UsedPercent

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		logging.Warn("Health: failed to read cpu usage: %v", err)
	} else if len(percents) > 0 {
		stats.CPUUsage = percents[0]
	}

	// load averages are not available everywhere
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1 = avg.Load1
	}

	return stats, nil
}

// NodeSample is one collected reading of this node.
type NodeSample struct {
	Seq         uint64      `json:"seq"`
	Time        time.Time   `json:"time"`
	System      SystemStats `json:"system"`
	Connections int         `json:"connections"`
	Requests    uint64      `json:"requests"` // Handled since the previous sample
	Errors      uint64      `json:"errors"`   // Failed since the previous sample
	ErrorRate   float64     `json:"error_rate"`
}
