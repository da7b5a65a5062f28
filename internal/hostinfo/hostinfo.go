// Package hostinfo probes a Runner's local hardware: whole-machine core,
// memory, and architecture totals at registration time, and point-in-time
// load samples for each heartbeat.
package hostinfo

import (
	"fmt"
	"runtime"

	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// Info is a Runner's detected resource profile.
type Info struct {
	Architecture     string
	TotalCores       int
	MemoryTotalBytes int64
	NUMATopology     []types.NUMANode
}

// Detect probes the local machine. It returns an error and no Info when
// the CPU core count or total memory cannot be read; it does not return
// partially filled results.
func Detect() (*Info, error) {
	info := &Info{Architecture: runtime.GOARCH}

	cores, err := cpu.Counts(true)
	if err != nil {
		return nil, fmt.Errorf("hostinfo: count cpus: %w", err)
	}
	info.TotalCores = cores

	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("hostinfo: read memory: %w", err)
	}
	info.MemoryTotalBytes = int64(vm.Total)

	// gopsutil v3 has no portable NUMA-topology query; report a single
	// domain spanning every core, which is correct on non-NUMA hardware
	// and at worst conservative (no cross-node locality hints) on NUMA
	// boxes until a real topology reader is wired in.
	cpus := make([]int, info.TotalCores)
	for i := range cpus {
		cpus[i] = i
	}
	info.NUMATopology = []types.NUMANode{{
		ID:       0,
		CPUs:     cpus,
		MemoryMB: info.MemoryTotalBytes / (1024 * 1024),
	}}

	return info, nil
}

// Health is a point-in-time load sample, sent with each heartbeat.
type Health struct {
	CPUPercent       float64
	MemoryUsedBytes  int64
	MemoryTotalBytes int64
	MemoryPercent    float64
}

// SampleHealth reads current CPU and memory utilization. Fields that fail
// to read stay zero; a partial sample is still worth reporting.
func SampleHealth() Health {
	var h Health
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		h.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemoryUsedBytes = int64(vm.Used)
		h.MemoryTotalBytes = int64(vm.Total)
		h.MemoryPercent = vm.UsedPercent
	}
	return h
}
