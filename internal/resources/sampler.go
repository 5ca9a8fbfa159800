package resources

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const bytesPerMB = 1024 * 1024

// HostSampler samples the local host through gopsutil. GPUs are not
// enumerated; the count is taken from configuration and GPU usage is
// reported as zero.
type HostSampler struct {
	GPUCount int
}

// NewHostSampler creates a sampler advertising gpuCount GPUs.
func NewHostSampler(gpuCount int) *HostSampler {
	return &HostSampler{GPUCount: gpuCount}
}

// Capacity returns logical core count and total memory.
func (h *HostSampler) Capacity(ctx context.Context) (SystemResources, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return SystemResources{}, fmt.Errorf("count cpus: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemResources{}, fmt.Errorf("read memory: %w", err)
	}
	return SystemResources{
		CPUCores:      cores,
		MemoryTotalMB: int64(vm.Total / bytesPerMB),
		GPUCount:      h.GPUCount,
	}, nil
}

// Sample returns CPU utilisation since the previous call and memory in use.
func (h *HostSampler) Sample(ctx context.Context) (SystemUsage, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return SystemUsage{}, fmt.Errorf("read cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemUsage{}, fmt.Errorf("read memory: %w", err)
	}
	usage := SystemUsage{
		MemoryMB:  int64(vm.Used / bytesPerMB),
		SampledAt: time.Now(),
	}
	if len(percents) > 0 {
		usage.CPUPercent = percents[0]
	}
	return usage, nil
}
