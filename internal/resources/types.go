package resources

import (
	"context"
	"time"
)

// ResourceLimit is a per-agent policy ceiling. A zero field means no
// ceiling for that dimension.
type ResourceLimit struct {
	CPUPercent float64 `json:"cpu_percent" yaml:"cpu_percent"`
	MemoryMB   int64   `json:"memory_mb" yaml:"memory_mb"`
	GPUPercent float64 `json:"gpu_percent" yaml:"gpu_percent"`
}

// IsZero reports whether no dimension is bounded.
func (l ResourceLimit) IsZero() bool {
	return l.CPUPercent == 0 && l.MemoryMB == 0 && l.GPUPercent == 0
}

// ExceededBy reports whether current usage is already above any bounded
// dimension of the limit. Memory is compared as MB in use, clamped to the
// host total when it is known.
func (l ResourceLimit) ExceededBy(usage SystemUsage, res SystemResources) bool {
	if l.CPUPercent > 0 && usage.CPUPercent > l.CPUPercent {
		return true
	}
	if l.MemoryMB > 0 {
		used := usage.MemoryMB
		if res.MemoryTotalMB > 0 && used > res.MemoryTotalMB {
			used = res.MemoryTotalMB
		}
		if used > l.MemoryMB {
			return true
		}
	}
	if l.GPUPercent > 0 && usage.GPUPercent > l.GPUPercent {
		return true
	}
	return false
}

// SystemUsage is a host-wide usage snapshot.
type SystemUsage struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   int64     `json:"memory_mb"`
	GPUPercent float64   `json:"gpu_percent"`
	SampledAt  time.Time `json:"sampled_at"`
	// Stale is set when the live sample failed or timed out and the last
	// good sample (or zero) is returned instead.
	Stale bool `json:"stale"`
}

// SystemResources is the host capacity captured at Start.
type SystemResources struct {
	CPUCores      int   `json:"cpu_cores"`
	MemoryTotalMB int64 `json:"memory_total_mb"`
	GPUCount      int   `json:"gpu_count"`
}

// SystemSampler reads capacity and usage from the host.
type SystemSampler interface {
	Capacity(ctx context.Context) (SystemResources, error)
	Sample(ctx context.Context) (SystemUsage, error)
}
