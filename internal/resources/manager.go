// Package resources records per-agent resource ceilings and reports host
// capacity and usage for admission decisions. It never vetoes work itself.
package resources

import (
	"context"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/agentplane/internal/common/constants"
	"github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
)

// Config holds resource manager settings.
type Config struct {
	SampleTimeout time.Duration
}

// Manager tracks limits, capacity and the last usage sample.
type Manager struct {
	cfg     Config
	sampler SystemSampler
	logger  *logger.Logger

	mu        sync.RWMutex
	limits    map[string]ResourceLimit
	resources SystemResources
	last      SystemUsage
	hasLast   bool

	group singleflight.Group
}

// NewManager creates a manager reading from sampler.
func NewManager(cfg Config, sampler SystemSampler, log *logger.Logger) *Manager {
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = constants.DefaultSampleTimeout
	}
	return &Manager{
		cfg:     cfg,
		sampler: sampler,
		logger:  log.WithComponent("resources"),
		limits:  make(map[string]ResourceLimit),
	}
}

// Start samples host capacity once. When sampling fails the manager keeps
// zero-valued resources and returns an UNAVAILABLE error the caller may log
// and ignore.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SampleTimeout)
	defer cancel()

	res, err := m.sampler.Capacity(ctx)
	if err != nil {
		m.logger.Warn("host capacity sampling failed, using zero resources", zap.Error(err))
		return errors.Unavailable("host capacity sampling failed", errors.ErrSamplingUnavailable)
	}

	m.mu.Lock()
	m.resources = res
	m.mu.Unlock()

	m.logger.Info("sampled host capacity",
		zap.Int("cpu_cores", res.CPUCores),
		zap.Int64("memory_total_mb", res.MemoryTotalMB),
		zap.Int("gpu_count", res.GPUCount))
	return nil
}

// SystemResources returns the capacity captured by Start.
func (m *Manager) SystemResources() SystemResources {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resources
}

// SetAgentLimits overwrites the ceiling for agentID. Limits are not checked
// against live capacity.
func (m *Manager) SetAgentLimits(agentID string, limit ResourceLimit) {
	m.mu.Lock()
	m.limits[agentID] = limit
	m.mu.Unlock()

	m.logger.Debug("set agent limits",
		zap.String("agent_id", agentID),
		zap.Float64("cpu_percent", limit.CPUPercent),
		zap.Int64("memory_mb", limit.MemoryMB),
		zap.Float64("gpu_percent", limit.GPUPercent))
}

// GetAgentLimits returns the ceiling for agentID. ok is false when none was
// ever set, which callers treat as unlimited.
func (m *Manager) GetAgentLimits(agentID string) (ResourceLimit, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.limits[agentID]
	return l, ok
}

// RemoveAgentLimits forgets the ceiling for agentID.
func (m *Manager) RemoveAgentLimits(agentID string) {
	m.mu.Lock()
	delete(m.limits, agentID)
	m.mu.Unlock()
}

// ListAgentLimits returns a copy of every configured ceiling.
func (m *Manager) ListAgentLimits() map[string]ResourceLimit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.limits)
}

// GetSystemUsage returns a live sample bounded by the sampling timeout and
// by ctx. Concurrent callers share one in-flight sample. On failure or
// timeout the last good sample is returned with Stale set.
func (m *Manager) GetSystemUsage(ctx context.Context) SystemUsage {
	ch := m.group.DoChan("usage", func() (any, error) {
		sctx, cancel := context.WithTimeout(context.Background(), m.cfg.SampleTimeout)
		defer cancel()
		return m.sampler.Sample(sctx)
	})

	timer := time.NewTimer(m.cfg.SampleTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			m.logger.Warn("system usage sampling failed", zap.Error(res.Err))
			return m.stale()
		}
		usage := res.Val.(SystemUsage)
		usage.Stale = false
		m.mu.Lock()
		m.last = usage
		m.hasLast = true
		m.mu.Unlock()
		return usage
	case <-timer.C:
		m.logger.Warn("system usage sampling timed out", zap.Duration("timeout", m.cfg.SampleTimeout))
		return m.stale()
	case <-ctx.Done():
		return m.stale()
	}
}

// LastUsage returns the most recent sample without sampling again.
func (m *Manager) LastUsage() (SystemUsage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.hasLast
}

func (m *Manager) stale() SystemUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u := m.last
	u.Stale = true
	return u
}

// WithinLimits reports whether agentID may take work under current usage.
// Agents without a limit are always within budget.
func (m *Manager) WithinLimits(agentID string, usage SystemUsage) bool {
	limit, ok := m.GetAgentLimits(agentID)
	if !ok || limit.IsZero() {
		return true
	}
	return !limit.ExceededBy(usage, m.SystemResources())
}
