package resources

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func newTestManager(s SystemSampler) *Manager {
	return NewManager(Config{SampleTimeout: time.Second}, s, newTestLogger())
}

func TestStartCapturesCapacity(t *testing.T) {
	s := NewFakeSampler(SystemResources{CPUCores: 8, MemoryTotalMB: 16384, GPUCount: 1}, SystemUsage{})
	m := newTestManager(s)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, SystemResources{CPUCores: 8, MemoryTotalMB: 16384, GPUCount: 1}, m.SystemResources())
}

func TestStartDegradesToZero(t *testing.T) {
	s := NewFakeSampler(SystemResources{CPUCores: 8}, SystemUsage{})
	s.SetCapacityError(errors.New("no /proc"))
	m := newTestManager(s)

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))
	assert.ErrorIs(t, err, apperrors.ErrSamplingUnavailable)
	assert.Equal(t, SystemResources{}, m.SystemResources())
}

func TestAgentLimits(t *testing.T) {
	m := newTestManager(NewFakeSampler(SystemResources{}, SystemUsage{}))

	m.SetAgentLimits("a1", ResourceLimit{CPUPercent: 50, MemoryMB: 2048, GPUPercent: 25})
	got, ok := m.GetAgentLimits("a1")
	assert.True(t, ok)
	assert.Equal(t, ResourceLimit{CPUPercent: 50, MemoryMB: 2048, GPUPercent: 25}, got)

	_, ok = m.GetAgentLimits("unknown")
	assert.False(t, ok)

	m.SetAgentLimits("a1", ResourceLimit{CPUPercent: 10})
	got, _ = m.GetAgentLimits("a1")
	assert.Equal(t, ResourceLimit{CPUPercent: 10}, got)
	assert.Len(t, m.ListAgentLimits(), 1)

	m.RemoveAgentLimits("a1")
	_, ok = m.GetAgentLimits("a1")
	assert.False(t, ok)
}

func TestGetSystemUsage(t *testing.T) {
	t.Run("live sample", func(t *testing.T) {
		s := NewFakeSampler(SystemResources{}, SystemUsage{CPUPercent: 42, MemoryMB: 1000})
		m := newTestManager(s)

		u := m.GetSystemUsage(context.Background())
		assert.False(t, u.Stale)
		assert.Equal(t, 42.0, u.CPUPercent)
		assert.Equal(t, int64(1000), u.MemoryMB)
	})

	t.Run("failure returns last good sample as stale", func(t *testing.T) {
		s := NewFakeSampler(SystemResources{}, SystemUsage{CPUPercent: 42})
		m := newTestManager(s)
		_ = m.GetSystemUsage(context.Background())

		s.SetError(errors.New("sampler broke"))
		u := m.GetSystemUsage(context.Background())
		assert.True(t, u.Stale)
		assert.Equal(t, 42.0, u.CPUPercent)
	})

	t.Run("failure without history returns zero stale", func(t *testing.T) {
		s := NewFakeSampler(SystemResources{}, SystemUsage{})
		s.SetError(errors.New("sampler broke"))
		m := newTestManager(s)

		u := m.GetSystemUsage(context.Background())
		assert.True(t, u.Stale)
		assert.Zero(t, u.CPUPercent)
	})
}

func TestGetSystemUsageIsBounded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := NewFakeSampler(SystemResources{}, SystemUsage{CPUPercent: 10})
		m := newTestManager(s)
		_ = m.GetSystemUsage(context.Background())

		s.SetDelay(time.Minute)
		start := time.Now()
		u := m.GetSystemUsage(context.Background())

		assert.True(t, u.Stale)
		assert.Equal(t, 10.0, u.CPUPercent)
		assert.LessOrEqual(t, time.Since(start), time.Second)
		synctest.Wait()
	})
}

func TestGetSystemUsageSharesInFlightSample(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := NewFakeSampler(SystemResources{}, SystemUsage{CPUPercent: 5})
		s.SetDelay(100 * time.Millisecond)
		m := newTestManager(s)

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				u := m.GetSystemUsage(context.Background())
				assert.False(t, u.Stale)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, s.Calls())
	})
}

func TestExceededBy(t *testing.T) {
	res := SystemResources{CPUCores: 4, MemoryTotalMB: 8192}
	tests := []struct {
		name  string
		limit ResourceLimit
		usage SystemUsage
		want  bool
	}{
		{"zero limit never exceeded", ResourceLimit{}, SystemUsage{CPUPercent: 99, MemoryMB: 8000}, false},
		{"cpu above", ResourceLimit{CPUPercent: 50}, SystemUsage{CPUPercent: 60}, true},
		{"cpu at ceiling", ResourceLimit{CPUPercent: 50}, SystemUsage{CPUPercent: 50}, false},
		{"memory above", ResourceLimit{MemoryMB: 2048}, SystemUsage{MemoryMB: 4096}, true},
		{"gpu above", ResourceLimit{GPUPercent: 25}, SystemUsage{GPUPercent: 30}, true},
		{"unbounded dimension ignored", ResourceLimit{GPUPercent: 25}, SystemUsage{CPUPercent: 100}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.limit.ExceededBy(tt.usage, res))
		})
	}
}

func TestWithinLimits(t *testing.T) {
	m := newTestManager(NewFakeSampler(SystemResources{}, SystemUsage{}))
	busy := SystemUsage{CPUPercent: 90}

	assert.True(t, m.WithinLimits("free", busy))
	m.SetAgentLimits("capped", ResourceLimit{CPUPercent: 50})
	assert.False(t, m.WithinLimits("capped", busy))
	assert.True(t, m.WithinLimits("capped", SystemUsage{CPUPercent: 20}))
}
