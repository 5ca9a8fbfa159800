package resources

import (
	"context"
	"sync"
	"time"
)

// FakeSampler returns fixed values. Tests use it to drive admission
// decisions without touching the host.
type FakeSampler struct {
	mu          sync.Mutex
	resources   SystemResources
	usage       SystemUsage
	err         error
	capacityErr error
	delay       time.Duration
	calls       int
}

// NewFakeSampler creates a sampler reporting res and usage.
func NewFakeSampler(res SystemResources, usage SystemUsage) *FakeSampler {
	return &FakeSampler{resources: res, usage: usage}
}

// SetUsage replaces the reported usage.
func (f *FakeSampler) SetUsage(u SystemUsage) {
	f.mu.Lock()
	f.usage = u
	f.mu.Unlock()
}

// SetError makes Sample fail with err until cleared with nil.
func (f *FakeSampler) SetError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// SetCapacityError makes Capacity fail with err.
func (f *FakeSampler) SetCapacityError(err error) {
	f.mu.Lock()
	f.capacityErr = err
	f.mu.Unlock()
}

// SetDelay makes Sample wait d (or until ctx is done) before answering.
func (f *FakeSampler) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// Calls returns how many times Sample ran.
func (f *FakeSampler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeSampler) Capacity(ctx context.Context) (SystemResources, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources, f.capacityErr
}

func (f *FakeSampler) Sample(ctx context.Context) (SystemUsage, error) {
	f.mu.Lock()
	f.calls++
	delay, usage, err := f.delay, f.usage, f.err
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return SystemUsage{}, ctx.Err()
		}
	}
	if err != nil {
		return SystemUsage{}, err
	}
	usage.SampledAt = time.Now()
	return usage, nil
}
