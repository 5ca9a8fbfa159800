// Package maintenance runs scheduled housekeeping: expired message
// eviction from the bus history and from the persistence store.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/logger"
)

// HistoryEvicter drops expired messages from in-memory history.
type HistoryEvicter interface {
	EvictExpired(now time.Time) int
}

// MessagePruner drops expired messages from durable storage.
type MessagePruner interface {
	DeleteExpiredMessages(ctx context.Context, now time.Time) (int64, error)
}

// Result summarises one eviction run.
type Result struct {
	Evicted int
	Pruned  int64
}

// Service schedules eviction runs on a cron schedule.
type Service struct {
	history HistoryEvicter
	store   MessagePruner
	logger  *logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a Service. store may be nil.
func New(schedule string, history HistoryEvicter, store MessagePruner, log *logger.Logger) (*Service, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	s := &Service{
		history: history,
		store:   store,
		logger:  log.WithComponent("maintenance"),
		now:     time.Now,
		cron:    cron.New(),
	}
	s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		s.RunOnce(ctx)
	}))
	return s, nil
}

// Start begins running scheduled jobs.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	s.logger.Info("maintenance started")
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	return nil
}

// RunOnce evicts expired messages immediately.
func (s *Service) RunOnce(ctx context.Context) Result {
	now := s.now()
	var res Result
	if s.history != nil {
		res.Evicted = s.history.EvictExpired(now)
	}
	if s.store != nil {
		n, err := s.store.DeleteExpiredMessages(ctx, now)
		if err != nil {
			s.logger.Warn("failed to prune expired messages", zap.Error(err))
		}
		res.Pruned = n
	}
	if res.Evicted > 0 || res.Pruned > 0 {
		s.logger.Debug("evicted expired messages",
			zap.Int("history", res.Evicted),
			zap.Int64("store", res.Pruned))
	}
	return res
}

// ParseSchedule accepts a cron expression, a descriptor such as
// "@every 1m", or a plain duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return cron.Every(dur), nil
}
