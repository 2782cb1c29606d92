package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"workspaces/internal/log"
)

// Runner is what the scheduler triggers.
type Runner interface {
	RunOnce(ctx context.Context) (Summary, error)
}

// Scheduler runs maintenance passes on a cron schedule in serve mode.
type Scheduler struct {
	runner   Runner
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	logger   *slog.Logger
	running  bool
	last     *Summary
}

// NewScheduler creates a scheduler for the given cron expression.
func NewScheduler(runner Runner, schedule string) *Scheduler {
	return &Scheduler{
		runner:   runner,
		schedule: schedule,
		cron:     cron.New(),
		logger:   log.WithComponent("maintenance.scheduler"),
	}
}

// Start begins scheduled passes. An empty schedule disables the scheduler.
// Passes stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("maintenance schedule not configured, skipping scheduler")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.runPass(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("maintenance scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) runPass(ctx context.Context) {
	sum, err := s.runner.RunOnce(ctx)
	if errors.Is(err, ErrPassInProgress) {
		s.logger.Warn("skipping scheduled pass, another one is running")
		return
	}
	if err != nil {
		s.logger.Error("scheduled maintenance pass failed", "error", err)
		return
	}

	s.mu.Lock()
	s.last = &sum
	s.mu.Unlock()
}

// Stop stops the scheduler and waits for a running pass to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cron == nil || !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled pass, or nil when none is scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

// LastSummary returns the summary of the last successful scheduled pass.
func (s *Scheduler) LastSummary() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	sum := *s.last
	return &sum
}
