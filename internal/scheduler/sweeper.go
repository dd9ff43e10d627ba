package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/pkg/schema"
)

// DefaultSweepInterval is how often the sweeper scans for due schedules.
const DefaultSweepInterval = 60 * time.Second

// Runner is the interface the sweeper uses to start scheduled executions.
// Satisfied by the engine (avoids import cycle).
type Runner interface {
	PrepareScheduled(def *schema.WorkflowDefinition, firedAt time.Time) (*store.Execution, error)
	RunPending(ctx context.Context, executionID string) error
}

// Sweeper periodically scans active scheduled definitions and fires those
// whose cron schedule is due. Multiple sweeper instances may run against
// the same store; the last-triggered CAS in the store guarantees each tick
// fires at most once.
type Sweeper struct {
	store  store.Store
	runner Runner
	parser cron.Parser
	logger *slog.Logger

	inflightMu sync.Mutex
	inflight   map[string]struct{} // definition IDs currently firing (dedup)

	stopMu sync.Mutex
	stop   func()
}

// NewSweeper creates a Sweeper over the given store and runner.
func NewSweeper(s store.Store, runner Runner, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start registers the sweep loop on the task scheduler. Returns an error
// when already started.
func (s *Sweeper) Start(tasks TickRegistrar, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stop != nil {
		return fmt.Errorf("sweeper already started")
	}

	s.stop = tasks.Every(interval, func(ctx context.Context) {
		if _, err := s.ScanAndTrigger(ctx, time.Now().UTC()); err != nil {
			s.logger.Error("schedule sweep failed", slog.String("error", err.Error()))
		}
	})
	s.logger.Info("schedule sweeper started", slog.Duration("interval", interval))
	return nil
}

// TickRegistrar is the subset of the task scheduler the sweeper needs.
type TickRegistrar interface {
	Every(interval time.Duration, fn func(ctx context.Context)) (stop func())
}

// Stop halts the sweep loop. Safe to call when never started.
func (s *Sweeper) Stop() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stop != nil {
		s.stop()
		s.stop = nil
		s.logger.Info("schedule sweeper stopped")
	}
}

// ScanAndTrigger runs a single sweep. It lists active scheduled definitions,
// computes each one's next fire time from the persisted last-triggered stamp,
// and starts an execution for every schedule that is due at now. A definition
// that has never fired uses its activation time as the base, so activating a
// workflow does not fire it immediately. Returns the IDs of the executions
// started.
func (s *Sweeper) ScanAndTrigger(ctx context.Context, now time.Time) ([]string, error) {
	active := schema.DefinitionStatusActive
	defs, err := s.store.ListDefinitions(ctx, store.DefinitionFilter{
		Status:    &active,
		Scheduled: true,
	})
	if err != nil {
		return nil, err
	}

	var started []string
	for _, def := range defs {
		if !s.tryAcquire(def.ID) {
			continue // already firing (dedup)
		}
		execID, err := s.fire(ctx, def, now)
		s.release(def.ID)

		if err != nil {
			var cascErr *schema.CascadeError
			if errors.As(err, &cascErr) && cascErr.Code == schema.ErrCodeScheduleRace {
				continue // another instance fired this tick
			}
			s.logger.Error("scheduled fire failed",
				slog.String("definition_id", def.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if execID != "" {
			started = append(started, execID)
		}
	}
	return started, nil
}

// fire checks whether def is due at now and, if so, creates and runs an
// execution. Returns "" when the schedule is not yet due.
func (s *Sweeper) fire(ctx context.Context, def *schema.WorkflowDefinition, now time.Time) (string, error) {
	sched, err := s.parser.Parse(def.CronExpression)
	if err != nil {
		return "", fmt.Errorf("parse cron expression %q: %w", def.CronExpression, err)
	}

	base, err := s.scheduleBase(ctx, def)
	if err != nil {
		return "", err
	}
	next := sched.Next(base)
	if next.After(now) {
		return "", nil
	}
	// Collapse a backlog of missed ticks into a single fire at the most
	// recent due occurrence.
	for {
		n := sched.Next(next)
		if n.After(now) {
			break
		}
		next = n
	}

	exec, err := s.runner.PrepareScheduled(def, next)
	if err != nil {
		return "", err
	}
	if err := s.store.CreateScheduledExecution(ctx, exec, next); err != nil {
		return "", err
	}

	s.logger.Info("schedule fired",
		slog.String("definition_id", def.ID),
		slog.String("execution_id", exec.ID),
		slog.Time("fired_at", next),
	)

	if err := s.runner.RunPending(ctx, exec.ID); err != nil {
		// The execution exists and stays resumable; the fire itself succeeded.
		s.logger.Error("scheduled execution failed",
			slog.String("execution_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}
	return exec.ID, nil
}

// scheduleBase returns the time the next fire is computed from: the
// last-triggered stamp when present, otherwise the definition's activation.
func (s *Sweeper) scheduleBase(ctx context.Context, def *schema.WorkflowDefinition) (time.Time, error) {
	last, err := s.store.LastTriggeredAt(ctx, def.ID)
	if err != nil {
		return time.Time{}, err
	}
	if last != nil {
		return *last, nil
	}
	if !def.UpdatedAt.IsZero() {
		return def.UpdatedAt, nil
	}
	return def.CreatedAt, nil
}

func (s *Sweeper) tryAcquire(defID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[defID]; ok {
		return false
	}
	s.inflight[defID] = struct{}{}
	return true
}

func (s *Sweeper) release(defID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, defID)
}
