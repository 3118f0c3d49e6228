// Package docgen is the periodic document-generation producer of spec
// §2.1: a cron-style scheduler that enqueues doc-gen tasks and
// publishes doc:ready once the matching task completes. Generalizes
// internal/cron/scheduler.go from store-persisted, session-scoped
// schedules into in-memory schedules targeting a worker capability,
// since the broker's domain has no session/schedule tables of its own
// (spec Non-goals: "the SQL schema of domain tables" is out of scope).
package docgen

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/domain"
	"github.com/basket/brokerd/internal/store"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const defaultInterval = 1 * time.Minute

// Schedule is one periodic doc-gen job.
type Schedule struct {
	ID         string
	CronExpr   string
	Capability string
	Payload    []byte
	NextRun    time.Time
}

// Config holds the scheduler's dependencies.
type Config struct {
	Store      *store.Store
	Bus        *bus.Bus
	Logger     *slog.Logger
	Interval   time.Duration // tick interval; default 1 minute
	MaxRetries int
}

// Scheduler periodically enqueues doc-gen tasks for due schedules and
// republishes their completion as doc:ready (spec §2.1).
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	schedules map[string]*Schedule
	tracked   map[string]string // task_id -> schedule_id, awaiting completion

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *bus.Subscription
}

// NewScheduler constructs a Scheduler with defaults applied.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		logger:    cfg.Logger,
		schedules: make(map[string]*Schedule),
		tracked:   make(map[string]string),
	}
}

// AddSchedule registers a periodic job. Its first run is computed from
// cronExpr relative to now.
func (s *Scheduler) AddSchedule(id, cronExpr, capability string, payload []byte) error {
	next, err := NextRunTime(cronExpr, time.Now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.schedules[id] = &Schedule{ID: id, CronExpr: cronExpr, Capability: capability, Payload: payload, NextRun: next}
	s.mu.Unlock()
	return nil
}

// RemoveSchedule unregisters a job; in-flight tracked tasks for it are
// left alone and will still publish doc:ready on completion.
func (s *Scheduler) RemoveSchedule(id string) {
	s.mu.Lock()
	delete(s.schedules, id)
	s.mu.Unlock()
}

// Start begins the scheduler loop and, if a Bus is configured, the
// completion watcher. Respects ctx for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.Bus != nil {
		s.sub = s.cfg.Bus.Subscribe(bus.ChannelTaskCompleted)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watchCompletions(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.logger.Info("docgen_scheduler_started", slog.Duration("interval", s.cfg.Interval))
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.sub != nil {
		s.cfg.Bus.Unsubscribe(s.sub)
	}
	s.logger.Info("docgen_scheduler_stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	due := make([]*Schedule, 0)
	for _, sched := range s.schedules {
		if !sched.NextRun.After(now) {
			due = append(due, sched)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	taskID, err := s.cfg.Store.Enqueue(ctx, domain.KindDocGen, sched.Capability, nil, 0, sched.Payload, s.cfg.MaxRetries)
	if err != nil {
		s.logger.Error("docgen_enqueue_failed", slog.String("schedule_id", sched.ID), slog.String("error", err.Error()))
		return
	}

	next, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("docgen_reschedule_failed", slog.String("schedule_id", sched.ID), slog.String("error", err.Error()))
		next = now.Add(s.cfg.Interval)
	}

	s.mu.Lock()
	s.tracked[taskID] = sched.ID
	if live, ok := s.schedules[sched.ID]; ok {
		live.NextRun = next
	}
	s.mu.Unlock()

	s.logger.Info("docgen_scheduled", slog.String("schedule_id", sched.ID), slog.String("task_id", taskID), slog.Time("next_run", next))
}

// watchCompletions republishes a tracked task's completion as doc:ready
// (spec §2.1: "observed via an Event Bus subscription on
// task:completed matched against the schedule's tracked task id").
func (s *Scheduler) watchCompletions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.sub.Ch():
			if !ok {
				return
			}
			taskEvent, ok := event.Payload.(bus.TaskEvent)
			if !ok {
				continue
			}
			s.mu.Lock()
			scheduleID, tracked := s.tracked[taskEvent.TaskID]
			if tracked {
				delete(s.tracked, taskEvent.TaskID)
			}
			s.mu.Unlock()
			if !tracked {
				continue
			}
			s.logger.Info("doc_ready", slog.String("schedule_id", scheduleID), slog.String("task_id", taskEvent.TaskID))
			s.cfg.Bus.Publish(bus.ChannelDocReady, bus.DocReadyEvent{ScheduleID: scheduleID, TaskID: taskEvent.TaskID})
		}
	}
}

// NextRunTime parses cronExpr and returns the next fire time after t.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
