package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/crewflow/flowd/errors"
)

// FireFunc is invoked once per due schedule, with a snapshot of the
// schedule as registered. Implementations must not block the caller for
// long; long work belongs on an execution pool.
type FireFunc func(sched *Schedule)

// registration caches the parsed expression and upcoming fire time of
// one active schedule.
type registration struct {
	sched    *Schedule
	parsed   cron.Schedule
	nextFire time.Time
}

// Scheduler ticks once per interval and fires registered schedules that
// have come due. Registrations mirror the active rows in the store;
// next_run_at is persisted on every registration change and fire so a
// restart resumes cleanly from the database.
type Scheduler struct {
	store    *Store
	fire     FireFunc
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
	reload   chan time.Duration

	mu              sync.Mutex
	registrations   map[string]*registration
	lastTickAt      time.Time
	ticksSinceStart int64
	firesSinceStart int64
}

// Config contains scheduler tuning knobs.
type Config struct {
	Interval time.Duration // how often to check for due schedules
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: 1 * time.Second}
}

// NewScheduler creates a scheduler ticking at cfg.Interval.
func NewScheduler(store *Store, fire FireFunc, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	return NewSchedulerWithContext(context.Background(), store, fire, cfg, logger)
}

// NewSchedulerWithContext creates a scheduler with a parent context.
func NewSchedulerWithContext(ctx context.Context, store *Store, fire FireFunc, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	schedCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		store:         store,
		fire:          fire,
		interval:      cfg.Interval,
		ctx:           schedCtx,
		cancel:        cancel,
		logger:        logger,
		reload:        make(chan time.Duration, 1),
		registrations: make(map[string]*registration),
	}
}

// Start begins the ticker loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Scheduler started", "interval", s.Interval())
}

// SetInterval changes the tick interval of a running scheduler. Takes
// effect on the loop's next pass; an unstarted scheduler picks it up
// when Start is called.
func (s *Scheduler) SetInterval(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}

	s.mu.Lock()
	old := s.interval
	s.interval = interval
	s.mu.Unlock()
	if old == interval {
		return
	}

	select {
	case s.reload <- interval:
	default:
	}
	s.logger.Infow("Scheduler interval changed",
		"old_interval", old,
		"new_interval", interval)
}

// Interval returns the current tick interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Stop stops the ticker and waits for the loop to exit. In-flight fire
// callbacks complete; no new ones start.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Scheduler stopped")
}

// AddJob registers a schedule for firing. Re-adding an existing ID
// atomically replaces the previous registration, so an updated cron
// expression takes effect on the next tick. The computed next fire time
// is persisted before the registration becomes visible to the ticker.
func (s *Scheduler) AddJob(sched *Schedule) error {
	parsed, err := ParseExpression(sched.CronExpression)
	if err != nil {
		return err
	}

	next := parsed.Next(time.Now())
	nextStr := next.UTC().Format(time.RFC3339)
	sched.NextRunAt = &nextStr
	if err := s.store.UpdateSchedule(sched); err != nil {
		return errors.Wrapf(err, "failed to persist next run for schedule %s", sched.ID)
	}

	s.mu.Lock()
	s.registrations[sched.ID] = &registration{
		sched:    sched,
		parsed:   parsed,
		nextFire: next,
	}
	total := len(s.registrations)
	s.mu.Unlock()

	s.logger.Infow("Schedule registered",
		"schedule_id", sched.ID,
		"flow_id", sched.FlowID,
		"cron", sched.CronExpression,
		"next_run_at", nextStr,
		"total_registered", total)
	return nil
}

// RemoveJob unregisters a schedule. Unknown IDs are a no-op so removal
// is safe to call during deactivation and deletion alike.
func (s *Scheduler) RemoveJob(scheduleID string) {
	s.mu.Lock()
	_, present := s.registrations[scheduleID]
	delete(s.registrations, scheduleID)
	s.mu.Unlock()

	if present {
		s.logger.Infow("Schedule unregistered", "schedule_id", scheduleID)
	}
}

// NextFireTime returns the upcoming fire time for a registered schedule.
func (s *Scheduler) NextFireTime(scheduleID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[scheduleID]
	if !ok {
		return time.Time{}, false
	}
	return reg.nextFire, true
}

// ReloadJobs registers every active schedule from the store. Called at
// startup to resume after a restart. Schedules with expressions that no
// longer parse are skipped with a warning rather than failing startup.
func (s *Scheduler) ReloadJobs() error {
	schedules, err := s.store.ListActiveSchedules()
	if err != nil {
		return errors.Wrap(err, "failed to list active schedules")
	}

	loaded := 0
	for _, sched := range schedules {
		if err := s.AddJob(sched); err != nil {
			s.logger.Warnw("Skipping schedule with invalid expression",
				"schedule_id", sched.ID,
				"cron", sched.CronExpression,
				"error", err)
			continue
		}
		loaded++
	}

	s.logger.Infow("Schedules reloaded", "loaded", loaded, "total", len(schedules))
	return nil
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.reload:
			// Reset from the field, not the channel value: a rapid
			// series of changes coalesces to the latest interval.
			ticker.Reset(s.Interval())
		case tickTime := <-ticker.C:
			s.tick(tickTime)
		}
	}
}

// tick fires every registration that has come due and advances its
// next fire time.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	s.lastTickAt = now
	s.ticksSinceStart++

	var due []*registration
	for _, reg := range s.registrations {
		if !reg.nextFire.After(now) {
			due = append(due, reg)
		}
	}
	for _, reg := range due {
		reg.nextFire = reg.parsed.Next(now)
	}
	s.mu.Unlock()

	for _, reg := range due {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		// An earlier fire in this batch may have removed the schedule.
		s.mu.Lock()
		_, still := s.registrations[reg.sched.ID]
		if still {
			s.firesSinceStart++
		}
		s.mu.Unlock()
		if !still {
			continue
		}
		s.fireSchedule(reg, now)
	}
}

func (s *Scheduler) fireSchedule(reg *registration, now time.Time) {
	s.logger.Infow("Schedule firing",
		"schedule_id", reg.sched.ID,
		"flow_id", reg.sched.FlowID,
		"cron", reg.sched.CronExpression,
		"next_run_at", reg.nextFire.UTC().Format(time.RFC3339))

	if err := s.store.MarkFired(reg.sched.ID, now, reg.nextFire); err != nil {
		// The row may have been deleted between registration and fire.
		s.logger.Warnw("Failed to record schedule fire",
			"schedule_id", reg.sched.ID,
			"error", err)
	}

	s.fire(reg.sched)
}

// Stats returns ticker statistics.
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"registered_schedules": len(s.registrations),
		"last_tick_at":         s.lastTickAt,
		"ticks_since_start":    s.ticksSinceStart,
		"fires_since_start":    s.firesSinceStart,
		"interval":             s.interval,
	}
}
