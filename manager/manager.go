// Package manager ties the flow store, execution engine, scheduler and
// event broadcaster together behind one facade. HTTP handlers and the
// CLI talk to a Manager rather than to the individual subsystems.
package manager

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/crewflow/flowd/broadcast"
	"github.com/crewflow/flowd/config"
	"github.com/crewflow/flowd/engine"
	"github.com/crewflow/flowd/errors"
	"github.com/crewflow/flowd/flow"
	"github.com/crewflow/flowd/scheduler"
)

// Manager owns the lifecycle of the scheduling and execution subsystems.
type Manager struct {
	flows       *flow.Store
	executions  *engine.ExecutionStore
	runner      *engine.Runner
	pool        *engine.Pool
	schedules   *scheduler.Store
	scheduler   *scheduler.Scheduler
	broadcaster *broadcast.Broadcaster
	logger      *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires a manager from configuration. The database must already be
// migrated.
func New(db *sql.DB, cfg *config.Config, logger *zap.SugaredLogger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	flows := flow.NewStore(db)
	executions := engine.NewExecutionStore(db)
	broadcaster := broadcast.NewBroadcaster(logger)

	var backend engine.TaskRunner
	if cfg.Engine.BackendMode == config.BackendModeRemote {
		backend = engine.NewRemoteRunner(cfg.Engine.BackendURL,
			time.Duration(cfg.Engine.BackendTimeoutSeconds)*time.Second, logger)
	} else {
		backend = engine.NewSimulatedRunner()
	}

	runner := engine.NewRunner(flows, executions, backend, broadcaster, logger)
	pool := engine.NewPool(runner, cfg.Engine.MaxConcurrentExecutions, logger)
	schedules := scheduler.NewStore(db)

	m := &Manager{
		flows:       flows,
		executions:  executions,
		runner:      runner,
		pool:        pool,
		schedules:   schedules,
		broadcaster: broadcaster,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	m.scheduler = scheduler.NewSchedulerWithContext(ctx, schedules, m.fireSchedule,
		scheduler.Config{Interval: time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second},
		logger)
	return m
}

// Start resumes persisted schedules and begins ticking.
func (m *Manager) Start() error {
	if err := m.scheduler.ReloadJobs(); err != nil {
		return errors.Wrap(err, "failed to reload schedules")
	}
	m.scheduler.Start()
	m.logger.Infow("Manager started",
		"max_concurrent_executions", m.pool.Capacity())
	return nil
}

// ApplyConfig applies the runtime-tunable settings from a reloaded
// configuration: the execution concurrency bound and the scheduler tick
// interval. Settings that cannot change without a restart, such as the
// backend mode and database path, are left as they were.
func (m *Manager) ApplyConfig(cfg *config.Config) {
	m.pool.Resize(cfg.Engine.MaxConcurrentExecutions)
	m.scheduler.SetInterval(time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second)
	m.logger.Infow("Runtime configuration applied",
		"max_concurrent_executions", m.pool.Capacity(),
		"tick_interval", m.scheduler.Interval())
}

// Stop shuts the subsystems down in dependency order: no new fires, no
// new submissions, drain running executions, then drop observers.
func (m *Manager) Stop() {
	m.scheduler.Stop()
	m.cancel()
	m.pool.Drain()
	m.broadcaster.Close()
	m.logger.Infow("Manager stopped")
}

// Flows exposes flow CRUD.
func (m *Manager) Flows() *flow.Store { return m.flows }

// Executions exposes execution reads.
func (m *Manager) Executions() *engine.ExecutionStore { return m.executions }

// Schedules exposes schedule reads.
func (m *Manager) Schedules() *scheduler.Store { return m.schedules }

// Scheduler exposes tick statistics.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.scheduler }

// Pool exposes execution slot statistics.
func (m *Manager) Pool() *engine.Pool { return m.pool }

// StartExecution persists a pending execution and submits it to the
// pool. When the pool is at capacity the execution is returned together
// with ErrCapacity; its record stays pending for a later retry.
func (m *Manager) StartExecution(req engine.ExecutionRequest) (*engine.Execution, error) {
	exec, err := m.runner.Create(req)
	if err != nil {
		return nil, err
	}
	if err := m.pool.Submit(m.ctx, exec.ID); err != nil {
		return exec, err
	}
	return exec, nil
}

// CancelExecution requests cancellation of a pending or running
// execution.
func (m *Manager) CancelExecution(executionID string) error {
	return m.runner.Cancel(executionID)
}

// ScheduleRequest carries the caller-controlled parts of a schedule.
type ScheduleRequest struct {
	FlowID         string            `json:"flow_id"`
	Name           string            `json:"name"`
	CronExpression string            `json:"cron_expression"`
	ModelOverride  string            `json:"model_override,omitempty"`
	LLMProvider    string            `json:"llm_provider,omitempty"`
	LLMBaseURL     string            `json:"llm_base_url,omitempty"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	IsActive       *bool             `json:"is_active,omitempty"`
}

// CreateSchedule validates and persists a new schedule. Validation runs
// before anything is written: a bad cron expression or unknown flow
// leaves no row behind.
func (m *Manager) CreateSchedule(req ScheduleRequest) (*scheduler.Schedule, error) {
	if req.Name == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "schedule name is required")
	}
	if _, err := scheduler.ParseExpression(req.CronExpression); err != nil {
		return nil, err
	}
	if _, err := m.flows.GetFlow(req.FlowID); err != nil {
		return nil, err
	}

	sched := scheduler.NewSchedule(req.FlowID, req.Name, req.CronExpression)
	sched.ModelOverride = req.ModelOverride
	sched.LLMProvider = req.LLMProvider
	sched.LLMBaseURL = req.LLMBaseURL
	sched.Inputs = req.Inputs
	if req.IsActive != nil {
		sched.IsActive = *req.IsActive
	}

	if err := m.schedules.CreateSchedule(sched); err != nil {
		return nil, err
	}

	if sched.IsActive {
		if err := m.scheduler.AddJob(sched); err != nil {
			return nil, err
		}
	}

	m.logger.Infow("Schedule created",
		"schedule_id", sched.ID,
		"flow_id", sched.FlowID,
		"cron", sched.CronExpression,
		"is_active", sched.IsActive)
	return sched, nil
}

// UpdateSchedule applies changes to an existing schedule. The new cron
// expression is validated before any mutation, so an invalid update
// leaves both the stored row and the live registration untouched.
func (m *Manager) UpdateSchedule(scheduleID string, req ScheduleRequest) (*scheduler.Schedule, error) {
	sched, err := m.schedules.GetSchedule(scheduleID)
	if err != nil {
		return nil, err
	}

	if req.CronExpression != "" {
		if _, err := scheduler.ParseExpression(req.CronExpression); err != nil {
			return nil, err
		}
		sched.CronExpression = req.CronExpression
	}
	if req.Name != "" {
		sched.Name = req.Name
	}
	if req.ModelOverride != "" {
		sched.ModelOverride = req.ModelOverride
	}
	if req.LLMProvider != "" {
		sched.LLMProvider = req.LLMProvider
	}
	if req.LLMBaseURL != "" {
		sched.LLMBaseURL = req.LLMBaseURL
	}
	if req.Inputs != nil {
		sched.Inputs = req.Inputs
	}
	if req.IsActive != nil {
		sched.IsActive = *req.IsActive
	}

	if sched.IsActive {
		// AddJob persists the row with its recomputed next run and
		// atomically replaces any live registration.
		if err := m.scheduler.AddJob(sched); err != nil {
			return nil, err
		}
	} else {
		m.scheduler.RemoveJob(sched.ID)
		sched.NextRunAt = nil
		if err := m.schedules.UpdateSchedule(sched); err != nil {
			return nil, err
		}
	}

	m.logger.Infow("Schedule updated",
		"schedule_id", sched.ID,
		"cron", sched.CronExpression,
		"is_active", sched.IsActive)
	return sched, nil
}

// DeleteSchedule unregisters and removes a schedule. Unregistration
// happens first so a tick cannot fire a deleted schedule.
func (m *Manager) DeleteSchedule(scheduleID string) error {
	m.scheduler.RemoveJob(scheduleID)
	if err := m.schedules.DeleteSchedule(scheduleID); err != nil {
		return err
	}
	m.logger.Infow("Schedule deleted", "schedule_id", scheduleID)
	return nil
}

// DeleteFlow removes a flow along with its executions and schedules.
// Live schedule registrations are dropped before the cascading delete.
func (m *Manager) DeleteFlow(flowID string) error {
	schedules, err := m.schedules.ListSchedules(flowID)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		m.scheduler.RemoveJob(sched.ID)
	}
	return m.flows.DeleteFlow(flowID)
}

// Subscribe registers an observer for execution events.
func (m *Manager) Subscribe() *broadcast.Observer {
	return m.broadcaster.Connect()
}

// Unsubscribe drops an observer.
func (m *Manager) Unsubscribe(obs *broadcast.Observer) {
	m.broadcaster.Disconnect(obs)
}

// fireSchedule is the scheduler callback: it turns a due schedule into
// a pending execution and hands it to the pool. Failures are logged and
// absorbed so one bad fire never stops the ticker.
func (m *Manager) fireSchedule(sched *scheduler.Schedule) {
	exec, err := m.StartExecution(engine.ExecutionRequest{
		FlowID:        sched.FlowID,
		ModelOverride: sched.ModelOverride,
		LLMProvider:   sched.LLMProvider,
		LLMBaseURL:    sched.LLMBaseURL,
		Inputs:        sched.Inputs,
	})
	if err != nil {
		if exec != nil && errors.Is(err, errors.ErrCapacity) {
			m.logger.Warnw("Scheduled execution deferred, pool at capacity",
				"schedule_id", sched.ID,
				"execution_id", exec.ID)
			return
		}
		m.logger.Errorw("Scheduled execution failed to start",
			"schedule_id", sched.ID,
			"flow_id", sched.FlowID,
			"error", err)
		return
	}

	m.logger.Infow("Scheduled execution started",
		"schedule_id", sched.ID,
		"execution_id", exec.ID,
		"flow_id", sched.FlowID)
}
