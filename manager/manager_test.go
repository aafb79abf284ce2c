package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crewflow/flowd/config"
	"github.com/crewflow/flowd/engine"
	"github.com/crewflow/flowd/errors"
	"github.com/crewflow/flowd/flow"
	flowdtest "github.com/crewflow/flowd/internal/testing"
	"github.com/crewflow/flowd/internal/util"
)

const managerTestDoc = `
name: digest
agents:
  - role: curator
tasks:
  - name: compile
    description: compile the digest
    agent: curator
`

func testConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			MaxConcurrentExecutions: 2,
			BackendMode:             config.BackendModeSimulated,
		},
		Scheduler: config.SchedulerConfig{
			TickIntervalSeconds: 1,
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *flow.Flow) {
	t.Helper()
	db := flowdtest.CreateTestDB(t)
	m := New(db, testConfig(), zap.NewNop().Sugar())
	t.Cleanup(m.Stop)

	f := flow.NewFlow("digest", "", managerTestDoc)
	require.NoError(t, m.Flows().CreateFlow(f))
	return m, f
}

func waitForTerminal(t *testing.T, m *Manager, executionID string) *engine.Execution {
	t.Helper()
	var result *engine.Execution
	require.Eventually(t, func() bool {
		exec, err := m.Executions().GetExecution(executionID)
		if err != nil {
			return false
		}
		if !exec.Status.Terminal() {
			return false
		}
		result = exec
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return result
}

func TestApplyConfigAdjustsRuntimeSettings(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Start())

	assert.Equal(t, 2, m.Pool().Capacity())
	assert.Equal(t, time.Second, m.Scheduler().Interval())

	reloaded := testConfig()
	reloaded.Engine.MaxConcurrentExecutions = 5
	reloaded.Scheduler.TickIntervalSeconds = 3
	m.ApplyConfig(reloaded)

	assert.Equal(t, 5, m.Pool().Capacity())
	assert.Equal(t, 3*time.Second, m.Scheduler().Interval())
}

func TestStartExecutionRunsToCompletion(t *testing.T) {
	m, f := newTestManager(t)
	require.NoError(t, m.Start())

	exec, err := m.StartExecution(engine.ExecutionRequest{FlowID: f.ID})
	require.NoError(t, err)
	require.NotEmpty(t, exec.ID)

	done := waitForTerminal(t, m, exec.ID)
	assert.Equal(t, engine.StatusSuccess, done.Status)
	assert.Equal(t, float64(1), done.Outputs["tasks_executed"])
}

func TestStartExecutionRejectsUnknownFlow(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.StartExecution(engine.ExecutionRequest{FlowID: "FLW_missing"})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestCancelPendingExecution(t *testing.T) {
	m, f := newTestManager(t)

	// Created but never submitted, so it stays pending.
	exec, err := m.runner.Create(engine.ExecutionRequest{FlowID: f.ID})
	require.NoError(t, err)
	require.NoError(t, m.CancelExecution(exec.ID))

	got, err := m.Executions().GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCancelled, got.Status)
}

func TestCreateScheduleValidatesBeforePersisting(t *testing.T) {
	m, f := newTestManager(t)

	_, err := m.CreateSchedule(ScheduleRequest{
		FlowID:         f.ID,
		Name:           "broken",
		CronExpression: "not a cron",
	})
	assert.True(t, errors.IsInvalidExpressionError(err))

	_, err = m.CreateSchedule(ScheduleRequest{
		FlowID:         "FLW_missing",
		Name:           "orphan",
		CronExpression: "* * * * *",
	})
	assert.True(t, errors.IsNotFoundError(err))

	_, err = m.CreateSchedule(ScheduleRequest{
		FlowID:         f.ID,
		CronExpression: "* * * * *",
	})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	// Nothing leaked into the store.
	schedules, err := m.Schedules().ListSchedules("")
	require.NoError(t, err)
	assert.Empty(t, schedules)
}

func TestCreateScheduleRegistersActive(t *testing.T) {
	m, f := newTestManager(t)

	sched, err := m.CreateSchedule(ScheduleRequest{
		FlowID:         f.ID,
		Name:           "hourly digest",
		CronExpression: "0 * * * *",
	})
	require.NoError(t, err)
	assert.True(t, sched.IsActive)
	require.NotNil(t, sched.NextRunAt)

	next, ok := m.Scheduler().NextFireTime(sched.ID)
	require.True(t, ok)
	assert.Equal(t, next.UTC().Format(time.RFC3339), *sched.NextRunAt)
}

func TestCreateScheduleInactiveIsNotRegistered(t *testing.T) {
	m, f := newTestManager(t)

	sched, err := m.CreateSchedule(ScheduleRequest{
		FlowID:         f.ID,
		Name:           "paused digest",
		CronExpression: "0 * * * *",
		IsActive:       util.Ptr(false),
	})
	require.NoError(t, err)
	assert.False(t, sched.IsActive)
	assert.Nil(t, sched.NextRunAt)

	_, ok := m.Scheduler().NextFireTime(sched.ID)
	assert.False(t, ok)
}

func TestUpdateScheduleInvalidCronLeavesRecordUntouched(t *testing.T) {
	m, f := newTestManager(t)

	sched, err := m.CreateSchedule(ScheduleRequest{
		FlowID:         f.ID,
		Name:           "hourly digest",
		CronExpression: "0 * * * *",
	})
	require.NoError(t, err)

	_, err = m.UpdateSchedule(sched.ID, ScheduleRequest{CronExpression: "99 99 * * *"})
	assert.True(t, errors.IsInvalidExpressionError(err))

	got, err := m.Schedules().GetSchedule(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", got.CronExpression)
	_, ok := m.Scheduler().NextFireTime(sched.ID)
	assert.True(t, ok)
}

func TestUpdateScheduleDeactivation(t *testing.T) {
	m, f := newTestManager(t)

	sched, err := m.CreateSchedule(ScheduleRequest{
		FlowID:         f.ID,
		Name:           "hourly digest",
		CronExpression: "0 * * * *",
	})
	require.NoError(t, err)

	updated, err := m.UpdateSchedule(sched.ID, ScheduleRequest{IsActive: util.Ptr(false)})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Nil(t, updated.NextRunAt)

	_, ok := m.Scheduler().NextFireTime(sched.ID)
	assert.False(t, ok)

	// Reactivation restores the registration.
	updated, err = m.UpdateSchedule(sched.ID, ScheduleRequest{IsActive: util.Ptr(true)})
	require.NoError(t, err)
	assert.True(t, updated.IsActive)
	assert.NotNil(t, updated.NextRunAt)
	_, ok = m.Scheduler().NextFireTime(sched.ID)
	assert.True(t, ok)
}

func TestDeleteScheduleUnregisters(t *testing.T) {
	m, f := newTestManager(t)

	sched, err := m.CreateSchedule(ScheduleRequest{
		FlowID:         f.ID,
		Name:           "hourly digest",
		CronExpression: "0 * * * *",
	})
	require.NoError(t, err)

	require.NoError(t, m.DeleteSchedule(sched.ID))
	_, ok := m.Scheduler().NextFireTime(sched.ID)
	assert.False(t, ok)

	err = m.DeleteSchedule(sched.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestDeleteFlowDropsScheduleRegistrations(t *testing.T) {
	m, f := newTestManager(t)

	sched, err := m.CreateSchedule(ScheduleRequest{
		FlowID:         f.ID,
		Name:           "hourly digest",
		CronExpression: "0 * * * *",
	})
	require.NoError(t, err)

	require.NoError(t, m.DeleteFlow(f.ID))
	_, ok := m.Scheduler().NextFireTime(sched.ID)
	assert.False(t, ok)
	_, err = m.Flows().GetFlow(f.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestFireScheduleStartsExecution(t *testing.T) {
	m, f := newTestManager(t)

	sched, err := m.CreateSchedule(ScheduleRequest{
		FlowID:         f.ID,
		Name:           "hourly digest",
		CronExpression: "0 * * * *",
		ModelOverride:  "gpt-4o-mini",
		Inputs:         map[string]string{"edition": "morning"},
	})
	require.NoError(t, err)

	m.fireSchedule(sched)

	var exec *engine.Execution
	require.Eventually(t, func() bool {
		executions, err := m.Executions().ListExecutions(f.ID)
		if err != nil || len(executions) == 0 {
			return false
		}
		if !executions[0].Status.Terminal() {
			return false
		}
		exec = executions[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, engine.StatusSuccess, exec.Status)
	assert.Equal(t, "gpt-4o-mini", exec.ModelOverride)
	assert.Equal(t, map[string]string{"edition": "morning"}, exec.Inputs)
}

func TestSubscribeReceivesExecutionEvents(t *testing.T) {
	m, f := newTestManager(t)
	obs := m.Subscribe()
	defer m.Unsubscribe(obs)

	exec, err := m.StartExecution(engine.ExecutionRequest{FlowID: f.ID})
	require.NoError(t, err)
	waitForTerminal(t, m, exec.ID)

	var statuses []string
	for len(statuses) < 2 {
		select {
		case ev := <-obs.Events():
			require.Equal(t, exec.ID, ev.Data.ExecutionID)
			statuses = append(statuses, ev.Data.Status)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after statuses %v", statuses)
		}
	}
	assert.Equal(t, []string{"running", "success"}, statuses)
}
