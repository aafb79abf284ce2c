package engine

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crewflow/flowd/broadcast"
	"github.com/crewflow/flowd/errors"
	"github.com/crewflow/flowd/flow"
	flowdtest "github.com/crewflow/flowd/internal/testing"
)

// blockingRunner parks in RunTasks until released or cancelled.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingRunner) Name() string { return "blocking" }

func (b *blockingRunner) RunTasks(ctx context.Context, graph *flow.TaskGraph, inputs map[string]string, llm LLMConfig) (*Result, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.release:
		return &Result{TasksExecuted: len(graph.Tasks)}, nil
	}
}

// unavailableRunner always reports the backend as unreachable.
type unavailableRunner struct{}

func (unavailableRunner) Name() string { return "remote" }

func (unavailableRunner) RunTasks(ctx context.Context, graph *flow.TaskGraph, inputs map[string]string, llm LLMConfig) (*Result, error) {
	return nil, errors.Mark(errors.New("connection refused"), errors.ErrBackendUnavailable)
}

type runnerFixture struct {
	db          *sql.DB
	flows       *flow.Store
	store       *ExecutionStore
	broadcaster *broadcast.Broadcaster
	runner      *Runner
	flow        *flow.Flow
}

func newRunnerFixture(t *testing.T, backend TaskRunner) *runnerFixture {
	t.Helper()
	db := flowdtest.CreateTestDB(t)
	flows := flow.NewStore(db)
	store := NewExecutionStore(db)
	broadcaster := broadcast.NewBroadcaster(zap.NewNop().Sugar())
	t.Cleanup(broadcaster.Close)

	f := flow.NewFlow("research", "", `
name: research
agents:
  - role: analyst
tasks:
  - name: collect
    description: collect sources
    agent: analyst
  - name: summarize
    description: summarize findings
    agent: analyst
`)
	require.NoError(t, flows.CreateFlow(f))

	return &runnerFixture{
		db:          db,
		flows:       flows,
		store:       store,
		broadcaster: broadcaster,
		runner:      NewRunner(flows, store, backend, broadcaster, zap.NewNop().Sugar()),
		flow:        f,
	}
}

func collectEvents(t *testing.T, obs *broadcast.Observer, n int) []broadcast.Event {
	t.Helper()
	events := make([]broadcast.Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-obs.Events():
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	return events
}

func TestRunnerCreateRejectsInvalidFlow(t *testing.T) {
	fix := newRunnerFixture(t, NewSimulatedRunner())

	bad := flow.NewFlow("broken", "", "agents: []\ntasks: []\n")
	require.False(t, bad.IsValid)
	require.NoError(t, fix.flows.CreateFlow(bad))

	_, err := fix.runner.Create(ExecutionRequest{FlowID: bad.ID})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestRunnerCreateRejectsMissingFlow(t *testing.T) {
	fix := newRunnerFixture(t, NewSimulatedRunner())

	_, err := fix.runner.Create(ExecutionRequest{FlowID: "FLW_missing"})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRunnerRunToSuccess(t *testing.T) {
	fix := newRunnerFixture(t, NewSimulatedRunner())
	obs := fix.broadcaster.Connect()

	exec, err := fix.runner.Create(ExecutionRequest{FlowID: fix.flow.ID})
	require.NoError(t, err)
	require.NoError(t, fix.runner.Run(context.Background(), exec.ID))

	events := collectEvents(t, obs, 2)
	assert.Equal(t, "running", events[0].Data.Status)
	assert.NotEmpty(t, events[0].Data.StartedAt)
	assert.Equal(t, "success", events[1].Data.Status)
	assert.NotEmpty(t, events[1].Data.CompletedAt)
	assert.Equal(t, 2, events[1].Data.Outputs["tasks_executed"])

	got, err := fix.store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Contains(t, got.Logs, "Starting execution of flow 'research'")
	assert.Contains(t, got.Logs, "Execution completed, 2 task(s) executed")
}

func TestRunnerEmptySelectionSucceedsWithZeroTasks(t *testing.T) {
	fix := newRunnerFixture(t, NewSimulatedRunner())
	obs := fix.broadcaster.Connect()

	exec, err := fix.runner.Create(ExecutionRequest{
		FlowID:        fix.flow.ID,
		SelectedTasks: []string{},
	})
	require.NoError(t, err)
	require.NoError(t, fix.runner.Run(context.Background(), exec.ID))

	// Even a zero-task run passes through running before success.
	events := collectEvents(t, obs, 2)
	assert.Equal(t, "running", events[0].Data.Status)
	assert.Equal(t, "success", events[1].Data.Status)

	got, err := fix.store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.Equal(t, float64(0), got.Outputs["tasks_executed"])
	assert.Contains(t, got.Logs, "No tasks to execute")
}

func TestRunnerSelectedTasksNarrowTheRun(t *testing.T) {
	fix := newRunnerFixture(t, NewSimulatedRunner())

	exec, err := fix.runner.Create(ExecutionRequest{
		FlowID:        fix.flow.ID,
		SelectedTasks: []string{"collect"},
	})
	require.NoError(t, err)
	require.NoError(t, fix.runner.Run(context.Background(), exec.ID))

	got, err := fix.store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, float64(1), got.Outputs["tasks_executed"])
}

func TestRunnerConcurrentRunReturnsBusy(t *testing.T) {
	backend := newBlockingRunner()
	fix := newRunnerFixture(t, backend)

	exec, err := fix.runner.Create(ExecutionRequest{FlowID: fix.flow.ID})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- fix.runner.Run(context.Background(), exec.ID) }()
	<-backend.started

	err = fix.runner.Run(context.Background(), exec.ID)
	assert.True(t, errors.IsBusyError(err))

	close(backend.release)
	require.NoError(t, <-done)
	assert.False(t, fix.runner.Running(exec.ID))
}

func TestRunnerRejectsTerminalExecution(t *testing.T) {
	fix := newRunnerFixture(t, NewSimulatedRunner())

	exec, err := fix.runner.Create(ExecutionRequest{FlowID: fix.flow.ID})
	require.NoError(t, err)
	require.NoError(t, fix.runner.Run(context.Background(), exec.ID))

	err = fix.runner.Run(context.Background(), exec.ID)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestRunnerCancelRunningExecution(t *testing.T) {
	backend := newBlockingRunner()
	fix := newRunnerFixture(t, backend)

	exec, err := fix.runner.Create(ExecutionRequest{FlowID: fix.flow.ID})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- fix.runner.Run(context.Background(), exec.ID) }()
	<-backend.started

	require.NoError(t, fix.runner.Cancel(exec.ID))
	require.NoError(t, <-done)

	got, err := fix.store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Contains(t, got.Logs, "Execution cancelled")
}

func TestRunnerCancelPendingExecution(t *testing.T) {
	fix := newRunnerFixture(t, NewSimulatedRunner())

	exec, err := fix.runner.Create(ExecutionRequest{FlowID: fix.flow.ID})
	require.NoError(t, err)
	require.NoError(t, fix.runner.Cancel(exec.ID))

	got, err := fix.store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	err = fix.runner.Run(context.Background(), exec.ID)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestRunnerCancelTerminalReturnsConflict(t *testing.T) {
	fix := newRunnerFixture(t, NewSimulatedRunner())

	exec, err := fix.runner.Create(ExecutionRequest{FlowID: fix.flow.ID})
	require.NoError(t, err)
	require.NoError(t, fix.runner.Run(context.Background(), exec.ID))

	err = fix.runner.Cancel(exec.ID)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestRunnerFallsBackToSimulationWhenBackendUnavailable(t *testing.T) {
	fix := newRunnerFixture(t, unavailableRunner{})

	exec, err := fix.runner.Create(ExecutionRequest{FlowID: fix.flow.ID})
	require.NoError(t, err)
	require.NoError(t, fix.runner.Run(context.Background(), exec.ID))

	got, err := fix.store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, true, got.Outputs["simulated"])
	assert.Equal(t, float64(2), got.Outputs["tasks_executed"])
	assert.Contains(t, got.Logs, "falling back to simulation")
	assert.Contains(t, got.Logs, "Run completed in simulation mode")
}

func TestRunnerFailsOnUnparsableDocument(t *testing.T) {
	fix := newRunnerFixture(t, NewSimulatedRunner())

	broken := flow.NewFlow("mangled", "", "name: [unclosed")
	require.NoError(t, fix.flows.CreateFlow(broken))

	// Bypass Create's validity gate to exercise the run-time parse path.
	exec := NewExecution(ExecutionRequest{FlowID: broken.ID})
	require.NoError(t, fix.store.CreateExecution(exec))

	require.NoError(t, fix.runner.Run(context.Background(), exec.ID))

	got, err := fix.store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.NotNil(t, got.StartedAt, "failure happens after the running transition")
	assert.Contains(t, got.ErrorMessage, "invalid flow document")
}

func TestRunnerSuppressesEventWhenCommitFails(t *testing.T) {
	backend := newBlockingRunner()
	fix := newRunnerFixture(t, backend)
	obs := fix.broadcaster.Connect()

	exec, err := fix.runner.Create(ExecutionRequest{FlowID: fix.flow.ID})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- fix.runner.Run(context.Background(), exec.ID) }()
	<-backend.started

	events := collectEvents(t, obs, 1)
	assert.Equal(t, "running", events[0].Data.Status)

	// Yank the row out from under the runner; the terminal commit now
	// fails and its event must not reach observers.
	_, err = fix.db.Exec("DELETE FROM executions WHERE id = ?", exec.ID)
	require.NoError(t, err)

	close(backend.release)
	require.NoError(t, <-done)

	select {
	case ev := <-obs.Events():
		t.Fatalf("unexpected event after failed commit: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunnerConcurrentRunAndCancelOnPending(t *testing.T) {
	fix := newRunnerFixture(t, NewSimulatedRunner())

	// Whatever the interleaving, exactly one of Run and Cancel owns the
	// record and it ends in a single consistent terminal state.
	for i := 0; i < 25; i++ {
		exec, err := fix.runner.Create(ExecutionRequest{FlowID: fix.flow.ID})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			fix.runner.Run(context.Background(), exec.ID)
		}()
		go func() {
			defer wg.Done()
			fix.runner.Cancel(exec.ID)
		}()
		wg.Wait()

		got, err := fix.store.GetExecution(exec.ID)
		require.NoError(t, err)
		require.True(t, got.Status.Terminal(), "iteration %d left status %s", i, got.Status)
		if got.Status == StatusSuccess {
			assert.NotNil(t, got.StartedAt)
		}
		assert.NotNil(t, got.CompletedAt)
	}
}
