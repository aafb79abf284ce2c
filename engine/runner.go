package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewflow/flowd/broadcast"
	"github.com/crewflow/flowd/errors"
	"github.com/crewflow/flowd/flow"
	"github.com/crewflow/flowd/internal/util"
)

// EventPublisher is the narrow broadcast surface the runner needs.
// Satisfied by *broadcast.Broadcaster.
type EventPublisher interface {
	Publish(ev broadcast.Event) int
}

// Runner drives executions from pending to a terminal status. At most
// one Run per execution ID is in flight at a time; a second concurrent
// attempt gets ErrBusy.
type Runner struct {
	flows     *flow.Store
	store     *ExecutionStore
	backend   TaskRunner
	fallback  *SimulatedRunner
	publisher EventPublisher
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewRunner creates an execution runner. backend may be a SimulatedRunner
// or a RemoteRunner; when a remote backend is unreachable the runner
// falls back to simulation and marks the execution accordingly.
func NewRunner(flows *flow.Store, store *ExecutionStore, backend TaskRunner, publisher EventPublisher, logger *zap.SugaredLogger) *Runner {
	return &Runner{
		flows:     flows,
		store:     store,
		backend:   backend,
		fallback:  NewSimulatedRunner(),
		publisher: publisher,
		logger:    logger,
		inflight:  make(map[string]context.CancelFunc),
	}
}

// Create validates the request against the stored flow and persists a
// pending execution record. It does not start the run.
func (r *Runner) Create(req ExecutionRequest) (*Execution, error) {
	f, err := r.flows.GetFlow(req.FlowID)
	if err != nil {
		return nil, err
	}
	if !f.IsValid {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "flow %s failed validation", f.ID)
	}

	exec := NewExecution(req)
	if err := r.store.CreateExecution(exec); err != nil {
		return nil, err
	}
	r.logger.Infow("Execution created",
		"execution_id", exec.ID,
		"flow_id", exec.FlowID,
		"flow_name", f.Name)
	return exec, nil
}

// Run executes a pending execution to a terminal status. It blocks for
// the duration of the run; callers wanting async behavior submit the
// run to a Pool. Returns ErrBusy if the execution is already running in
// this process, and ErrConflict if it already reached a terminal state.
func (r *Runner) Run(ctx context.Context, executionID string) error {
	exec, err := r.store.GetExecution(executionID)
	if err != nil {
		return err
	}

	runCtx, cancel, err := r.admit(ctx, exec)
	if err != nil {
		return err
	}
	defer r.release(executionID)
	defer cancel()

	r.execute(runCtx, exec)
	return nil
}

// admit registers the execution as in flight, enforcing the
// single-run-per-ID and pending-only invariants.
func (r *Runner) admit(ctx context.Context, exec *Execution) (context.Context, context.CancelFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, running := r.inflight[exec.ID]; running {
		return nil, nil, errors.Wrapf(errors.ErrBusy, "execution %s is already running", exec.ID)
	}
	if exec.Status != StatusPending {
		return nil, nil, errors.Wrapf(errors.ErrConflict, "execution %s is %s, not pending", exec.ID, exec.Status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.inflight[exec.ID] = cancel
	return runCtx, cancel, nil
}

func (r *Runner) release(executionID string) {
	r.mu.Lock()
	delete(r.inflight, executionID)
	r.mu.Unlock()
}

// Cancel requests cancellation of an execution. A running execution is
// cancelled cooperatively; a pending one is moved straight to
// cancelled. Terminal executions return ErrConflict.
func (r *Runner) Cancel(executionID string) error {
	r.mu.Lock()
	if cancel, running := r.inflight[executionID]; running {
		r.mu.Unlock()
		cancel()
		r.logger.Infow("Execution cancellation requested", "execution_id", executionID)
		return nil
	}
	// Reserve the id so a concurrent Run cannot admit while the
	// pending record is being terminalized.
	r.inflight[executionID] = func() {}
	r.mu.Unlock()
	defer r.release(executionID)

	exec, err := r.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	if exec.Status != StatusPending {
		return errors.Wrapf(errors.ErrConflict, "execution %s is %s and cannot be cancelled", executionID, exec.Status)
	}

	exec.AppendLog("Execution cancelled before starting")
	r.finish(exec, StatusCancelled, nil, "")
	return nil
}

// Running reports whether the execution is currently in flight.
func (r *Runner) Running(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, running := r.inflight[executionID]
	return running
}

// execute walks one execution through its lifecycle. The pending ->
// running transition is published before any other work, so every
// terminal record carries a started_at and every observer sees
// "running" first. All failure modes land in a terminal status.
func (r *Runner) execute(ctx context.Context, exec *Execution) {
	exec.Status = StatusRunning
	exec.StartedAt = util.Ptr(time.Now().UTC().Format(time.RFC3339))
	r.commitAndPublish(exec)

	f, err := r.flows.GetFlow(exec.FlowID)
	if err != nil {
		exec.AppendLog(fmt.Sprintf("Failed to load flow: %v", err))
		r.finish(exec, StatusFailed, nil, fmt.Sprintf("failed to load flow %s: %v", exec.FlowID, err))
		return
	}

	exec.AppendLog(fmt.Sprintf("Starting execution of flow '%s'", f.Name))
	r.logOverrides(exec)

	graph, err := flow.ExtractTasks(f.YAMLContent)
	if err != nil {
		exec.AppendLog(fmt.Sprintf("Failed to parse flow document: %v", err))
		r.finish(exec, StatusFailed, nil, fmt.Sprintf("invalid flow document: %v", err))
		return
	}

	// Stored per-task selection narrows the graph before running.
	graph = graph.Select(exec.SelectedTasks)

	if graph.Empty() {
		exec.AppendLog("No tasks to execute")
		r.finish(exec, StatusSuccess, map[string]interface{}{
			"tasks_executed": 0,
			"message":        "no tasks to execute",
		}, "")
		return
	}

	exec.AppendLog(fmt.Sprintf("Running %d task(s) on %s backend", len(graph.Tasks), r.backend.Name()))

	r.logger.Infow("Execution running",
		"execution_id", exec.ID,
		"flow_id", exec.FlowID,
		"flow_name", f.Name,
		"tasks", len(graph.Tasks),
		"backend", r.backend.Name())

	// A cancel that raced the start should win before any backend work.
	select {
	case <-ctx.Done():
		exec.AppendLog("Execution cancelled")
		r.finish(exec, StatusCancelled, nil, "")
		return
	default:
	}

	llm := LLMConfig{
		Model:    exec.ModelOverride,
		Provider: exec.LLMProvider,
		BaseURL:  exec.LLMBaseURL,
	}

	result, err := r.backend.RunTasks(ctx, graph, exec.Inputs, llm)
	if err != nil && errors.Is(err, errors.ErrBackendUnavailable) {
		exec.AppendLog(fmt.Sprintf("Backend %s unavailable, falling back to simulation: %v", r.backend.Name(), err))
		r.logger.Warnw("Falling back to simulated backend",
			"execution_id", exec.ID,
			"backend", r.backend.Name(),
			"error", err)
		result, err = r.fallback.RunTasks(ctx, graph, exec.Inputs, llm)
	}

	if err != nil {
		if ctx.Err() != nil {
			exec.AppendLog("Execution cancelled")
			r.finish(exec, StatusCancelled, nil, "")
			return
		}
		exec.AppendLog(fmt.Sprintf("Execution failed: %v", err))
		r.finish(exec, StatusFailed, nil, err.Error())
		return
	}

	for _, tr := range result.TaskResults {
		exec.AppendLog(fmt.Sprintf("Task '%s' completed", tr.Task))
	}
	if result.Simulated {
		exec.AppendLog("Run completed in simulation mode")
	}
	exec.AppendLog(fmt.Sprintf("Execution completed, %d task(s) executed", result.TasksExecuted))

	outputs := map[string]interface{}{
		"tasks_executed": result.TasksExecuted,
		"simulated":      result.Simulated,
	}
	if result.Output != "" {
		outputs["output"] = result.Output
	}
	if len(result.TaskResults) > 0 {
		outputs["task_results"] = result.TaskResults
	}
	r.finish(exec, StatusSuccess, outputs, "")
}

func (r *Runner) logOverrides(exec *Execution) {
	if exec.ModelOverride != "" {
		exec.AppendLog(fmt.Sprintf("Using model override: %s", exec.ModelOverride))
	}
	if exec.LLMProvider != "" {
		exec.AppendLog(fmt.Sprintf("Using LLM provider: %s", exec.LLMProvider))
	}
	if exec.LLMBaseURL != "" {
		exec.AppendLog(fmt.Sprintf("Using LLM base URL: %s", exec.LLMBaseURL))
	}
}

// finish moves the execution to a terminal status and emits the final
// event. Safe against double-finish since terminal states never change.
func (r *Runner) finish(exec *Execution, status Status, outputs map[string]interface{}, errorMessage string) {
	if exec.Status.Terminal() {
		return
	}
	exec.Status = status
	exec.Outputs = outputs
	exec.ErrorMessage = errorMessage
	exec.CompletedAt = util.Ptr(time.Now().UTC().Format(time.RFC3339))
	r.commitAndPublish(exec)

	r.logger.Infow("Execution finished",
		"execution_id", exec.ID,
		"flow_id", exec.FlowID,
		"status", string(status),
		"error", errorMessage)
}

// commitAndPublish writes the execution state to the store first, then
// broadcasts it. If the commit fails the event is suppressed: observers
// never learn of a state the database doesn't hold.
func (r *Runner) commitAndPublish(exec *Execution) {
	err := r.store.UpdateExecution(exec)
	if err != nil && exec.Status.Terminal() {
		// A lost terminal state strands the record, so try once more.
		err = r.store.UpdateExecution(exec)
	}
	if err != nil {
		r.logger.Errorw("Failed to persist execution state, suppressing event",
			"execution_id", exec.ID,
			"status", string(exec.Status),
			"error", err)
		return
	}

	update := broadcast.ExecutionUpdate{
		ExecutionID: exec.ID,
		Status:      string(exec.Status),
		Error:       exec.ErrorMessage,
	}
	if exec.StartedAt != nil {
		update.StartedAt = *exec.StartedAt
	}
	if exec.CompletedAt != nil {
		update.CompletedAt = *exec.CompletedAt
	}
	if exec.Status.Terminal() {
		update.Outputs = exec.Outputs
	}
	r.publisher.Publish(broadcast.NewExecutionUpdate(update))
}
