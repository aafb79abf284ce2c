package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/crewflow/flowd/errors"
	"github.com/crewflow/flowd/flow"
)

// LLMConfig carries per-execution backend overrides.
type LLMConfig struct {
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// TaskResult is the outcome of running one task.
type TaskResult struct {
	Task   string `json:"task"`
	Agent  string `json:"agent,omitempty"`
	Output string `json:"output"`
}

// Result is what a backend returns for a completed run.
type Result struct {
	TasksExecuted int          `json:"tasks_executed"`
	TaskResults   []TaskResult `json:"task_results,omitempty"`
	Output        string       `json:"output,omitempty"`
	Simulated     bool         `json:"simulated"`
}

// TaskRunner executes the tasks of a flow against some backend. RunTasks
// must honor ctx cancellation and return ctx.Err() promptly when the
// execution is cancelled mid-run.
type TaskRunner interface {
	RunTasks(ctx context.Context, graph *flow.TaskGraph, inputs map[string]string, llm LLMConfig) (*Result, error)

	// Name identifies the backend in logs and outputs.
	Name() string
}

// SimulatedRunner executes tasks without any external dependency. Each
// task produces a deterministic placeholder output. Used as the default
// backend and as the fallback when the remote backend is unreachable.
type SimulatedRunner struct {
	// PerTaskDelay slows each task down, mainly for exercising
	// cancellation in tests. Zero means no delay.
	PerTaskDelay time.Duration
}

// NewSimulatedRunner creates a backend that fabricates task outputs.
func NewSimulatedRunner() *SimulatedRunner {
	return &SimulatedRunner{}
}

func (r *SimulatedRunner) Name() string { return "simulated" }

func (r *SimulatedRunner) RunTasks(ctx context.Context, graph *flow.TaskGraph, inputs map[string]string, llm LLMConfig) (*Result, error) {
	result := &Result{Simulated: true}
	for _, task := range graph.Tasks {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if r.PerTaskDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.PerTaskDelay):
			}
		}

		result.TaskResults = append(result.TaskResults, TaskResult{
			Task:   task.Identifier(),
			Agent:  task.Agent,
			Output: fmt.Sprintf("Simulated output for task '%s'", task.Identifier()),
		})
		result.TasksExecuted++
	}
	result.Output = fmt.Sprintf("Simulated run of flow '%s' completed %d task(s)", graph.FlowName, result.TasksExecuted)
	return result, nil
}

// RemoteRunner executes tasks against an HTTP crew backend. Connection
// failures surface as ErrBackendUnavailable so the caller can fall back
// to simulation.
type RemoteRunner struct {
	baseURL string
	client  *retryablehttp.Client
	logger  *zap.SugaredLogger
}

// remoteRunRequest is the wire format sent to the backend.
type remoteRunRequest struct {
	FlowName string            `json:"flow_name"`
	Agents   []flow.Agent      `json:"agents"`
	Tasks    []flow.Task       `json:"tasks"`
	Inputs   map[string]string `json:"inputs,omitempty"`
	LLM      LLMConfig         `json:"llm,omitempty"`
}

// NewRemoteRunner creates a backend client for the given base URL.
func NewRemoteRunner(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *RemoteRunner {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil // zap handles logging at the call sites

	return &RemoteRunner{
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

func (r *RemoteRunner) Name() string { return "remote" }

func (r *RemoteRunner) RunTasks(ctx context.Context, graph *flow.TaskGraph, inputs map[string]string, llm LLMConfig) (*Result, error) {
	payload := remoteRunRequest{
		FlowName: graph.FlowName,
		Agents:   graph.Agents,
		Tasks:    graph.Tasks,
		Inputs:   inputs,
		LLM:      llm,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal backend request")
	}

	url := r.baseURL + "/run"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build backend request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warnw("Crew backend unreachable",
			"url", url,
			"error", err)
		return nil, errors.Mark(errors.Wrap(err, "crew backend unreachable"), errors.ErrBackendUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read backend response")
	}

	if resp.StatusCode >= 500 {
		return nil, errors.Mark(
			errors.Newf("crew backend returned %d: %s", resp.StatusCode, string(respBody)),
			errors.ErrBackendUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("crew backend rejected run with %d: %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode backend response")
	}
	result.Simulated = false
	return &result, nil
}
