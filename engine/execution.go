package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an execution. Transitions are
// monotonic: pending -> running -> one of the terminal states. A
// terminal execution never changes status again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Execution tracks a single run of a flow from admission to a terminal
// state. Timestamps are RFC3339 UTC strings.
type Execution struct {
	ID     string `json:"id"` // EXC_{uuid} format
	FlowID string `json:"flow_id"`
	Status Status `json:"status"`

	// Per-execution overrides for the task backend
	ModelOverride string `json:"model_override,omitempty"`
	LLMProvider   string `json:"llm_provider,omitempty"`
	LLMBaseURL    string `json:"llm_base_url,omitempty"`

	// Caller-supplied key/value inputs forwarded to the backend
	Inputs map[string]string `json:"inputs,omitempty"`

	// SelectedTasks nil means run every task; an empty non-nil slice
	// means run none.
	SelectedTasks []string `json:"selected_tasks,omitempty"`

	Outputs      map[string]interface{} `json:"outputs,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`

	// Logs is the accumulated human-readable execution transcript,
	// one "[timestamp] message" line per entry.
	Logs string `json:"logs,omitempty"`

	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// ExecutionRequest carries the caller-controlled parts of a new execution.
type ExecutionRequest struct {
	FlowID        string            `json:"flow_id"`
	ModelOverride string            `json:"model_override,omitempty"`
	LLMProvider   string            `json:"llm_provider,omitempty"`
	LLMBaseURL    string            `json:"llm_base_url,omitempty"`
	Inputs        map[string]string `json:"inputs,omitempty"`
	SelectedTasks []string          `json:"selected_tasks,omitempty"`
}

// NewExecution creates a pending execution record for the request.
func NewExecution(req ExecutionRequest) *Execution {
	return &Execution{
		ID:            "EXC_" + uuid.NewString(),
		FlowID:        req.FlowID,
		Status:        StatusPending,
		ModelOverride: req.ModelOverride,
		LLMProvider:   req.LLMProvider,
		LLMBaseURL:    req.LLMBaseURL,
		Inputs:        req.Inputs,
		SelectedTasks: req.SelectedTasks,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
}

// AppendLog appends a timestamped line to the execution transcript.
func (e *Execution) AppendLog(message string) {
	line := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), message)
	if e.Logs == "" {
		e.Logs = line
		return
	}
	e.Logs += "\n" + line
}

// LogLines returns the transcript split into individual lines.
func (e *Execution) LogLines() []string {
	if e.Logs == "" {
		return nil
	}
	return strings.Split(e.Logs, "\n")
}
