package engine

import (
	"database/sql"
	"encoding/json"

	"github.com/crewflow/flowd/errors"
)

// ExecutionStore handles persistence of execution records. Every
// observable status change is written here before any event leaves the
// process, so the database is always at least as current as the
// event stream.
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store.
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// CreateExecution inserts a new execution record.
func (s *ExecutionStore) CreateExecution(exec *Execution) error {
	inputs, err := marshalJSON(exec.Inputs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal inputs")
	}
	selected, err := marshalSelectedTasks(exec.SelectedTasks)
	if err != nil {
		return errors.Wrap(err, "failed to marshal selected tasks")
	}
	outputs, err := marshalJSON(exec.Outputs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal outputs")
	}

	_, err = s.db.Exec(`
		INSERT INTO executions (id, flow_id, status, model_override, llm_provider, llm_base_url,
			inputs, selected_tasks, outputs, error_message, logs, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.FlowID,
		string(exec.Status),
		nullable(exec.ModelOverride),
		nullable(exec.LLMProvider),
		nullable(exec.LLMBaseURL),
		inputs,
		selected,
		outputs,
		nullable(exec.ErrorMessage),
		nullable(exec.Logs),
		exec.StartedAt,
		exec.CompletedAt,
		exec.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert execution %s", exec.ID)
	}
	return nil
}

// UpdateExecution persists the mutable fields of an execution.
func (s *ExecutionStore) UpdateExecution(exec *Execution) error {
	outputs, err := marshalJSON(exec.Outputs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal outputs")
	}

	result, err := s.db.Exec(`
		UPDATE executions
		SET status = ?, outputs = ?, error_message = ?, logs = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(exec.Status),
		outputs,
		nullable(exec.ErrorMessage),
		nullable(exec.Logs),
		exec.StartedAt,
		exec.CompletedAt,
		exec.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update execution %s", exec.ID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "execution %s", exec.ID)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *ExecutionStore) GetExecution(id string) (*Execution, error) {
	row := s.db.QueryRow(`
		SELECT id, flow_id, status, model_override, llm_provider, llm_base_url,
			inputs, selected_tasks, outputs, error_message, logs, started_at, completed_at, created_at
		FROM executions WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return exec, nil
}

// ListExecutions returns executions for a flow, newest first. An empty
// flowID lists executions across all flows.
func (s *ExecutionStore) ListExecutions(flowID string) ([]*Execution, error) {
	query := `
		SELECT id, flow_id, status, model_override, llm_provider, llm_base_url,
			inputs, selected_tasks, outputs, error_message, logs, started_at, completed_at, created_at
		FROM executions`
	args := []interface{}{}
	if flowID != "" {
		query += " WHERE flow_id = ?"
		args = append(args, flowID)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution row")
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// CountByStatus returns the number of executions per status.
func (s *ExecutionStore) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count executions")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var status string
	var modelOverride, llmProvider, llmBaseURL sql.NullString
	var inputs, selected, outputs, errorMessage, logs sql.NullString
	var startedAt, completedAt sql.NullString

	err := row.Scan(
		&exec.ID,
		&exec.FlowID,
		&status,
		&modelOverride,
		&llmProvider,
		&llmBaseURL,
		&inputs,
		&selected,
		&outputs,
		&errorMessage,
		&logs,
		&startedAt,
		&completedAt,
		&exec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = Status(status)
	exec.ModelOverride = modelOverride.String
	exec.LLMProvider = llmProvider.String
	exec.LLMBaseURL = llmBaseURL.String
	exec.ErrorMessage = errorMessage.String
	exec.Logs = logs.String

	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &exec.Inputs); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal inputs")
		}
	}
	if selected.Valid {
		// NULL means "all tasks"; a stored array (even empty) is an
		// explicit selection.
		if err := json.Unmarshal([]byte(selected.String), &exec.SelectedTasks); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal selected tasks")
		}
		if exec.SelectedTasks == nil {
			exec.SelectedTasks = []string{}
		}
	}
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &exec.Outputs); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal outputs")
		}
	}
	if startedAt.Valid {
		exec.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.String
	}
	return &exec, nil
}

func marshalJSON(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]string:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]interface{}:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// marshalSelectedTasks keeps the nil/empty distinction: nil stores as
// NULL (all tasks), an empty slice stores as "[]" (no tasks).
func marshalSelectedTasks(tasks []string) (interface{}, error) {
	if tasks == nil {
		return nil, nil
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
