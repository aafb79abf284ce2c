package scheduler

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewflow/flowd/errors"
)

// Schedule is a stored recurring trigger for a flow.
type Schedule struct {
	ID             string `json:"id"` // SCH_{uuid} format
	FlowID         string `json:"flow_id"`
	Name           string `json:"name"`
	CronExpression string `json:"cron_expression"`

	// Execution overrides applied to every triggered run
	ModelOverride string            `json:"model_override,omitempty"`
	LLMProvider   string            `json:"llm_provider,omitempty"`
	LLMBaseURL    string            `json:"llm_base_url,omitempty"`
	Inputs        map[string]string `json:"inputs,omitempty"`

	IsActive  bool    `json:"is_active"`
	LastRunAt *string `json:"last_run_at,omitempty"` // RFC3339
	NextRunAt *string `json:"next_run_at,omitempty"` // RFC3339; nil when inactive
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// NewSchedule builds an active schedule record. The cron expression is
// assumed already validated by the caller.
func NewSchedule(flowID, name, cronExpr string) *Schedule {
	now := time.Now().UTC().Format(time.RFC3339)
	return &Schedule{
		ID:             fmt.Sprintf("SCH_%s", uuid.NewString()),
		FlowID:         flowID,
		Name:           name,
		CronExpression: cronExpr,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Store handles persistence of schedules.
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSchedule inserts a new schedule.
func (s *Store) CreateSchedule(sched *Schedule) error {
	inputs, err := marshalInputs(sched.Inputs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal inputs")
	}

	_, err = s.db.Exec(`
		INSERT INTO schedules (id, flow_id, name, cron_expression, model_override, llm_provider,
			llm_base_url, inputs, is_active, last_run_at, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID,
		sched.FlowID,
		sched.Name,
		sched.CronExpression,
		nullable(sched.ModelOverride),
		nullable(sched.LLMProvider),
		nullable(sched.LLMBaseURL),
		inputs,
		boolToInt(sched.IsActive),
		sched.LastRunAt,
		sched.NextRunAt,
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert schedule %s", sched.ID)
	}
	return nil
}

// UpdateSchedule persists the mutable fields of a schedule.
func (s *Store) UpdateSchedule(sched *Schedule) error {
	inputs, err := marshalInputs(sched.Inputs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal inputs")
	}
	sched.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	result, err := s.db.Exec(`
		UPDATE schedules
		SET name = ?, cron_expression = ?, model_override = ?, llm_provider = ?, llm_base_url = ?,
			inputs = ?, is_active = ?, last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		sched.Name,
		sched.CronExpression,
		nullable(sched.ModelOverride),
		nullable(sched.LLMProvider),
		nullable(sched.LLMBaseURL),
		inputs,
		boolToInt(sched.IsActive),
		sched.LastRunAt,
		sched.NextRunAt,
		sched.UpdatedAt,
		sched.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s", sched.ID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "schedule %s", sched.ID)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.db.QueryRow(scheduleSelect+" WHERE id = ?", id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get schedule %s", id)
	}
	return sched, nil
}

// ListSchedules returns schedules, optionally filtered by flow.
func (s *Store) ListSchedules(flowID string) ([]*Schedule, error) {
	query := scheduleSelect
	args := []interface{}{}
	if flowID != "" {
		query += " WHERE flow_id = ?"
		args = append(args, flowID)
	}
	query += " ORDER BY created_at ASC, id ASC"
	return s.queryAll(query, args...)
}

// ListActiveSchedules returns every active schedule, for registration
// at startup.
func (s *Store) ListActiveSchedules() ([]*Schedule, error) {
	return s.queryAll(scheduleSelect + " WHERE is_active = 1 ORDER BY created_at ASC")
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(id string) error {
	result, err := s.db.Exec("DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete schedule %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
	}
	return nil
}

// MarkFired records a fire at firedAt and the next planned run.
func (s *Store) MarkFired(id string, firedAt, nextRun time.Time) error {
	result, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		firedAt.UTC().Format(time.RFC3339),
		nextRun.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark schedule %s fired", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
	}
	return nil
}

const scheduleSelect = `
	SELECT id, flow_id, name, cron_expression, model_override, llm_provider, llm_base_url,
		inputs, is_active, last_run_at, next_run_at, created_at, updated_at
	FROM schedules`

func (s *Store) queryAll(query string, args ...interface{}) ([]*Schedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query schedules")
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule row")
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sched Schedule
	var modelOverride, llmProvider, llmBaseURL, inputs sql.NullString
	var isActive int
	var lastRunAt, nextRunAt sql.NullString

	err := row.Scan(
		&sched.ID,
		&sched.FlowID,
		&sched.Name,
		&sched.CronExpression,
		&modelOverride,
		&llmProvider,
		&llmBaseURL,
		&inputs,
		&isActive,
		&lastRunAt,
		&nextRunAt,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sched.ModelOverride = modelOverride.String
	sched.LLMProvider = llmProvider.String
	sched.LLMBaseURL = llmBaseURL.String
	sched.IsActive = isActive != 0
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &sched.Inputs); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal inputs")
		}
	}
	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.String
	}
	if nextRunAt.Valid {
		sched.NextRunAt = &nextRunAt.String
	}
	return &sched, nil
}

func marshalInputs(inputs map[string]string) (interface{}, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(inputs)
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
