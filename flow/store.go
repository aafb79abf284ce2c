package flow

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewflow/flowd/errors"
)

// Flow is a stored flow definition.
type Flow struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	YAMLContent      string    `json:"yaml_content"`
	IsValid          bool      `json:"is_valid"`
	ValidationErrors []string  `json:"validation_errors,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewFlow builds a flow record from its YAML content, running validation
// and recording the outcome on the record.
func NewFlow(name, description, yamlContent string) *Flow {
	valid, validationErrs := Validate(yamlContent)
	now := time.Now().UTC()
	return &Flow{
		ID:               fmt.Sprintf("FLW_%s", uuid.NewString()),
		Name:             name,
		Description:      description,
		YAMLContent:      yamlContent,
		IsValid:          valid,
		ValidationErrors: validationErrs,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Revalidate re-runs document validation and updates the record's
// validity fields.
func (f *Flow) Revalidate() {
	f.IsValid, f.ValidationErrors = Validate(f.YAMLContent)
}

// Store handles persistence of flow definitions.
type Store struct {
	db *sql.DB
}

// NewStore creates a new flow store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateFlow inserts a new flow. A duplicate name yields ErrConflict.
func (s *Store) CreateFlow(f *Flow) error {
	query := `
		INSERT INTO flows (
			id, name, description, yaml_content,
			is_valid, validation_errors, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	validationErrs, err := marshalStrings(f.ValidationErrors)
	if err != nil {
		return errors.Wrap(err, "failed to encode validation errors")
	}

	_, err = s.db.Exec(query,
		f.ID,
		f.Name,
		nullableString(f.Description),
		f.YAMLContent,
		f.IsValid,
		validationErrs,
		f.CreatedAt.Format(time.RFC3339),
		f.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(errors.ErrConflict, "flow name %q already exists", f.Name)
		}
		return errors.Wrap(err, "failed to create flow")
	}

	return nil
}

// GetFlow retrieves a flow by id. Returns ErrNotFound if absent.
func (s *Store) GetFlow(id string) (*Flow, error) {
	return s.getFlow("id", id)
}

// GetFlowByName retrieves a flow by its unique name.
func (s *Store) GetFlowByName(name string) (*Flow, error) {
	return s.getFlow("name", name)
}

func (s *Store) getFlow(column, value string) (*Flow, error) {
	query := fmt.Sprintf(`
		SELECT id, name, description, yaml_content,
		       is_valid, validation_errors, created_at, updated_at
		FROM flows
		WHERE %s = ?
	`, column)

	row := s.db.QueryRow(query, value)
	f, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrNotFound, "flow %s", value)
		}
		return nil, errors.Wrap(err, "failed to get flow")
	}
	return f, nil
}

// ListFlows returns flows ordered by creation time, newest first.
// A limit of zero or less returns all rows.
func (s *Store) ListFlows(limit, offset int) ([]*Flow, error) {
	if limit <= 0 {
		limit = -1 // SQLite: LIMIT -1 means no limit
	}
	query := `
		SELECT id, name, description, yaml_content,
		       is_valid, validation_errors, created_at, updated_at
		FROM flows
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.Query(query, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list flows")
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan flow")
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// UpdateFlow persists changes to an existing flow.
func (s *Store) UpdateFlow(f *Flow) error {
	query := `
		UPDATE flows
		SET name = ?,
		    description = ?,
		    yaml_content = ?,
		    is_valid = ?,
		    validation_errors = ?,
		    updated_at = ?
		WHERE id = ?
	`

	validationErrs, err := marshalStrings(f.ValidationErrors)
	if err != nil {
		return errors.Wrap(err, "failed to encode validation errors")
	}

	f.UpdatedAt = time.Now().UTC()
	result, err := s.db.Exec(query,
		f.Name,
		nullableString(f.Description),
		f.YAMLContent,
		f.IsValid,
		validationErrs,
		f.UpdatedAt.Format(time.RFC3339),
		f.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update flow")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check update result")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "flow %s", f.ID)
	}
	return nil
}

// DeleteFlow removes a flow and, via foreign keys, its executions and
// schedules.
func (s *Store) DeleteFlow(id string) error {
	result, err := s.db.Exec("DELETE FROM flows WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "failed to delete flow")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check delete result")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "flow %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFlow(row rowScanner) (*Flow, error) {
	var f Flow
	var description, validationErrs sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&f.ID,
		&f.Name,
		&description,
		&f.YAMLContent,
		&f.IsValid,
		&validationErrs,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	f.Description = description.String
	if validationErrs.Valid && validationErrs.String != "" {
		if err := json.Unmarshal([]byte(validationErrs.String), &f.ValidationErrors); err != nil {
			return nil, errors.Wrap(err, "failed to decode validation errors")
		}
	}

	var err error
	if f.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse created_at")
	}
	if f.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse updated_at")
	}

	return &f, nil
}

func marshalStrings(values []string) (interface{}, error) {
	if len(values) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 reports constraint violations in the error text;
	// matching the message avoids importing the driver's error types here.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
