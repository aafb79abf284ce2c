// Package scheduler fires flow executions from cron-style schedules.
// The database is the source of truth for schedule definitions; the
// in-memory registration map only caches parsed expressions and next
// fire times for the ticker loop.
package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crewflow/flowd/errors"
)

// cronParser accepts standard 5-field crontab expressions
// (minute hour day-of-month month day-of-week).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseExpression parses a 5-field cron expression. Errors are marked
// ErrInvalidExpression and keep the parser's message verbatim so it can
// be surfaced to API callers.
func ParseExpression(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, errors.Mark(
			errors.Newf("cron expression must have 5 fields, got %d", len(fields)),
			errors.ErrInvalidExpression)
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrInvalidExpression)
	}
	return schedule, nil
}

// NextAfter returns the first fire time of expr strictly after t.
func NextAfter(expr string, t time.Time) (time.Time, error) {
	schedule, err := ParseExpression(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(t), nil
}
