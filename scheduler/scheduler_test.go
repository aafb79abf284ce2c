package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crewflow/flowd/errors"
	flowdtest "github.com/crewflow/flowd/internal/testing"
)

// fireRecorder captures fired schedules for assertions.
type fireRecorder struct {
	mu    sync.Mutex
	fired []*Schedule
}

func (r *fireRecorder) fire(sched *Schedule) {
	r.mu.Lock()
	r.fired = append(r.fired, sched)
	r.mu.Unlock()
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func newTestScheduler(t *testing.T) (*Scheduler, *Store, *fireRecorder, string) {
	t.Helper()
	db := flowdtest.CreateTestDB(t)
	f := createScheduleFlow(t, db)
	store := NewStore(db)
	rec := &fireRecorder{}
	sched := NewScheduler(store, rec.fire, DefaultConfig(), zap.NewNop().Sugar())
	return sched, store, rec, f.ID
}

func TestAddJobPersistsNextRun(t *testing.T) {
	s, store, _, flowID := newTestScheduler(t)

	sched := NewSchedule(flowID, "nightly", "0 2 * * *")
	require.NoError(t, store.CreateSchedule(sched))
	require.NoError(t, s.AddJob(sched))

	next, ok := s.NextFireTime(sched.ID)
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))

	stored, err := store.GetSchedule(sched.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, next.UTC().Format(time.RFC3339), *stored.NextRunAt)
}

func TestAddJobRejectsInvalidExpression(t *testing.T) {
	s, store, _, flowID := newTestScheduler(t)

	sched := NewSchedule(flowID, "broken", "not a cron")
	require.NoError(t, store.CreateSchedule(sched))

	err := s.AddJob(sched)
	assert.True(t, errors.IsInvalidExpressionError(err))

	_, ok := s.NextFireTime(sched.ID)
	assert.False(t, ok)
}

func TestAddJobReplacesExistingRegistration(t *testing.T) {
	s, store, _, flowID := newTestScheduler(t)

	sched := NewSchedule(flowID, "nightly", "0 2 * * *")
	require.NoError(t, store.CreateSchedule(sched))
	require.NoError(t, s.AddJob(sched))
	first, _ := s.NextFireTime(sched.ID)

	sched.CronExpression = "0 5 * * *"
	require.NoError(t, s.AddJob(sched))
	second, ok := s.NextFireTime(sched.ID)
	require.True(t, ok)
	assert.NotEqual(t, first, second)

	stats := s.Stats()
	assert.Equal(t, 1, stats["registered_schedules"])
}

func TestTickFiresDueSchedules(t *testing.T) {
	s, store, rec, flowID := newTestScheduler(t)

	sched := NewSchedule(flowID, "every minute", "* * * * *")
	require.NoError(t, store.CreateSchedule(sched))
	require.NoError(t, s.AddJob(sched))

	before, _ := s.NextFireTime(sched.ID)

	// Simulate the ticker reaching the fire time.
	s.tick(before.Add(time.Second))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, sched.ID, rec.fired[0].ID)

	// The registration advanced; the same tick time does not refire.
	after, ok := s.NextFireTime(sched.ID)
	require.True(t, ok)
	assert.True(t, after.After(before))
	s.tick(before.Add(time.Second))
	assert.Equal(t, 1, rec.count())

	// Fire and next run are recorded on the row.
	stored, err := store.GetSchedule(sched.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRunAt)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, after.UTC().Format(time.RFC3339), *stored.NextRunAt)
}

func TestTickSkipsFutureSchedules(t *testing.T) {
	s, store, rec, flowID := newTestScheduler(t)

	sched := NewSchedule(flowID, "nightly", "0 2 * * *")
	require.NoError(t, store.CreateSchedule(sched))
	require.NoError(t, s.AddJob(sched))

	next, _ := s.NextFireTime(sched.ID)
	s.tick(next.Add(-time.Minute))
	assert.Equal(t, 0, rec.count())
}

func TestRemoveJobStopsFiring(t *testing.T) {
	s, store, rec, flowID := newTestScheduler(t)

	sched := NewSchedule(flowID, "every minute", "* * * * *")
	require.NoError(t, store.CreateSchedule(sched))
	require.NoError(t, s.AddJob(sched))

	next, _ := s.NextFireTime(sched.ID)
	s.RemoveJob(sched.ID)
	s.RemoveJob(sched.ID) // idempotent

	s.tick(next.Add(time.Second))
	assert.Equal(t, 0, rec.count())
}

func TestTickSkipsScheduleRemovedByEarlierFire(t *testing.T) {
	db := flowdtest.CreateTestDB(t)
	f := createScheduleFlow(t, db)
	store := NewStore(db)

	// The first fire in a batch removes the other schedule; the batch
	// must not fire a registration that is gone by its turn.
	var s *Scheduler
	rec := &fireRecorder{}
	victims := map[string]string{}
	s = NewScheduler(store, func(sched *Schedule) {
		rec.fire(sched)
		s.RemoveJob(victims[sched.ID])
	}, DefaultConfig(), zap.NewNop().Sugar())

	a := NewSchedule(f.ID, "a", "* * * * *")
	require.NoError(t, store.CreateSchedule(a))
	require.NoError(t, s.AddJob(a))
	b := NewSchedule(f.ID, "b", "* * * * *")
	require.NoError(t, store.CreateSchedule(b))
	require.NoError(t, s.AddJob(b))
	victims[a.ID] = b.ID
	victims[b.ID] = a.ID

	next, _ := s.NextFireTime(a.ID)
	s.tick(next.Add(time.Second))

	assert.Equal(t, 1, rec.count())
	stats := s.Stats()
	assert.Equal(t, int64(1), stats["fires_since_start"])
}

func TestSetIntervalReticksRunningScheduler(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	assert.Equal(t, time.Second, s.Interval())
	s.SetInterval(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, s.Interval())

	// A non-positive interval falls back to the default.
	s.SetInterval(0)
	assert.Equal(t, time.Second, s.Interval())

	// The loop drains the pending reset and keeps ticking fast enough
	// to register ticks within the test window.
	s.SetInterval(5 * time.Millisecond)
	s.Start()
	require.Eventually(t, func() bool {
		return s.Stats()["ticks_since_start"].(int64) >= 2
	}, time.Second, 5*time.Millisecond)

	// A live reset is picked up without restarting.
	s.SetInterval(2 * time.Millisecond)
	before := s.Stats()["ticks_since_start"].(int64)
	require.Eventually(t, func() bool {
		return s.Stats()["ticks_since_start"].(int64) > before
	}, time.Second, 2*time.Millisecond)
	s.Stop()
}

func TestReloadJobsRegistersActiveSchedules(t *testing.T) {
	s, store, _, flowID := newTestScheduler(t)

	active := NewSchedule(flowID, "active", "* * * * *")
	require.NoError(t, store.CreateSchedule(active))

	inactive := NewSchedule(flowID, "inactive", "* * * * *")
	inactive.IsActive = false
	require.NoError(t, store.CreateSchedule(inactive))

	// A bad expression in the store must not break startup.
	broken := NewSchedule(flowID, "broken", "99 99 * * *")
	require.NoError(t, store.CreateSchedule(broken))

	require.NoError(t, s.ReloadJobs())

	_, ok := s.NextFireTime(active.ID)
	assert.True(t, ok)
	_, ok = s.NextFireTime(inactive.ID)
	assert.False(t, ok)
	_, ok = s.NextFireTime(broken.ID)
	assert.False(t, ok)
}

func TestStartStop(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	s.Start()
	s.Stop()

	stats := s.Stats()
	assert.Equal(t, 0, stats["registered_schedules"])
}
