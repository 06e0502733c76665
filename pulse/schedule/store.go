package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/groupcast/db"
	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/gateway"
)

// DefaultDueBatch caps how many due jobs one cycle picks up.
const DefaultDueBatch = 100

// Store composes the three repositories into the operations the dispatcher
// needs. Each call is its own short transaction; nothing is held across a
// gateway call.
type Store struct {
	Jobs    Jobs
	Targets Targets
	History History
}

// NewSQLStore builds a Store on SQLite repositories sharing pool.
func NewSQLStore(pool *db.Pool) *Store {
	return &Store{
		Jobs:    NewJobStore(pool),
		Targets: NewTargetStore(pool),
		History: NewHistoryStore(pool),
	}
}

// NewMemoryStore builds a Store on in-memory repositories.
func NewMemoryStore() *Store {
	jobs, targets := NewMemoryJobs(), NewMemoryTargets()
	jobs.onDelete = targets.Forget
	return &Store{Jobs: jobs, Targets: targets, History: NewMemoryHistory()}
}

// ListDueJobs returns active jobs due at now, each with its targets.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]DueJob, error) {
	if limit <= 0 {
		limit = DefaultDueBatch
	}
	jobs, err := s.Jobs.ListDue(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	due := make([]DueJob, 0, len(jobs))
	for _, job := range jobs {
		targets, err := s.Targets.List(ctx, job.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "targets for job %s", job.ID)
		}
		due = append(due, DueJob{Job: job, Targets: targets})
	}
	return due, nil
}

// CreateTargetHistoryEntry builds the record for one delivery attempt
// against target and stores it through RecordOutcome.
func (s *Store) CreateTargetHistoryEntry(ctx context.Context, job *Job, target Target, res gateway.Result, at time.Time) (*DispatchRecord, error) {
	rec := &DispatchRecord{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		CampaignID:   job.CampaignID,
		GroupID:      target.GroupID,
		GroupName:    target.GroupName,
		ChannelID:    target.ChannelID,
		Status:       DispatchFailed,
		ErrorClass:   res.Class,
		Error:        res.Error,
		Attempts:     res.Attempts,
		DispatchedAt: at,
	}
	if res.Sent() {
		rec.Status = DispatchSent
		rec.ErrorClass = gateway.ClassNone
		rec.Error = ""
	}
	if err := s.RecordOutcome(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordOutcome appends rec to history and, for a sent record, marks the
// target delivered for the current occurrence.
func (s *Store) RecordOutcome(ctx context.Context, rec *DispatchRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := s.History.Append(ctx, rec); err != nil {
		return err
	}
	if rec.Status == DispatchSent {
		if err := s.Targets.MarkSent(ctx, rec.JobID, rec.GroupID, rec.DispatchedAt); err != nil {
			return err
		}
	}
	return nil
}

// AdvanceOrDeactivate starts a new occurrence at nextRun, or deactivates the
// job when active is false. lastRun is when the delivery attempts finished.
// It returns ErrJobChanged, and writes nothing, if job is no longer active
// and due at the next_run_at it was read with.
func (s *Store) AdvanceOrDeactivate(ctx context.Context, job *Job, nextRun *time.Time, active bool, lastRun time.Time) error {
	if !active {
		nextRun = nil
	}
	return s.Jobs.Advance(ctx, job.ID, Advance{
		Active:          active,
		NextRunAt:       nextRun,
		OccurrenceAt:    nextRun,
		LastRunAt:       &lastRun,
		ExpectNextRunAt: job.NextRunAt,
	})
}

// RescheduleRetry moves next_run_at to retryAt and keeps the current
// occurrence, so only undelivered targets are retried. Like
// AdvanceOrDeactivate it returns ErrJobChanged if job changed since it was read.
func (s *Store) RescheduleRetry(ctx context.Context, job *Job, retryAt, lastRun time.Time) error {
	occurrence := job.OccurrenceAt
	if occurrence == nil {
		occurrence = job.NextRunAt
	}
	return s.Jobs.Advance(ctx, job.ID, Advance{
		Active:          true,
		NextRunAt:       &retryAt,
		OccurrenceAt:    occurrence,
		LastRunAt:       &lastRun,
		ExpectNextRunAt: job.NextRunAt,
	})
}
