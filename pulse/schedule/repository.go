package schedule

import (
	"context"
	"time"

	"github.com/teranos/groupcast/errors"
)

// ErrJobChanged is returned by a guarded Advance when the job was paused,
// resumed, rescheduled or deleted after the dispatcher read it.
var ErrJobChanged = errors.New("scheduled job changed during dispatch")

// Jobs persists scheduled jobs.
type Jobs interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// List returns all jobs, or those of one campaign when campaignID is set.
	List(ctx context.Context, campaignID string) ([]*Job, error)
	// ListDue returns active jobs with next_run_at <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	SetActive(ctx context.Context, id string, active bool, nextRun *time.Time) error
	Advance(ctx context.Context, id string, u Advance) error
	Delete(ctx context.Context, id string) error
	// Next returns the active job due soonest, or nil.
	Next(ctx context.Context) (*Job, error)
}

// Advance is the dispatcher's state change after a job's delivery attempts.
// When ExpectNextRunAt is set the change applies only if the job is still
// active and due at that instant; otherwise Advance returns ErrJobChanged.
type Advance struct {
	Active       bool
	NextRunAt    *time.Time
	OccurrenceAt *time.Time
	LastRunAt    *time.Time

	ExpectNextRunAt *time.Time
}

// Targets persists the groups each job delivers to.
type Targets interface {
	// Replace swaps the job's full target list.
	Replace(ctx context.Context, jobID string, targets []Target) error
	List(ctx context.Context, jobID string) ([]Target, error)
	MarkSent(ctx context.Context, jobID, groupID string, at time.Time) error
}

// History is the append-only dispatch audit trail.
type History interface {
	Append(ctx context.Context, rec *DispatchRecord) error
	ListByJob(ctx context.Context, jobID string, limit int) ([]DispatchRecord, error)
	ListByCampaign(ctx context.Context, campaignID string, limit int) ([]DispatchRecord, error)
	DeleteByJob(ctx context.Context, jobID string) (int64, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
