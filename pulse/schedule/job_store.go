package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/groupcast/db"
	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/internal/util"
	"github.com/teranos/groupcast/pulse/recurrence"
)

// JobStore is the SQLite implementation of Jobs.
type JobStore struct {
	pool *db.Pool
}

// NewJobStore creates a job store on pool.
func NewJobStore(pool *db.Pool) *JobStore {
	return &JobStore{pool: pool}
}

const jobColumns = `
	id, campaign_id, message_text, message_type, media_url,
	schedule_type, schedule_time, schedule_days, schedule_date,
	is_active, next_run_at, occurrence_at, last_run_at,
	created_at, updated_at`

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Create inserts job. CreatedAt and UpdatedAt are set to now.
func (s *JobStore) Create(ctx context.Context, job *Job) error {
	days, err := encodeWeekdays(job.Weekdays)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Truncate(time.Second)
	job.CreatedAt, job.UpdatedAt = now, now

	err = s.pool.WithTx(ctx, func(q db.Querier) error {
		_, err := q.ExecContext(ctx, `INSERT INTO scheduled_jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID,
			util.NullIfEmpty(job.CampaignID),
			job.MessageText,
			job.MessageKind,
			util.NullIfEmpty(job.MediaURL),
			string(job.ScheduleType),
			job.TimeOfDay,
			days,
			util.NullIfEmpty(job.Date),
			job.Active,
			util.FormatTimePtr(job.NextRunAt),
			util.FormatTimePtr(job.OccurrenceAt),
			util.FormatTimePtr(job.LastRunAt),
			formatTime(now),
			formatTime(now),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduled job: %w", err)
	}
	return nil
}

// Get returns the job with id, or an ErrNotFound error.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := s.pool.WithConn(ctx, func(q db.Querier) error {
		var err error
		job, err = scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("scheduled job not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get scheduled job: %w", err)
	}
	return job, nil
}

// List returns jobs ordered by creation, filtered by campaign when set.
func (s *JobStore) List(ctx context.Context, campaignID string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	var args []any
	if campaignID != "" {
		query += ` WHERE campaign_id = ?`
		args = append(args, campaignID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	jobs, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}
	return jobs, nil
}

// ListDue returns active jobs whose next_run_at has passed, oldest due first.
func (s *JobStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	jobs, err := s.query(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE is_active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, created_at ASC
		LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}
	return jobs, nil
}

// Next returns the active job due soonest, or nil if none is scheduled.
func (s *JobStore) Next(ctx context.Context) (*Job, error) {
	jobs, err := s.query(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE is_active = 1 AND next_run_at IS NOT NULL
		ORDER BY next_run_at ASC
		LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to get next scheduled job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// SetActive toggles the job. Activating sets a fresh occurrence at nextRun;
// deactivating clears next_run_at.
func (s *JobStore) SetActive(ctx context.Context, id string, active bool, nextRun *time.Time) error {
	if !active {
		nextRun = nil
	}
	return s.update(ctx, id, "set active", `UPDATE scheduled_jobs
		SET is_active = ?, next_run_at = ?, occurrence_at = ?, updated_at = ?
		WHERE id = ?`,
		active, util.FormatTimePtr(nextRun), util.FormatTimePtr(nextRun), formatTime(time.Now()), id)
}

// Advance applies the dispatcher's post-delivery state.
func (s *JobStore) Advance(ctx context.Context, id string, u Advance) error {
	query := `UPDATE scheduled_jobs
		SET is_active = ?, next_run_at = ?, occurrence_at = ?,
		    last_run_at = COALESCE(?, last_run_at), updated_at = ?
		WHERE id = ?`
	args := []any{
		u.Active,
		util.FormatTimePtr(u.NextRunAt),
		util.FormatTimePtr(u.OccurrenceAt),
		util.FormatTimePtr(u.LastRunAt),
		formatTime(time.Now()),
		id,
	}
	if u.ExpectNextRunAt == nil {
		return s.update(ctx, id, "advance", query, args...)
	}

	query += ` AND is_active = 1 AND next_run_at = ?`
	args = append(args, formatTime(*u.ExpectNextRunAt))
	err := s.update(ctx, id, "advance", query, args...)
	if errors.IsNotFoundError(err) {
		return ErrJobChanged
	}
	return err
}

// Delete removes the job; targets cascade, history keeps job_ref.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	return s.update(ctx, id, "delete", `DELETE FROM scheduled_jobs WHERE id = ?`, id)
}

func (s *JobStore) update(ctx context.Context, id, op, query string, args ...any) error {
	var affected int64
	err := s.pool.WithTx(ctx, func(q db.Querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to %s scheduled job: %w", op, err)
	}
	if affected == 0 {
		return errors.NewNotFoundError("scheduled job not found: %s", id)
	}
	return nil
}

func (s *JobStore) query(ctx context.Context, query string, args ...any) ([]*Job, error) {
	var jobs []*Job
	err := s.pool.WithConn(ctx, func(q db.Querier) error {
		jobs = jobs[:0]
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	return jobs, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var scheduleType, createdAt, updatedAt string
	var campaignID, mediaURL, days, date sql.NullString
	var nextRunAt, occurrenceAt, lastRunAt sql.NullString

	err := row.Scan(
		&job.ID,
		&campaignID,
		&job.MessageText,
		&job.MessageKind,
		&mediaURL,
		&scheduleType,
		&job.TimeOfDay,
		&days,
		&date,
		&job.Active,
		&nextRunAt,
		&occurrenceAt,
		&lastRunAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.ScheduleType = recurrence.Kind(scheduleType)
	job.CampaignID = campaignID.String
	job.MediaURL = mediaURL.String
	job.Date = date.String
	if job.Weekdays, err = decodeWeekdays(days); err != nil {
		return nil, errors.Wrapf(err, "job %s", job.ID)
	}

	// A parse failure here means data corruption or a schema mismatch.
	if job.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for job %s: %w", job.ID, err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for job %s: %w", job.ID, err)
	}
	if job.NextRunAt, err = parseNullTime(nextRunAt); err != nil {
		return nil, fmt.Errorf("failed to parse next_run_at for job %s: %w", job.ID, err)
	}
	if job.OccurrenceAt, err = parseNullTime(occurrenceAt); err != nil {
		return nil, fmt.Errorf("failed to parse occurrence_at for job %s: %w", job.ID, err)
	}
	if job.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return nil, fmt.Errorf("failed to parse last_run_at for job %s: %w", job.ID, err)
	}
	return &job, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Weekdays are stored as a JSON array of names, e.g. ["monday","wednesday"].
func encodeWeekdays(days []string) (interface{}, error) {
	if len(days) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(days)
	if err != nil {
		return nil, errors.Wrap(err, "encode weekdays")
	}
	return string(b), nil
}

func decodeWeekdays(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var days []string
	if err := json.Unmarshal([]byte(s.String), &days); err != nil {
		return nil, errors.Wrap(err, "decode weekdays")
	}
	return days, nil
}
