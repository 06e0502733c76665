package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/groupcast/db"
	"github.com/teranos/groupcast/gateway"
	"github.com/teranos/groupcast/internal/util"
)

// DefaultHistoryLimit caps history listings when no limit is given.
const DefaultHistoryLimit = 100

// HistoryStore is the SQLite implementation of History.
type HistoryStore struct {
	pool *db.Pool
}

// NewHistoryStore creates a history store on pool.
func NewHistoryStore(pool *db.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

const historyColumns = `id, job_ref, campaign_id, group_id, group_name, channel_id,
	status, error_class, error_message, attempts, dispatched_at`

// Append inserts rec. Records are never updated afterwards.
func (s *HistoryStore) Append(ctx context.Context, rec *DispatchRecord) error {
	err := s.pool.WithTx(ctx, func(q db.Querier) error {
		// job_id is only set while the job exists; deleted jobs keep job_ref.
		_, err := q.ExecContext(ctx, `INSERT INTO dispatch_history (
				id, job_id, job_ref, campaign_id, group_id, group_name, channel_id,
				status, error_class, error_message, attempts, dispatched_at
			) VALUES (?, (SELECT id FROM scheduled_jobs WHERE id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID,
			rec.JobID,
			rec.JobID,
			util.NullIfEmpty(rec.CampaignID),
			rec.GroupID,
			rec.GroupName,
			rec.ChannelID,
			string(rec.Status),
			util.NullIfEmpty(string(rec.ErrorClass)),
			util.NullIfEmpty(rec.Error),
			rec.Attempts,
			formatTime(rec.DispatchedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to append dispatch record: %w", err)
	}
	return nil
}

// ListByJob returns the job's records, newest first.
func (s *HistoryStore) ListByJob(ctx context.Context, jobID string, limit int) ([]DispatchRecord, error) {
	recs, err := s.list(ctx, `job_ref = ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history for job %s: %w", jobID, err)
	}
	return recs, nil
}

// ListByCampaign returns the campaign's records across all its jobs, newest first.
func (s *HistoryStore) ListByCampaign(ctx context.Context, campaignID string, limit int) ([]DispatchRecord, error) {
	recs, err := s.list(ctx, `campaign_id = ?`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history for campaign %s: %w", campaignID, err)
	}
	return recs, nil
}

// DeleteByJob removes all records of a job.
func (s *HistoryStore) DeleteByJob(ctx context.Context, jobID string) (int64, error) {
	return s.delete(ctx, `DELETE FROM dispatch_history WHERE job_ref = ?`, jobID)
}

// PruneBefore removes records dispatched before cutoff.
func (s *HistoryStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.delete(ctx, `DELETE FROM dispatch_history WHERE dispatched_at < ?`, formatTime(cutoff))
}

func (s *HistoryStore) delete(ctx context.Context, query string, arg any) (int64, error) {
	var n int64
	err := s.pool.WithTx(ctx, func(q db.Querier) error {
		res, err := q.ExecContext(ctx, query, arg)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete dispatch history: %w", err)
	}
	return n, nil
}

func (s *HistoryStore) list(ctx context.Context, where string, arg any, limit int) ([]DispatchRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var recs []DispatchRecord
	err := s.pool.WithConn(ctx, func(q db.Querier) error {
		recs = recs[:0]
		// rowid breaks ties between records written in the same second
		rows, err := q.QueryContext(ctx, `SELECT `+historyColumns+` FROM dispatch_history
			WHERE `+where+` ORDER BY dispatched_at DESC, rowid DESC LIMIT ?`, arg, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r DispatchRecord
			var status, dispatchedAt string
			var campaignID, errClass, errMsg sql.NullString
			if err := rows.Scan(&r.ID, &r.JobID, &campaignID, &r.GroupID, &r.GroupName, &r.ChannelID,
				&status, &errClass, &errMsg, &r.Attempts, &dispatchedAt); err != nil {
				return err
			}
			r.CampaignID = campaignID.String
			r.Status = DispatchStatus(status)
			r.ErrorClass = gateway.Class(errClass.String)
			r.Error = errMsg.String
			if r.DispatchedAt, err = time.Parse(time.RFC3339, dispatchedAt); err != nil {
				return fmt.Errorf("failed to parse dispatched_at for record %s: %w", r.ID, err)
			}
			recs = append(recs, r)
		}
		return rows.Err()
	})
	return recs, err
}
