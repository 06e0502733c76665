package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/groupcast/db"
)

// TargetStore is the SQLite implementation of Targets.
type TargetStore struct {
	pool *db.Pool
}

// NewTargetStore creates a target store on pool.
func NewTargetStore(pool *db.Pool) *TargetStore {
	return &TargetStore{pool: pool}
}

// Replace deletes the job's targets and inserts the given list in one transaction.
func (s *TargetStore) Replace(ctx context.Context, jobID string, targets []Target) error {
	err := s.pool.WithTx(ctx, func(q db.Querier) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM job_targets WHERE job_id = ?`, jobID); err != nil {
			return err
		}
		for i, t := range targets {
			_, err := q.ExecContext(ctx, `INSERT INTO job_targets
				(job_id, group_id, group_name, channel_id, position, last_sent_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				jobID, t.GroupID, t.GroupName, t.ChannelID, i, nil)
			if err != nil {
				return fmt.Errorf("insert target %s: %w", t.GroupID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace targets for job %s: %w", jobID, err)
	}
	return nil
}

// List returns the job's targets in insertion order.
func (s *TargetStore) List(ctx context.Context, jobID string) ([]Target, error) {
	var targets []Target
	err := s.pool.WithConn(ctx, func(q db.Querier) error {
		targets = targets[:0]
		rows, err := q.QueryContext(ctx, `SELECT job_id, group_id, group_name, channel_id, position, last_sent_at
			FROM job_targets WHERE job_id = ? ORDER BY position ASC, group_id ASC`, jobID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var t Target
			var lastSent sql.NullString
			if err := rows.Scan(&t.JobID, &t.GroupID, &t.GroupName, &t.ChannelID, &t.Position, &lastSent); err != nil {
				return err
			}
			if t.LastSentAt, err = parseNullTime(lastSent); err != nil {
				return fmt.Errorf("failed to parse last_sent_at for target %s: %w", t.GroupID, err)
			}
			targets = append(targets, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list targets for job %s: %w", jobID, err)
	}
	return targets, nil
}

// MarkSent records that the target was delivered at at. Missing rows are
// ignored: the job may have been edited or deleted mid-dispatch.
func (s *TargetStore) MarkSent(ctx context.Context, jobID, groupID string, at time.Time) error {
	err := s.pool.WithTx(ctx, func(q db.Querier) error {
		_, err := q.ExecContext(ctx, `UPDATE job_targets SET last_sent_at = ? WHERE job_id = ? AND group_id = ?`,
			formatTime(at), jobID, groupID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark target %s sent: %w", groupID, err)
	}
	return nil
}
