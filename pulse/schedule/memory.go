package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teranos/groupcast/errors"
)

// In-memory repositories. They back tests and `dispatch once --dry-run`
// style tooling; semantics match the SQLite stores.

// MemoryJobs implements Jobs.
type MemoryJobs struct {
	mu   sync.Mutex
	jobs map[string]*Job
	seq  map[string]int
	next int

	// onDelete mirrors the target cascade when wired by NewMemoryStore.
	onDelete func(id string)
}

func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{jobs: map[string]*Job{}, seq: map[string]int{}}
}

func cloneJob(j *Job) *Job {
	c := *j
	c.Weekdays = append([]string(nil), j.Weekdays...)
	c.NextRunAt = cloneTime(j.NextRunAt)
	c.OccurrenceAt = cloneTime(j.OccurrenceAt)
	c.LastRunAt = cloneTime(j.LastRunAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC().Truncate(time.Second)
	return &c
}

func (m *MemoryJobs) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return errors.Mark(errors.Newf("scheduled job exists: %s", job.ID), errors.ErrConflict)
	}
	now := time.Now().UTC().Truncate(time.Second)
	job.CreatedAt, job.UpdatedAt = now, now
	m.jobs[job.ID] = cloneJob(job)
	m.next++
	m.seq[job.ID] = m.next
	return nil
}

func (m *MemoryJobs) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("scheduled job not found: %s", id)
	}
	return cloneJob(j), nil
}

func (m *MemoryJobs) sorted(keep func(*Job) bool) []*Job {
	var out []*Job
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return m.seq[out[a].ID] < m.seq[out[b].ID] })
	return out
}

func (m *MemoryJobs) List(_ context.Context, campaignID string) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(j *Job) bool { return campaignID == "" || j.CampaignID == campaignID }), nil
}

func (m *MemoryJobs) ListDue(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := m.sorted(func(j *Job) bool { return j.Active && j.NextRunAt != nil && !j.NextRunAt.After(now) })
	sort.SliceStable(due, func(a, b int) bool { return due[a].NextRunAt.Before(*due[b].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryJobs) Next(_ context.Context) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Job
	for _, j := range m.jobs {
		if j.Active && j.NextRunAt != nil && (best == nil || j.NextRunAt.Before(*best.NextRunAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneJob(best), nil
}

func (m *MemoryJobs) SetActive(_ context.Context, id string, active bool, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return errors.NewNotFoundError("scheduled job not found: %s", id)
	}
	if !active {
		nextRun = nil
	}
	j.Active = active
	j.NextRunAt = cloneTime(nextRun)
	j.OccurrenceAt = cloneTime(nextRun)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryJobs) Advance(_ context.Context, id string, u Advance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		if u.ExpectNextRunAt != nil {
			return ErrJobChanged
		}
		return errors.NewNotFoundError("scheduled job not found: %s", id)
	}
	if u.ExpectNextRunAt != nil &&
		(!j.Active || j.NextRunAt == nil || !j.NextRunAt.Equal(*u.ExpectNextRunAt)) {
		return ErrJobChanged
	}
	j.Active = u.Active
	j.NextRunAt = cloneTime(u.NextRunAt)
	j.OccurrenceAt = cloneTime(u.OccurrenceAt)
	if u.LastRunAt != nil {
		j.LastRunAt = cloneTime(u.LastRunAt)
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryJobs) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return errors.NewNotFoundError("scheduled job not found: %s", id)
	}
	delete(m.jobs, id)
	delete(m.seq, id)
	if m.onDelete != nil {
		m.onDelete(id)
	}
	return nil
}

// MemoryTargets implements Targets.
type MemoryTargets struct {
	mu      sync.Mutex
	targets map[string][]Target
}

func NewMemoryTargets() *MemoryTargets {
	return &MemoryTargets{targets: map[string][]Target{}}
}

func (m *MemoryTargets) Replace(_ context.Context, jobID string, targets []Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Target, len(targets))
	for i, t := range targets {
		t.JobID = jobID
		t.Position = i
		t.LastSentAt = nil
		out[i] = t
	}
	m.targets[jobID] = out
	return nil
}

func (m *MemoryTargets) List(_ context.Context, jobID string) ([]Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Target, len(m.targets[jobID]))
	for i, t := range m.targets[jobID] {
		t.LastSentAt = cloneTime(t.LastSentAt)
		out[i] = t
	}
	return out, nil
}

func (m *MemoryTargets) MarkSent(_ context.Context, jobID, groupID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.targets[jobID] {
		if m.targets[jobID][i].GroupID == groupID {
			m.targets[jobID][i].LastSentAt = cloneTime(&at)
		}
	}
	return nil
}

// Forget drops a job's targets, mirroring ON DELETE CASCADE.
func (m *MemoryTargets) Forget(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, jobID)
}

// MemoryHistory implements History.
type MemoryHistory struct {
	mu      sync.Mutex
	records []DispatchRecord
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (m *MemoryHistory) Append(_ context.Context, rec *DispatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *rec
	r.DispatchedAt = r.DispatchedAt.UTC().Truncate(time.Second)
	m.records = append(m.records, r)
	return nil
}

func (m *MemoryHistory) newestFirst(keep func(DispatchRecord) bool, limit int) []DispatchRecord {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var out []DispatchRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(m.records[i]) {
			out = append(out, m.records[i])
		}
	}
	return out
}

func (m *MemoryHistory) ListByJob(_ context.Context, jobID string, limit int) ([]DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newestFirst(func(r DispatchRecord) bool { return r.JobID == jobID }, limit), nil
}

func (m *MemoryHistory) ListByCampaign(_ context.Context, campaignID string, limit int) ([]DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newestFirst(func(r DispatchRecord) bool { return r.CampaignID == campaignID }, limit), nil
}

func (m *MemoryHistory) remove(drop func(DispatchRecord) bool) int64 {
	kept := m.records[:0]
	var n int64
	for _, r := range m.records {
		if drop(r) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return n
}

func (m *MemoryHistory) DeleteByJob(_ context.Context, jobID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove(func(r DispatchRecord) bool { return r.JobID == jobID }), nil
}

func (m *MemoryHistory) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove(func(r DispatchRecord) bool { return r.DispatchedAt.Before(cutoff) }), nil
}

// All returns every record in append order.
func (m *MemoryHistory) All() []DispatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DispatchRecord(nil), m.records...)
}
