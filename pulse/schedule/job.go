// Package schedule persists scheduled broadcasts and dispatches them through
// the messaging gateway when they fall due.
package schedule

import (
	"time"

	"github.com/teranos/groupcast/gateway"
	"github.com/teranos/groupcast/pulse/recurrence"
)

// Message kinds accepted by the gateway.
const (
	KindText     = "text"
	KindImage    = "image"
	KindAudio    = "audio"
	KindVideo    = "video"
	KindDocument = "document"
)

// Job is one scheduled broadcast.
type Job struct {
	ID         string
	CampaignID string

	MessageText string
	MessageKind string
	MediaURL    string

	ScheduleType recurrence.Kind
	TimeOfDay    string   // "HH:MM" in the configured timezone
	Date         string   // "YYYY-MM-DD", once jobs only
	Weekdays     []string // lowercase English names, weekly jobs only

	Active    bool
	NextRunAt *time.Time // nil when inactive
	// OccurrenceAt is the slot being served. A short retry moves NextRunAt
	// but keeps OccurrenceAt, so targets already sent for it are skipped.
	OccurrenceAt *time.Time
	LastRunAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recurrence parses the stored schedule.
func (j *Job) Recurrence() (recurrence.Spec, error) {
	return recurrence.ParseSpec(string(j.ScheduleType), j.TimeOfDay, j.Date, j.Weekdays)
}

// Message is the gateway payload for this job.
func (j *Job) Message() gateway.Message {
	return gateway.Message{Text: j.MessageText, Kind: j.MessageKind, MediaURL: j.MediaURL}
}

// Target is one chat group a job delivers to.
type Target struct {
	JobID      string
	GroupID    string
	GroupName  string
	ChannelID  string
	Position   int
	LastSentAt *time.Time
}

// SentFor reports whether the target was already delivered for occurrence.
func (t Target) SentFor(occurrence *time.Time) bool {
	if t.LastSentAt == nil || occurrence == nil {
		return false
	}
	return !t.LastSentAt.Before(*occurrence)
}

// DispatchStatus is the outcome of one attempt.
type DispatchStatus string

const (
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
	DispatchPending DispatchStatus = "pending"
)

// DispatchRecord is one delivery attempt against one target. Append-only.
type DispatchRecord struct {
	ID           string
	JobID        string
	CampaignID   string
	GroupID      string
	GroupName    string
	ChannelID    string
	Status       DispatchStatus
	ErrorClass   gateway.Class
	Error        string
	Attempts     int
	DispatchedAt time.Time
}

// DueJob is a job selected for dispatch together with its targets.
type DueJob struct {
	Job     *Job
	Targets []Target
}

// Pending returns the targets not yet delivered for the job's current occurrence.
func (d DueJob) Pending() []Target {
	out := make([]Target, 0, len(d.Targets))
	for _, t := range d.Targets {
		if !t.SentFor(d.Job.OccurrenceAt) {
			out = append(out, t)
		}
	}
	return out
}
