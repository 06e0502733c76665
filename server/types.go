package server

import (
	"time"

	"github.com/teranos/groupcast/internal/util"
	"github.com/teranos/groupcast/pulse/schedule"
)

// JobResponse is a scheduled job on the wire.
type JobResponse struct {
	ID           string           `json:"id"`
	CampaignID   string           `json:"campaign_id,omitempty"`
	MessageText  string           `json:"message_text"`
	MessageType  string           `json:"message_type"`
	MediaURL     string           `json:"media_url,omitempty"`
	ScheduleType string           `json:"schedule_type"`
	ScheduleTime string           `json:"schedule_time"`
	ScheduleDays []string         `json:"schedule_days,omitempty"`
	ScheduleDate string           `json:"schedule_date,omitempty"`
	IsActive     bool             `json:"is_active"`
	NextRunAt    *string          `json:"next_run_at"`
	LastRunAt    *string          `json:"last_run_at"`
	CreatedAt    string           `json:"created_at"`
	UpdatedAt    string           `json:"updated_at"`
	Targets      []TargetResponse `json:"targets,omitempty"`
}

// TargetResponse is one target group of a job.
type TargetResponse struct {
	GroupID    string  `json:"group_id"`
	GroupName  string  `json:"group_name,omitempty"`
	ChannelID  string  `json:"channel_id"`
	LastSentAt *string `json:"last_sent_at,omitempty"`
}

// ListJobsResponse is the body of GET /api/jobs.
type ListJobsResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

// CreateJobResponse is the body of POST /api/jobs.
type CreateJobResponse struct {
	ID string `json:"id"`
}

// UpdateJobRequest is the body of PATCH /api/jobs/{id}.
type UpdateJobRequest struct {
	Active *bool `json:"active"`
}

// DispatchRecordResponse is one delivery attempt on the wire.
type DispatchRecordResponse struct {
	ID           string `json:"id"`
	JobID        string `json:"job_id"`
	CampaignID   string `json:"campaign_id,omitempty"`
	GroupID      string `json:"group_id"`
	GroupName    string `json:"group_name,omitempty"`
	ChannelID    string `json:"channel_id"`
	Status       string `json:"status"`
	ErrorClass   string `json:"error_class,omitempty"`
	Error        string `json:"error,omitempty"`
	Attempts     int    `json:"attempts"`
	DispatchedAt string `json:"dispatched_at"`
}

// HistoryResponse is the body of the history endpoints.
type HistoryResponse struct {
	Records []DispatchRecordResponse `json:"records"`
	Count   int                      `json:"count"`
}

func formatPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	return util.Ptr(t.UTC().Format(time.RFC3339))
}

func toJobResponse(job *schedule.Job, targets []schedule.Target) JobResponse {
	resp := JobResponse{
		ID:           job.ID,
		CampaignID:   job.CampaignID,
		MessageText:  job.MessageText,
		MessageType:  job.MessageKind,
		MediaURL:     job.MediaURL,
		ScheduleType: string(job.ScheduleType),
		ScheduleTime: job.TimeOfDay,
		ScheduleDays: job.Weekdays,
		ScheduleDate: job.Date,
		IsActive:     job.Active,
		NextRunAt:    formatPtr(job.NextRunAt),
		LastRunAt:    formatPtr(job.LastRunAt),
		CreatedAt:    job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, t := range targets {
		resp.Targets = append(resp.Targets, TargetResponse{
			GroupID:    t.GroupID,
			GroupName:  t.GroupName,
			ChannelID:  t.ChannelID,
			LastSentAt: formatPtr(t.LastSentAt),
		})
	}
	return resp
}

func toHistoryResponse(recs []schedule.DispatchRecord) HistoryResponse {
	resp := HistoryResponse{Records: make([]DispatchRecordResponse, 0, len(recs)), Count: len(recs)}
	for _, r := range recs {
		resp.Records = append(resp.Records, DispatchRecordResponse{
			ID:           r.ID,
			JobID:        r.JobID,
			CampaignID:   r.CampaignID,
			GroupID:      r.GroupID,
			GroupName:    r.GroupName,
			ChannelID:    r.ChannelID,
			Status:       string(r.Status),
			ErrorClass:   string(r.ErrorClass),
			Error:        r.Error,
			Attempts:     r.Attempts,
			DispatchedAt: r.DispatchedAt.UTC().Format(time.RFC3339),
		})
	}
	return resp
}
