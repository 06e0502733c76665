package schedule

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/logger"
	"github.com/teranos/groupcast/pulse/recurrence"
)

// JobSpec is a job definition submitted by a collaborator.
type JobSpec struct {
	CampaignID   string       `json:"campaign_id,omitempty" toml:"campaign_id"`
	MessageText  string       `json:"message_text" toml:"message_text"`
	MessageKind  string       `json:"message_type,omitempty" toml:"message_type"`
	MediaURL     string       `json:"media_url,omitempty" toml:"media_url"`
	ScheduleType string       `json:"schedule_type" toml:"schedule_type"`
	Time         string       `json:"schedule_time" toml:"schedule_time"`
	Date         string       `json:"schedule_date,omitempty" toml:"schedule_date"`
	Weekdays     []string     `json:"schedule_days,omitempty" toml:"schedule_days"`
	Targets      []TargetSpec `json:"targets" toml:"targets"`
	// Inactive creates the job paused.
	Inactive bool `json:"inactive,omitempty" toml:"inactive"`
}

// TargetSpec is one group in a JobSpec.
type TargetSpec struct {
	GroupID   string `json:"group_id" toml:"group_id"`
	GroupName string `json:"group_name,omitempty" toml:"group_name"`
	ChannelID string `json:"channel_id" toml:"channel_id"`
}

// HistoryQuery selects history by job or by campaign. JobID wins when both are set.
type HistoryQuery struct {
	JobID      string
	CampaignID string
	Limit      int
}

// JobDetail is a job together with its targets.
type JobDetail struct {
	Job     *Job
	Targets []Target
}

// Service is the collaborator API over the schedule store.
type Service struct {
	store             *Store
	calc              *recurrence.Calculator
	clock             func() time.Time
	deleteHistoryWith bool
	logger            *zap.SugaredLogger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceClock replaces time.Now.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = now }
}

// WithHistoryDeletion makes DeleteJob remove the job's dispatch history too.
func WithHistoryDeletion(enabled bool) ServiceOption {
	return func(s *Service) { s.deleteHistoryWith = enabled }
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(l *zap.SugaredLogger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates the collaborator API.
func NewService(store *Store, calc *recurrence.Calculator, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		calc:   calc,
		clock:  time.Now,
		logger: logger.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.AddPulseOpenSymbol(s.logger)
	return s
}

// Calculator returns the recurrence calculator the service schedules with.
func (s *Service) Calculator() *recurrence.Calculator {
	return s.calc
}

// CreateJob validates spec, computes its first due time and stores it.
// Invalid definitions, including a once date that is not in the future,
// fail with a ValidationError and nothing is stored.
func (s *Service) CreateJob(ctx context.Context, spec JobSpec) (string, error) {
	if err := validateMessage(&spec); err != nil {
		return "", err
	}
	rec, err := recurrence.ParseSpec(spec.ScheduleType, spec.Time, spec.Date, spec.Weekdays)
	if err != nil {
		return "", err
	}
	targets, err := validateTargets(spec.Targets)
	if err != nil {
		return "", err
	}
	next, err := s.calc.ComputeNextRun(rec, s.clock())
	if err != nil {
		return "", err
	}

	job := &Job{
		ID:           uuid.NewString(),
		CampaignID:   strings.TrimSpace(spec.CampaignID),
		MessageText:  spec.MessageText,
		MessageKind:  spec.MessageKind,
		MediaURL:     spec.MediaURL,
		ScheduleType: rec.Kind,
		TimeOfDay:    rec.TimeOfDay.String(),
		Active:       !spec.Inactive,
	}
	if rec.Kind == recurrence.Once {
		job.Date = rec.Date.String()
	} else {
		for _, wd := range rec.Weekdays {
			job.Weekdays = append(job.Weekdays, recurrence.WeekdayName(wd))
		}
	}
	if job.Active {
		job.NextRunAt = &next
		job.OccurrenceAt = &next
	}

	if err := s.store.Jobs.Create(ctx, job); err != nil {
		return "", err
	}
	if err := s.store.Targets.Replace(ctx, job.ID, targets); err != nil {
		if delErr := s.store.Jobs.Delete(ctx, job.ID); delErr != nil {
			err = errors.WithSecondaryError(err, delErr)
		}
		return "", err
	}

	s.logger.Infow("Scheduled job created",
		logger.FieldJobID, job.ID,
		logger.FieldCampaignID, job.CampaignID,
		"schedule_type", string(job.ScheduleType),
		logger.FieldCount, len(targets),
		logger.FieldNextRunAt, next.Format(time.RFC3339))
	return job.ID, nil
}

// GetJob returns a job and its targets.
func (s *Service) GetJob(ctx context.Context, id string) (*JobDetail, error) {
	job, err := s.store.Jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	targets, err := s.store.Targets.List(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobDetail{Job: job, Targets: targets}, nil
}

// ListJobs returns all jobs, or a campaign's jobs when campaignID is set.
func (s *Service) ListJobs(ctx context.Context, campaignID string) ([]*Job, error) {
	return s.store.Jobs.List(ctx, strings.TrimSpace(campaignID))
}

// SetActive pauses or resumes a job. Resuming recomputes next-due from now;
// a once job whose slot has passed cannot be resumed.
func (s *Service) SetActive(ctx context.Context, id string, active bool) error {
	if !active {
		if err := s.store.Jobs.SetActive(ctx, id, false, nil); err != nil {
			return err
		}
		s.logger.Infow("Scheduled job paused", logger.FieldJobID, id)
		return nil
	}

	job, err := s.store.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	spec, err := job.Recurrence()
	if err != nil {
		return err
	}
	next, err := s.calc.ComputeNextRun(spec, s.clock())
	if err != nil {
		return err
	}
	if err := s.store.Jobs.SetActive(ctx, id, true, &next); err != nil {
		return err
	}
	s.logger.Infow("Scheduled job resumed", logger.FieldJobID, id, logger.FieldNextRunAt, next.Format(time.RFC3339))
	return nil
}

// DeleteJob removes a job and its targets. History is kept for audit unless
// the service was built WithHistoryDeletion.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	if err := s.store.Jobs.Delete(ctx, id); err != nil {
		return err
	}
	if s.deleteHistoryWith {
		n, err := s.store.History.DeleteByJob(ctx, id)
		if err != nil {
			return errors.Wrap(err, "job deleted but history was not")
		}
		s.logger.Infow("Scheduled job history deleted", logger.FieldJobID, id, logger.FieldCount, n)
	}
	s.logger.Infow("Scheduled job deleted", logger.FieldJobID, id)
	return nil
}

// ListHistory returns dispatch records, newest first.
func (s *Service) ListHistory(ctx context.Context, q HistoryQuery) ([]DispatchRecord, error) {
	switch {
	case q.JobID != "":
		return s.store.History.ListByJob(ctx, q.JobID, q.Limit)
	case q.CampaignID != "":
		return s.store.History.ListByCampaign(ctx, q.CampaignID, q.Limit)
	}
	return nil, recurrence.Invalid("query", "job id or campaign id is required")
}
