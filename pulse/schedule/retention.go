package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/logger"
)

// Retention prunes dispatch history older than a fixed age on a cron schedule.
type Retention struct {
	history History
	maxAge  time.Duration
	spec    string
	cron    *cron.Cron
	metrics *Metrics
	clock   func() time.Time
	logger  *zap.SugaredLogger
}

// NewRetention prunes records older than days on the cron spec (default
// "@daily"). days <= 0 returns nil: retention is disabled.
func NewRetention(history History, days int, spec string, metrics *Metrics, log *zap.SugaredLogger) (*Retention, error) {
	if days <= 0 {
		return nil, nil
	}
	if spec == "" {
		spec = "@daily"
	}
	if log == nil {
		log = logger.Logger
	}
	r := &Retention{
		history: history,
		maxAge:  time.Duration(days) * 24 * time.Hour,
		spec:    spec,
		cron:    cron.New(),
		metrics: metrics,
		clock:   time.Now,
		logger:  logger.AddPulseCloseSymbol(log),
	}
	if _, err := r.cron.AddFunc(spec, func() { r.Prune(context.Background()) }); err != nil {
		return nil, errors.WithHint(errors.Wrapf(err, "invalid retention cron %q", spec),
			"history.retention_cron takes a 5-field cron expression or a descriptor like @daily")
	}
	return r, nil
}

// Prune deletes expired records now and returns how many were removed.
func (r *Retention) Prune(ctx context.Context) int64 {
	cutoff := r.clock().Add(-r.maxAge)
	n, err := r.history.PruneBefore(ctx, cutoff)
	if err != nil {
		r.logger.Warnw("History retention failed", logger.FieldError, err)
		return 0
	}
	r.metrics.RecordPruned(n)
	if n > 0 {
		r.logger.Infow("Pruned dispatch history", logger.FieldCount, n, "before", cutoff.UTC().Format(time.RFC3339))
	}
	return n
}

// Start runs the cron scheduler in the background. Nil-safe.
func (r *Retention) Start() {
	if r == nil {
		return
	}
	r.cron.Start()
	r.logger.Infow("History retention started", "schedule", r.spec, "max_age", r.maxAge)
}

// Stop halts the scheduler and waits for a running prune to finish.
func (r *Retention) Stop() {
	if r == nil {
		return
	}
	<-r.cron.Stop().Done()
}
