package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/gateway"
	"github.com/teranos/groupcast/logger"
	"github.com/teranos/groupcast/pulse/recurrence"
)

// Deliverer performs one delivery to one group. *gateway.Client implements it.
type Deliverer interface {
	Deliver(ctx context.Context, channelID, to string, msg gateway.Message) gateway.Result
}

// Outcome is a job's aggregated result for one cycle.
type Outcome string

const (
	// OutcomeSent: every pending target was delivered.
	OutcomeSent Outcome = "sent"
	// OutcomeTerminal: at least one target failed terminally, none transiently.
	OutcomeTerminal Outcome = "terminal"
	// OutcomeRetry: at least one target failed transiently or for an unknown reason.
	OutcomeRetry Outcome = "retry"
	// OutcomeError: the job could not be processed (store error, panic, bad schedule).
	OutcomeError Outcome = "error"
)

// DispatcherConfig contains configuration for the dispatcher.
type DispatcherConfig struct {
	Interval        time.Duration // poll interval (default: 30s)
	RetryDelay      time.Duration // next-due offset after a transient failure (default: 5m)
	MaxErrorBackoff time.Duration // cap on the pause after failed scans (default: 5m)
	BatchSize       int           // due jobs per cycle (default: 100)
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Interval:        30 * time.Second,
		RetryDelay:      5 * time.Minute,
		MaxErrorBackoff: 5 * time.Minute,
		BatchSize:       DefaultDueBatch,
	}
}

// CycleSummary counts what one cycle did.
type CycleSummary struct {
	Due      int
	Sent     int
	Terminal int
	Retry    int
	Errors   int
}

// Dispatcher polls for due jobs and drives them through the gateway.
// One loop, jobs processed sequentially.
type Dispatcher struct {
	store    *Store
	gateway  Deliverer
	calc     *recurrence.Calculator
	metrics  *Metrics
	interval time.Duration
	maxPause time.Duration
	batch    int
	clock    func() time.Time

	retryDelay atomic.Int64 // time.Duration, hot-reloadable

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pulseLog *zap.SugaredLogger

	mu               sync.Mutex
	lastTickAt       time.Time
	ticksSinceStart  int64
	failedScans      int
	resumeAt         time.Time
	lastNextRunLogAt *time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMetrics records per-outcome counters.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.clock = now }
}

// NewDispatcher creates a dispatcher bound to the background context.
func NewDispatcher(store *Store, gw Deliverer, calc *recurrence.Calculator, cfg DispatcherConfig, log *zap.SugaredLogger, opts ...DispatcherOption) *Dispatcher {
	return NewDispatcherWithContext(context.Background(), store, gw, calc, cfg, log, opts...)
}

// NewDispatcherWithContext creates a dispatcher whose loop stops when ctx is done.
func NewDispatcherWithContext(ctx context.Context, store *Store, gw Deliverer, calc *recurrence.Calculator, cfg DispatcherConfig, log *zap.SugaredLogger, opts ...DispatcherOption) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxErrorBackoff <= 0 {
		cfg.MaxErrorBackoff = def.MaxErrorBackoff
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if log == nil {
		log = logger.Logger
	}

	dctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		store:    store,
		gateway:  gw,
		calc:     calc,
		interval: cfg.Interval,
		maxPause: cfg.MaxErrorBackoff,
		batch:    cfg.BatchSize,
		clock:    time.Now,
		ctx:      dctx,
		cancel:   cancel,
		pulseLog: logger.AddPulseSymbol(log),
	}
	d.retryDelay.Store(int64(cfg.RetryDelay))
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetRetryDelay changes the near-term retry offset. Used by config reload.
func (d *Dispatcher) SetRetryDelay(delay time.Duration) {
	if delay > 0 {
		d.retryDelay.Store(int64(delay))
	}
}

// RetryDelay returns the current near-term retry offset.
func (d *Dispatcher) RetryDelay() time.Duration {
	return time.Duration(d.retryDelay.Load())
}

// Start begins the poll loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
	d.pulseLog.Infow("Dispatcher started", "interval", d.interval)
}

// Stop cancels the loop and waits for the current cycle to return.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	d.pulseLog.Infow("Dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.tickSafe(d.clock())
		}
	}
}

// tickSafe runs one tick; a panic is logged and counted as a failed scan so
// the loop keeps polling.
func (d *Dispatcher) tickSafe(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			pause := d.scanFailed(now)
			d.pulseLog.Errorw("Dispatch tick panicked",
				logger.FieldError, fmt.Sprint(r),
				"pause", pause)
		}
	}()
	d.tick(now)
}

func (d *Dispatcher) tick(now time.Time) {
	d.mu.Lock()
	d.lastTickAt = now
	d.ticksSinceStart++
	paused := now.Before(d.resumeAt)
	tick := d.ticksSinceStart
	d.mu.Unlock()

	if paused {
		return
	}

	d.logNextJobInfo(now)

	if _, err := d.RunOnce(d.ctx, now); err != nil {
		if d.ctx.Err() != nil {
			return
		}
		pause := d.scanFailed(now)
		d.pulseLog.Warnw("Dispatch cycle failed",
			logger.FieldError, err,
			"tick", tick,
			"pause", pause)
	}
}

// scanFailed records a failed scan and returns the pause before the next one,
// doubling from the poll interval up to maxPause.
func (d *Dispatcher) scanFailed(now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failedScans++
	pause := d.interval
	for i := 1; i < d.failedScans && pause < d.maxPause; i++ {
		pause *= 2
	}
	if pause > d.maxPause {
		pause = d.maxPause
	}
	// The ticker already waits one interval.
	d.resumeAt = now.Add(pause - d.interval)
	return pause
}

// logNextJobInfo logs the next due job when it changes.
func (d *Dispatcher) logNextJobInfo(now time.Time) {
	next, err := d.store.Jobs.Next(d.ctx)
	if err != nil {
		d.pulseLog.Debugw("Failed to get next scheduled job", logger.FieldError, err)
		return
	}

	d.mu.Lock()
	var at *time.Time
	if next != nil {
		at = next.NextRunAt
	}
	changed := (at == nil) != (d.lastNextRunLogAt == nil) ||
		(at != nil && !at.Equal(*d.lastNextRunLogAt))
	d.lastNextRunLogAt = at
	d.mu.Unlock()

	if !changed {
		return
	}
	if at == nil {
		d.pulseLog.Infow("No scheduled broadcasts")
		return
	}
	until := at.Sub(now)
	if until < 0 {
		until = 0
	}
	d.pulseLog.Infow(fmt.Sprintf("Next broadcast in %s", until.Round(time.Second)),
		logger.FieldJobID, next.ID,
		logger.FieldNextRunAt, at.Format(time.RFC3339))
}

// RunOnce runs a single cycle at now: scan, then process each due job.
// The returned error is a scan failure; per-job failures are logged and
// counted in the summary, never returned.
func (d *Dispatcher) RunOnce(ctx context.Context, now time.Time) (CycleSummary, error) {
	start := time.Now()
	var sum CycleSummary

	due, err := d.store.ListDueJobs(ctx, now, d.batch)
	if err != nil {
		d.metrics.RecordCycle(0, time.Since(start), err)
		return sum, errors.Wrap(err, "failed to list due jobs")
	}

	d.mu.Lock()
	d.failedScans = 0
	d.resumeAt = time.Time{}
	d.mu.Unlock()

	sum.Due = len(due)
	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		outcome, err := d.processJobSafe(ctx, job, now)
		if err != nil {
			outcome = OutcomeError
			d.pulseLog.Errorw("Failed to dispatch scheduled job",
				logger.FieldJobID, job.Job.ID,
				logger.FieldError, err)
		}
		d.metrics.RecordJobOutcome(outcome)
		switch outcome {
		case OutcomeSent:
			sum.Sent++
		case OutcomeTerminal:
			sum.Terminal++
		case OutcomeRetry:
			sum.Retry++
		default:
			sum.Errors++
		}
	}

	d.metrics.RecordCycle(sum.Due, time.Since(start), nil)
	if sum.Due > 0 {
		d.pulseLog.Infow("Dispatch cycle complete",
			"due", sum.Due, "sent", sum.Sent, "terminal", sum.Terminal,
			"retry", sum.Retry, "errors", sum.Errors,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	}
	return sum, nil
}

func (d *Dispatcher) processJobSafe(ctx context.Context, due DueJob, now time.Time) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeError
			err = errors.Newf("panic dispatching job %s: %v", due.Job.ID, r)
		}
	}()
	return d.processJob(ctx, due, now)
}

// processJob delivers to every target still pending for the job's current
// occurrence, records one history entry per attempt, then updates the job.
func (d *Dispatcher) processJob(ctx context.Context, due DueJob, now time.Time) (Outcome, error) {
	job := due.Job
	log := d.pulseLog.With(logger.FieldJobID, job.ID, logger.FieldCampaignID, job.CampaignID)

	spec, specErr := job.Recurrence()

	pending := due.Pending()
	if len(due.Targets) == 0 {
		log.Warnw("Scheduled job has no targets")
	}

	var sent, terminal, retry int
	msg := job.Message()
	for _, target := range pending {
		if ctx.Err() != nil {
			return OutcomeError, ctx.Err()
		}
		res := d.gateway.Deliver(ctx, target.ChannelID, target.GroupID, msg)
		d.metrics.RecordAttempt(res)

		if _, err := d.store.CreateTargetHistoryEntry(ctx, job, target, res, d.clock()); err != nil {
			// Delivery already happened; keep going so the job state still advances.
			log.Errorw("Failed to record dispatch",
				logger.FieldGroupID, target.GroupID,
				logger.FieldStatus, string(res.Status),
				logger.FieldError, err)
		}

		switch {
		case res.Sent():
			sent++
		case res.Class == gateway.ClassTerminal:
			terminal++
			log.Warnw("Terminal delivery failure",
				logger.FieldGroupID, target.GroupID,
				logger.FieldChannelID, target.ChannelID,
				logger.FieldError, res.Error)
		default:
			retry++
			log.Infow("Delivery failed, will retry",
				logger.FieldGroupID, target.GroupID,
				logger.FieldErrorClass, string(res.Class),
				logger.FieldError, res.Error)
		}
	}

	finished := d.clock()

	if retry > 0 {
		retryAt := now.Add(d.RetryDelay())
		if err := d.store.RescheduleRetry(ctx, job, retryAt, finished); errors.Is(err, ErrJobChanged) {
			logJobChanged(log)
			return OutcomeRetry, nil
		} else if err != nil {
			return OutcomeError, errors.Wrap(err, "failed to reschedule retry")
		}
		log.Infow("Broadcast rescheduled for retry",
			"sent", sent, "terminal", terminal, "retry", retry,
			logger.FieldNextRunAt, retryAt.Format(time.RFC3339))
		return OutcomeRetry, nil
	}

	outcome := OutcomeSent
	if terminal > 0 {
		outcome = OutcomeTerminal
	}

	if specErr != nil {
		// Unparseable schedules are deactivated so they stop coming due.
		if err := d.store.AdvanceOrDeactivate(ctx, job, nil, false, finished); err != nil && !errors.Is(err, ErrJobChanged) {
			return OutcomeError, errors.Wrap(err, "failed to deactivate job")
		}
		return OutcomeError, errors.Wrap(specErr, "invalid stored schedule, job deactivated")
	}

	// Terminal failures on once jobs deactivate, same as success: the slot
	// has passed and a retry would not help.
	if spec.Kind == recurrence.Once {
		if err := d.store.AdvanceOrDeactivate(ctx, job, nil, false, finished); errors.Is(err, ErrJobChanged) {
			logJobChanged(log)
			return outcome, nil
		} else if err != nil {
			return OutcomeError, errors.Wrap(err, "failed to deactivate job")
		}
		log.Infow("One-shot broadcast finished", "outcome", string(outcome), "sent", sent, "terminal", terminal)
		return outcome, nil
	}

	next, err := d.calc.ComputeNextRun(spec, now)
	if err != nil {
		return OutcomeError, errors.Wrap(err, "failed to compute next run")
	}
	if err := d.store.AdvanceOrDeactivate(ctx, job, &next, true, finished); errors.Is(err, ErrJobChanged) {
		logJobChanged(log)
		return outcome, nil
	} else if err != nil {
		return OutcomeError, errors.Wrap(err, "failed to advance job")
	}
	log.Infow("Weekly broadcast advanced",
		"outcome", string(outcome), "sent", sent, "terminal", terminal,
		logger.FieldNextRunAt, next.Format(time.RFC3339))
	return outcome, nil
}

// logJobChanged notes that a pause, resume or delete landed while the job's
// deliveries were in flight. The newer state wins.
func logJobChanged(log *zap.SugaredLogger) {
	log.Infow("Scheduled job changed during dispatch, keeping its current state")
}
