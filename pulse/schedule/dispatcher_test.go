package schedule

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/groupcast/db"
	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/gateway"
	"github.com/teranos/groupcast/internal/backoff"
)

// testClock is a settable clock shared by the service and dispatcher.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type dispatchFixture struct {
	store *Store
	svc   *Service
	gw    *ScriptedGateway
	d     *Dispatcher
	clock *testClock
}

func newDispatchFixture(t *testing.T, now time.Time) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		store: NewMemoryStore(),
		gw:    NewScriptedGateway(),
		clock: &testClock{now: now},
	}
	calc := testCalc(t)
	f.svc = NewService(f.store, calc, WithServiceClock(f.clock.Now))
	f.d = NewDispatcher(f.store, f.gw, calc, DefaultDispatcherConfig(), zaptest.NewLogger(t).Sugar(), WithClock(f.clock.Now))
	return f
}

// run advances the clock to at and runs one cycle.
func (f *dispatchFixture) run(t *testing.T, at time.Time) CycleSummary {
	t.Helper()
	f.clock.Set(at)
	sum, err := f.d.RunOnce(context.Background(), at)
	require.NoError(t, err)
	return sum
}

func (f *dispatchFixture) job(t *testing.T, id string) *Job {
	t.Helper()
	job, err := f.store.Jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *dispatchFixture) history(t *testing.T, id string) []DispatchRecord {
	t.Helper()
	recs, err := f.store.History.ListByJob(context.Background(), id, 0)
	require.NoError(t, err)
	return recs
}

func byGroup(recs []DispatchRecord, groupID string) []DispatchRecord {
	var out []DispatchRecord
	for _, r := range recs {
		if r.GroupID == groupID {
			out = append(out, r)
		}
	}
	return out
}

func TestOnceJobSentAndDeactivated(t *testing.T) {
	now := tuesday10(t)
	f := newDispatchFixture(t, now)
	ctx := context.Background()

	id, err := f.svc.CreateJob(ctx, onceSpec("2026-03-03", "11:00"))
	require.NoError(t, err)

	// Not due yet.
	sum := f.run(t, now.Add(30*time.Minute))
	assert.Equal(t, 0, sum.Due)
	assert.Equal(t, 0, f.gw.CallCount())

	at := time.Date(2026, 3, 3, 11, 0, 0, 0, now.Location())
	sum = f.run(t, at)
	assert.Equal(t, CycleSummary{Due: 1, Sent: 1}, sum)

	recs := f.history(t, id)
	require.Len(t, recs, 1)
	assert.Equal(t, DispatchSent, recs[0].Status)
	assert.Empty(t, recs[0].Error)
	assert.Equal(t, "camp-1", recs[0].CampaignID)

	job := f.job(t, id)
	assert.False(t, job.Active)
	assert.Nil(t, job.NextRunAt)
	require.NotNil(t, job.LastRunAt)
	assert.True(t, at.Equal(*job.LastRunAt))

	sum = f.run(t, at.Add(time.Hour))
	assert.Equal(t, 0, sum.Due, "a finished once job never comes due again")
	assert.Equal(t, 1, f.gw.CallCount())
}

func TestNotConnectedIsTerminalForThatGroup(t *testing.T) {
	now := tuesday10(t)
	f := newDispatchFixture(t, now)

	id, err := f.svc.CreateJob(context.Background(), weeklySpec("mon", "wed"))
	require.NoError(t, err)
	f.gw.Script("g1@g.us", Failed(gateway.ClassTerminal, "channel not connected"))

	at := time.Date(2026, 3, 4, 14, 30, 0, 0, now.Location())
	sum := f.run(t, at)
	assert.Equal(t, CycleSummary{Due: 1, Terminal: 1}, sum)

	recs := f.history(t, id)
	require.Len(t, recs, 2)
	failed := byGroup(recs, "g1@g.us")
	require.Len(t, failed, 1)
	assert.Equal(t, DispatchFailed, failed[0].Status)
	assert.Equal(t, "channel not connected", failed[0].Error)
	assert.Equal(t, gateway.ClassTerminal, failed[0].ErrorClass)
	assert.Equal(t, DispatchSent, byGroup(recs, "g2@g.us")[0].Status)

	job := f.job(t, id)
	assert.True(t, job.Active)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, time.Date(2026, 3, 9, 14, 30, 0, 0, now.Location()).Equal(*job.NextRunAt),
		"terminal failure advances to the next occurrence, got %s", job.NextRunAt)

	sum = f.run(t, at.Add(DefaultDispatcherConfig().RetryDelay))
	assert.Equal(t, 0, sum.Due, "no near-term retry after a terminal failure")
}

func TestOnceJobTerminalFailureDeactivates(t *testing.T) {
	now := tuesday10(t)
	f := newDispatchFixture(t, now)

	id, err := f.svc.CreateJob(context.Background(), onceSpec("2026-03-03", "11:00"))
	require.NoError(t, err)
	f.gw.Script("g1@g.us", Failed(gateway.ClassTerminal, "channel not connected"))

	sum := f.run(t, time.Date(2026, 3, 3, 11, 0, 0, 0, now.Location()))
	assert.Equal(t, 1, sum.Terminal)

	job := f.job(t, id)
	assert.False(t, job.Active)
	assert.Nil(t, job.NextRunAt)
}

func TestTransientFailureRetriesOnlyUndeliveredTargets(t *testing.T) {
	now := tuesday10(t)
	f := newDispatchFixture(t, now)

	id, err := f.svc.CreateJob(context.Background(), weeklySpec("mon", "wed"))
	require.NoError(t, err)
	f.gw.Script("g1@g.us", Failed(gateway.ClassTransient, "gateway unhealthy: connection refused"))

	occurrence := time.Date(2026, 3, 4, 14, 30, 0, 0, now.Location())
	sum := f.run(t, occurrence)
	assert.Equal(t, CycleSummary{Due: 1, Retry: 1}, sum)

	job := f.job(t, id)
	assert.True(t, job.Active)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, occurrence.Add(5*time.Minute).Equal(*job.NextRunAt))
	require.NotNil(t, job.OccurrenceAt)
	assert.True(t, occurrence.Equal(*job.OccurrenceAt), "the occurrence is kept across retries")

	sum = f.run(t, occurrence.Add(5*time.Minute))
	assert.Equal(t, CycleSummary{Due: 1, Sent: 1}, sum)

	require.Len(t, f.gw.Calls, 3)
	assert.Equal(t, "g1@g.us", f.gw.Calls[2].GroupID, "g2 was delivered in the first cycle and is skipped")

	recs := f.history(t, id)
	assert.Len(t, byGroup(recs, "g1@g.us"), 2)
	assert.Len(t, byGroup(recs, "g2@g.us"), 1)

	job = f.job(t, id)
	assert.True(t, time.Date(2026, 3, 9, 14, 30, 0, 0, now.Location()).Equal(*job.NextRunAt))
	assert.True(t, job.NextRunAt.Equal(*job.OccurrenceAt))

	// The new occurrence delivers to every target again.
	f.run(t, time.Date(2026, 3, 9, 14, 30, 0, 0, now.Location()))
	assert.Len(t, f.gw.Calls, 5)
}

func TestUnknownOutcomeIsRetried(t *testing.T) {
	now := tuesday10(t)
	f := newDispatchFixture(t, now)

	id, err := f.svc.CreateJob(context.Background(), onceSpec("2026-03-03", "11:00"))
	require.NoError(t, err)
	f.gw.Script("g1@g.us", Failed(gateway.ClassUnknown, "gateway returned 200 without success flag"))

	at := time.Date(2026, 3, 3, 11, 0, 0, 0, now.Location())
	sum := f.run(t, at)
	assert.Equal(t, 1, sum.Retry)

	job := f.job(t, id)
	assert.True(t, job.Active, "a once job stays active while a retry is pending")
	assert.True(t, at.Add(5*time.Minute).Equal(*job.NextRunAt))

	f.d.SetRetryDelay(time.Minute)
	f.gw.Script("g1@g.us", Failed(gateway.ClassTransient, "timeout"))
	f.run(t, at.Add(5*time.Minute))
	job = f.job(t, id)
	assert.True(t, at.Add(6*time.Minute).Equal(*job.NextRunAt))
}

// Two read timeouts then a success through the real client produce
// exactly one sent record.
func TestTimeoutsThenSuccessRecordsOneSent(t *testing.T) {
	now := tuesday10(t)
	f := newDispatchFixture(t, now)

	var sends atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"running"}`))
			return
		}
		if sends.Add(1) <= 2 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}))
	t.Cleanup(srv.Close)

	client, err := gateway.New(gateway.Config{BaseURL: srv.URL, ReadTimeout: 50 * time.Millisecond},
		gateway.WithLogger(zaptest.NewLogger(t).Sugar()),
		gateway.WithRetryPolicy(backoff.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Multiplier:  2,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		}),
	)
	require.NoError(t, err)
	f.d.gateway = client

	id, err := f.svc.CreateJob(context.Background(), onceSpec("2026-03-03", "11:00"))
	require.NoError(t, err)

	sum := f.run(t, time.Date(2026, 3, 3, 11, 0, 0, 0, now.Location()))
	assert.Equal(t, 1, sum.Sent)

	recs := f.history(t, id)
	require.Len(t, recs, 1)
	assert.Equal(t, DispatchSent, recs[0].Status)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.Equal(t, int32(3), sends.Load())
	assert.False(t, f.job(t, id).Active)
}

func TestWeeklyAdvanceStaysOnSchedule(t *testing.T) {
	now := tuesday10(t)
	f := newDispatchFixture(t, now)

	id, err := f.svc.CreateJob(context.Background(), weeklySpec("mon", "wed", "sat"))
	require.NoError(t, err)

	allowed := map[time.Weekday]bool{time.Monday: true, time.Wednesday: true, time.Saturday: true}
	loc := now.Location()
	for i := 0; i < 12; i++ {
		job := f.job(t, id)
		require.NotNil(t, job.NextRunAt)
		due := job.NextRunAt.In(loc)

		f.run(t, due)

		next := f.job(t, id).NextRunAt.In(loc)
		assert.True(t, next.After(due), "iteration %d: %s not after %s", i, next, due)
		assert.True(t, allowed[next.Weekday()], "iteration %d: %s", i, next.Weekday())
		assert.Equal(t, 14, next.Hour())
		assert.Equal(t, 30, next.Minute())
		assert.LessOrEqual(t, next.Sub(due), 7*24*time.Hour+time.Hour)
	}
	assert.Len(t, f.history(t, id), 24, "one record per target per occurrence")
}

// pausingGateway runs onFirst before its first delivery, standing in for an
// operator who pauses the job while it is being sent.
type pausingGateway struct {
	*ScriptedGateway
	once    sync.Once
	onFirst func()
}

func (p *pausingGateway) Deliver(ctx context.Context, channelID, to string, msg gateway.Message) gateway.Result {
	p.once.Do(p.onFirst)
	return p.ScriptedGateway.Deliver(ctx, channelID, to, msg)
}

func TestPauseDuringDeliveryIsKept(t *testing.T) {
	cases := []struct {
		name   string
		script func(*ScriptedGateway)
		want   CycleSummary
	}{
		{"sent", func(*ScriptedGateway) {}, CycleSummary{Due: 1, Sent: 1}},
		{"retry", func(g *ScriptedGateway) {
			g.Script("g1@g.us", Failed(gateway.ClassTransient, "gateway unhealthy: connection refused"))
		}, CycleSummary{Due: 1, Retry: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now := tuesday10(t)
			f := newDispatchFixture(t, now)
			ctx := context.Background()

			id, err := f.svc.CreateJob(ctx, weeklySpec("wed"))
			require.NoError(t, err)
			tc.script(f.gw)
			f.d.gateway = &pausingGateway{ScriptedGateway: f.gw, onFirst: func() {
				require.NoError(t, f.svc.SetActive(ctx, id, false))
			}}

			sum := f.run(t, time.Date(2026, 3, 4, 14, 30, 5, 0, now.Location()))
			assert.Equal(t, tc.want, sum)
			assert.Equal(t, 2, f.gw.CallCount())

			job := f.job(t, id)
			assert.False(t, job.Active, "the pause made during delivery survives")
			assert.Nil(t, job.NextRunAt)
			assert.Len(t, f.history(t, id), 2)

			sum = f.run(t, time.Date(2026, 3, 9, 14, 30, 0, 0, now.Location()))
			assert.Equal(t, 0, sum.Due)
			assert.Equal(t, 2, f.gw.CallCount())
		})
	}
}

// panicky panics for one group and succeeds for the rest.
type panicky struct{ *ScriptedGateway }

func (p panicky) Deliver(ctx context.Context, channelID, to string, msg gateway.Message) gateway.Result {
	if to == "boom" {
		panic("driver exploded")
	}
	return p.ScriptedGateway.Deliver(ctx, channelID, to, msg)
}

func TestPanicInOneJobDoesNotStopTheCycle(t *testing.T) {
	now := tuesday10(t)
	f := newDispatchFixture(t, now)
	f.d.gateway = panicky{f.gw}
	ctx := context.Background()

	bad := onceSpec("2026-03-03", "11:00")
	bad.Targets = []TargetSpec{{GroupID: "boom", ChannelID: "inst-1"}}
	_, err := f.svc.CreateJob(ctx, bad)
	require.NoError(t, err)
	good, err := f.svc.CreateJob(ctx, onceSpec("2026-03-03", "11:00"))
	require.NoError(t, err)

	sum := f.run(t, time.Date(2026, 3, 3, 11, 0, 0, 0, now.Location()))
	assert.Equal(t, 2, sum.Due)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, 1, sum.Sent)
	assert.False(t, f.job(t, good).Active)
}

func TestCorruptScheduleIsDeactivated(t *testing.T) {
	now := tuesday10(t)
	f := newDispatchFixture(t, now)
	ctx := context.Background()

	due := now.Add(-time.Minute)
	job := &Job{
		ID:           "corrupt",
		MessageText:  "hi",
		MessageKind:  KindText,
		ScheduleType: "weekly",
		TimeOfDay:    "14:30",
		Weekdays:     []string{"funday"},
		Active:       true,
		NextRunAt:    &due,
		OccurrenceAt: &due,
	}
	require.NoError(t, f.store.Jobs.Create(ctx, job))
	require.NoError(t, f.store.Targets.Replace(ctx, job.ID, []Target{{GroupID: "g1", ChannelID: "inst-1"}}))

	sum := f.run(t, now)
	assert.Equal(t, 1, sum.Errors)
	assert.False(t, f.job(t, "corrupt").Active)
}

// failingJobs makes the due scan fail.
type failingJobs struct {
	Jobs
	err error
}

func (f failingJobs) ListDue(context.Context, time.Time, int) ([]*Job, error) {
	return nil, f.err
}

func TestScanFailureIsReturned(t *testing.T) {
	now := tuesday10(t)
	f := newDispatchFixture(t, now)
	f.store.Jobs = failingJobs{Jobs: f.store.Jobs, err: errors.Mark(errors.New("store busy after 5 attempts"), db.ErrStoreContention)}

	_, err := f.d.RunOnce(context.Background(), now)
	require.Error(t, err)
	assert.True(t, db.IsStoreContention(err))
	assert.Equal(t, 0, f.gw.CallCount())
}

func TestScanFailurePauseDoubles(t *testing.T) {
	d := NewDispatcher(NewMemoryStore(), NewScriptedGateway(), testCalc(t), DispatcherConfig{
		Interval:        30 * time.Second,
		MaxErrorBackoff: 5 * time.Minute,
	}, zaptest.NewLogger(t).Sugar())
	now := tuesday10(t)

	var pauses []time.Duration
	for i := 0; i < 6; i++ {
		pauses = append(pauses, d.scanFailed(now))
	}
	assert.Equal(t, []time.Duration{
		30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute, 5 * time.Minute,
	}, pauses)
	assert.True(t, now.Add(4*time.Minute+30*time.Second).Equal(d.resumeAt))

	_, err := d.RunOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, d.failedScans, "a successful scan resets the pause")
}

func TestDispatcherLoop(t *testing.T) {
	now := tuesday10(t)
	store := NewMemoryStore()
	gw := NewScriptedGateway()
	calc := testCalc(t)
	svc := NewService(store, calc, WithServiceClock(FixedClock(now)))

	id, err := svc.CreateJob(context.Background(), onceSpec("2026-03-03", "11:00"))
	require.NoError(t, err)

	later := time.Date(2026, 3, 3, 11, 0, 5, 0, now.Location())
	d := NewDispatcher(store, gw, calc, DispatcherConfig{Interval: 10 * time.Millisecond},
		zaptest.NewLogger(t).Sugar(), WithClock(FixedClock(later)))
	d.Start()
	defer d.Stop()

	assert.Eventually(t, func() bool {
		job, err := store.Jobs.Get(context.Background(), id)
		return err == nil && !job.Active
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, gw.CallCount())
}

// panickingJobs panics on the first n lookups of the next due job.
type panickingJobs struct {
	Jobs
	left *atomic.Int32
}

func (p panickingJobs) Next(ctx context.Context) (*Job, error) {
	if p.left.Add(-1) >= 0 {
		panic("nil row in next scan")
	}
	return p.Jobs.Next(ctx)
}

func TestDispatcherLoopSurvivesPanickingTick(t *testing.T) {
	now := tuesday10(t)
	store := NewMemoryStore()
	gw := NewScriptedGateway()
	calc := testCalc(t)
	svc := NewService(store, calc, WithServiceClock(FixedClock(now)))

	id, err := svc.CreateJob(context.Background(), onceSpec("2026-03-03", "11:00"))
	require.NoError(t, err)

	left := &atomic.Int32{}
	left.Store(1)
	store.Jobs = panickingJobs{Jobs: store.Jobs, left: left}

	later := time.Date(2026, 3, 3, 11, 0, 5, 0, now.Location())
	d := NewDispatcher(store, gw, calc, DispatcherConfig{Interval: 10 * time.Millisecond},
		zaptest.NewLogger(t).Sugar(), WithClock(FixedClock(later)))
	d.Start()
	defer d.Stop()

	assert.Eventually(t, func() bool {
		job, err := store.Jobs.Get(context.Background(), id)
		return err == nil && !job.Active
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, gw.CallCount())
}

func TestTickSafeRecordsPanicAsFailedScan(t *testing.T) {
	store := NewMemoryStore()
	left := &atomic.Int32{}
	left.Store(1)
	store.Jobs = panickingJobs{Jobs: store.Jobs, left: left}
	d := NewDispatcher(store, NewScriptedGateway(), testCalc(t), DispatcherConfig{Interval: 30 * time.Second},
		zaptest.NewLogger(t).Sugar())
	now := tuesday10(t)

	assert.NotPanics(t, func() { d.tickSafe(now) })
	assert.Equal(t, 1, d.failedScans)

	d.tickSafe(now)
	assert.Zero(t, d.failedScans, "the next clean tick resets the pause")
}

func TestDispatcherStopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcherWithContext(ctx, NewMemoryStore(), NewScriptedGateway(), testCalc(t),
		DispatcherConfig{Interval: 5 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	d.Start()
	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher loop did not exit after context cancel")
	}
}

func TestNewDispatcherDefaults(t *testing.T) {
	d := NewDispatcher(NewMemoryStore(), NewScriptedGateway(), testCalc(t), DispatcherConfig{}, nil)
	def := DefaultDispatcherConfig()
	assert.Equal(t, def.Interval, d.interval)
	assert.Equal(t, def.RetryDelay, d.RetryDelay())
	assert.Equal(t, def.BatchSize, d.batch)

	d.SetRetryDelay(0)
	assert.Equal(t, def.RetryDelay, d.RetryDelay(), "non-positive delays are ignored")
}
