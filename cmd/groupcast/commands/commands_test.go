package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/groupcast/am"
	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/pulse/schedule"
	"github.com/teranos/groupcast/version"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    schedule.TargetSpec
		wantErr bool
	}{
		{"inst-1:120363@g.us", schedule.TargetSpec{ChannelID: "inst-1", GroupID: "120363@g.us"}, false},
		{"inst-1:120363@g.us:Jovens", schedule.TargetSpec{ChannelID: "inst-1", GroupID: "120363@g.us", GroupName: "Jovens"}, false},
		{"inst-1:g@g.us:Louvor: domingo", schedule.TargetSpec{ChannelID: "inst-1", GroupID: "g@g.us", GroupName: "Louvor: domingo"}, false},
		{"inst-1", schedule.TargetSpec{}, true},
		{":g@g.us", schedule.TargetSpec{}, true},
		{"inst-1: ", schedule.TargetSpec{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTarget(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalidRequestError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadImportFile(t *testing.T) {
	path := writeFile(t, "jobs.toml", `
[[jobs]]
campaign_id   = "camp-1"
message_text  = "Reunião de oração hoje"
schedule_type = "weekly"
schedule_time = "14:30"
schedule_days = ["monday", "wednesday"]

  [[jobs.targets]]
  group_id   = "g1@g.us"
  group_name = "Jovens"
  channel_id = "inst-1"

[[jobs]]
message_text  = "Aviso"
message_type  = "image"
media_url     = "https://cdn.example.com/a.png"
schedule_type = "once"
schedule_time = "09:00"
schedule_date = "2099-01-01"

  [[jobs.targets]]
  group_id   = "g2@g.us"
  channel_id = "inst-1"
`)

	specs, err := readImportFile(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "camp-1", specs[0].CampaignID)
	assert.Equal(t, []string{"monday", "wednesday"}, specs[0].Weekdays)
	require.Len(t, specs[0].Targets, 1)
	assert.Equal(t, "Jovens", specs[0].Targets[0].GroupName)

	assert.Equal(t, "image", specs[1].MessageKind)
	assert.Equal(t, "2099-01-01", specs[1].Date)
}

func TestReadImportFileRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "jobs.toml", `
[[jobs]]
message_text = "x"
schedule_typo = "weekly"
`)
	_, err := readImportFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule_typo")
}

func TestReadImportFileEmpty(t *testing.T) {
	_, err := readImportFile(writeFile(t, "jobs.toml", "# nothing\n"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestDescribeSchedule(t *testing.T) {
	weekly := &schedule.Job{ScheduleType: "weekly", TimeOfDay: "14:30", Weekdays: []string{"monday", "wednesday"}}
	assert.Equal(t, "weekly mon,wed 14:30", describeSchedule(weekly))

	once := &schedule.Job{ScheduleType: "once", TimeOfDay: "09:00", Date: "2026-03-10"}
	assert.Equal(t, "once 2026-03-10 09:00", describeSchedule(once))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "Reuni…", truncate("Reunião de oração", 6))
	assert.Equal(t, "a b", truncate("a\nb", 10))
}

func TestFormatTime(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	at := time.Date(2026, 3, 4, 17, 30, 0, 0, time.UTC)

	assert.Equal(t, "-", formatTime(nil, loc))
	assert.Equal(t, "2026-03-04 14:30 -03", formatTime(&at, loc))
}

type reloadRecorder struct {
	rate      float64
	baseDelay time.Duration
	retry     time.Duration
}

func (r *reloadRecorder) SetRate(perSecond float64)         { r.rate = perSecond }
func (r *reloadRecorder) SetRetryBaseDelay(d time.Duration) { r.baseDelay = d }
func (r *reloadRecorder) SetRetryDelay(d time.Duration)     { r.retry = d }

func TestApplyReload(t *testing.T) {
	cfg := &am.Config{
		Gateway:  am.GatewayConfig{RatePerSecond: 2.5, RetryBaseDelayMS: 250},
		Dispatch: am.DispatchConfig{RetryDelaySeconds: 120},
	}
	rec := &reloadRecorder{}

	require.NoError(t, applyReload(cfg, rec, rec))
	assert.Equal(t, 2.5, rec.rate)
	assert.Equal(t, 250*time.Millisecond, rec.baseDelay)
	assert.Equal(t, 2*time.Minute, rec.retry)
}

func TestVersionJSON(t *testing.T) {
	var out bytes.Buffer
	VersionCmd.SetOut(&out)
	VersionCmd.SetArgs([]string{"--json"})
	t.Cleanup(func() { VersionCmd.SetArgs(nil) })
	require.NoError(t, VersionCmd.Execute())

	var info version.Info
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, version.Version, info.Version)
}

func TestVersionTextReportsBuild(t *testing.T) {
	var out bytes.Buffer
	VersionCmd.SetOut(&out)
	VersionCmd.SetArgs([]string{"--json=false"})
	t.Cleanup(func() { VersionCmd.SetArgs(nil) })
	require.NoError(t, VersionCmd.Execute())

	info := version.Get()
	assert.Contains(t, out.String(), info.String())
	assert.Contains(t, out.String(), "built "+info.BuildTime)
	assert.Contains(t, out.String(), "Platform: "+info.Platform)
	assert.Contains(t, out.String(), "Go: "+info.GoVersion)
}

// isolate points HOME and the working directory at a temp dir so no real
// am.toml leaks into the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	am.Reset()
	t.Cleanup(am.Reset)
	return dir
}

func TestJobsCreateAndList(t *testing.T) {
	dir := isolate(t)
	dbPath := filepath.Join(dir, "groupcast.db")

	JobsCmd.SetArgs([]string{"create",
		"--db-path", dbPath,
		"--campaign", "camp-1",
		"--text", "Aviso único",
		"--type", "once",
		"--date", "2099-01-01",
		"--at", "09:00",
		"--target", "inst-1:g1@g.us:Jovens",
	})
	t.Cleanup(func() {
		JobsCmd.SetArgs(nil)
		dbPathFlag = ""
	})
	require.NoError(t, JobsCmd.Execute())

	rt, err := openRuntime(nil)
	require.NoError(t, err)
	defer rt.Close()

	jobs, err := rt.service().ListJobs(context.Background(), "camp-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Active)
	require.NotNil(t, jobs[0].NextRunAt)

	detail, err := rt.service().GetJob(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	require.Len(t, detail.Targets, 1)
	assert.Equal(t, "Jovens", detail.Targets[0].GroupName)
}

func TestAmSetWritesProjectConfig(t *testing.T) {
	dir := isolate(t)
	configUser = false

	AmCmd.SetArgs([]string{"set", "gateway.rate_per_second", "2"})
	t.Cleanup(func() { AmCmd.SetArgs(nil) })
	require.NoError(t, AmCmd.Execute())

	cfg, err := am.LoadFromFile(filepath.Join(dir, am.ProjectConfigName))
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.Gateway.RatePerSecond)
}
