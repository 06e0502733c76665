package commands

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/pulse/schedule"
	"github.com/teranos/groupcast/sym"
)

// JobsCmd manages scheduled jobs.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.PulseOpen + " Manage scheduled jobs",
	Long: sym.PulseOpen + ` jobs: Manage scheduled broadcasts

Examples:
  groupcast jobs ls --campaign camp-1
  groupcast jobs create --text "Culto às 19h" --type weekly --days mon,wed --at 14:30 \
      --target inst-1:120363@g.us:Jovens
  groupcast jobs create --text "Aviso" --type once --date 2026-03-10 --at 09:00 --target inst-1:120363@g.us
  groupcast jobs import jobs.toml
  groupcast jobs pause <id>
  groupcast jobs history <id>`,
}

var jobsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List scheduled jobs",
	RunE:    runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job and its targets",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a scheduled job",
	RunE:  runJobsCreate,
}

var jobsImportCmd = &cobra.Command{
	Use:   "import <file.toml>",
	Short: "Create jobs from a TOML file",
	Long: `Create every [[jobs]] entry of a TOML file. Each job is validated and
created on its own; a rejected job does not stop the rest.

  [[jobs]]
  campaign_id   = "camp-1"
  message_text  = "Reunião de oração hoje"
  schedule_type = "weekly"
  schedule_time = "14:30"
  schedule_days = ["monday", "wednesday"]

    [[jobs.targets]]
    group_id   = "120363@g.us"
    group_name = "Jovens"
    channel_id = "inst-1"`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsImport,
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setJobActive(cmd, args[0], false) },
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused job from now",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setJobActive(cmd, args[0], true) },
}

var jobsRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a job and its targets",
	Args:    cobra.ExactArgs(1),
	RunE:    runJobsRm,
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "history [job-id]",
	Short: "Show dispatch history for a job or campaign",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsHistory,
}

var (
	jobsCampaign string
	jobsLimit    int

	createText     string
	createKind     string
	createMediaURL string
	createType     string
	createAt       string
	createDate     string
	createDays     []string
	createTargets  []string
	createInactive bool
)

func init() {
	JobsCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")

	jobsLsCmd.Flags().StringVar(&jobsCampaign, "campaign", "", "Only jobs of this campaign")

	jobsCreateCmd.Flags().StringVar(&jobsCampaign, "campaign", "", "Campaign id")
	jobsCreateCmd.Flags().StringVar(&createText, "text", "", "Message text (caption for media)")
	jobsCreateCmd.Flags().StringVar(&createKind, "kind", schedule.KindText, "Message type: text, image, audio, video, document")
	jobsCreateCmd.Flags().StringVar(&createMediaURL, "media-url", "", "Media URL for non-text messages")
	jobsCreateCmd.Flags().StringVar(&createType, "type", "weekly", "Schedule type: once or weekly")
	jobsCreateCmd.Flags().StringVar(&createAt, "at", "", "Time of day, HH:MM")
	jobsCreateCmd.Flags().StringVar(&createDate, "date", "", "Date for once jobs, YYYY-MM-DD")
	jobsCreateCmd.Flags().StringSliceVar(&createDays, "days", nil, "Weekdays for weekly jobs, e.g. mon,wed")
	jobsCreateCmd.Flags().StringArrayVar(&createTargets, "target", nil, "Target as channel:group[:name], repeatable")
	jobsCreateCmd.Flags().BoolVar(&createInactive, "inactive", false, "Create the job paused")

	jobsHistoryCmd.Flags().StringVar(&jobsCampaign, "campaign", "", "Show history for a campaign instead of a job")
	jobsHistoryCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum records to show")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsCreateCmd)
	JobsCmd.AddCommand(jobsImportCmd)
	JobsCmd.AddCommand(jobsPauseCmd)
	JobsCmd.AddCommand(jobsResumeCmd)
	JobsCmd.AddCommand(jobsRmCmd)
	JobsCmd.AddCommand(jobsHistoryCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	jobs, err := rt.service().ListJobs(cmd.Context(), jobsCampaign)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No scheduled jobs")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(jobsTable(jobs, rt.calc.Location())).Render()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	detail, err := rt.service().GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	loc := rt.calc.Location()
	job := detail.Job

	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"ID", job.ID},
		{"Campaign", job.CampaignID},
		{"Schedule", describeSchedule(job)},
		{"Active", fmt.Sprintf("%t", job.Active)},
		{"Next run", formatTime(job.NextRunAt, loc)},
		{"Last run", formatTime(job.LastRunAt, loc)},
		{"Message type", job.MessageKind},
		{"Media URL", job.MediaURL},
		{"Message", job.MessageText},
	}).Render()
	pterm.Println()

	data := pterm.TableData{{"Group", "Name", "Channel", "Last sent"}}
	for _, t := range detail.Targets {
		data = append(data, []string{t.GroupID, t.GroupName, t.ChannelID, formatTime(t.LastSentAt, loc)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// parseTarget parses "channel:group[:name]". Group ids such as
// "120363@g.us" contain no colon; the name may.
func parseTarget(s string) (schedule.TargetSpec, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return schedule.TargetSpec{}, errors.NewInvalidRequestError("target %q: want channel:group[:name]", s)
	}
	t := schedule.TargetSpec{ChannelID: strings.TrimSpace(parts[0]), GroupID: strings.TrimSpace(parts[1])}
	if len(parts) == 3 {
		t.GroupName = strings.TrimSpace(parts[2])
	}
	return t, nil
}

// specFromFlags builds a JobSpec from the create flags.
func specFromFlags() (schedule.JobSpec, error) {
	spec := schedule.JobSpec{
		CampaignID:   jobsCampaign,
		MessageText:  createText,
		MessageKind:  createKind,
		MediaURL:     createMediaURL,
		ScheduleType: createType,
		Time:         createAt,
		Date:         createDate,
		Weekdays:     createDays,
		Inactive:     createInactive,
	}
	for _, raw := range createTargets {
		t, err := parseTarget(raw)
		if err != nil {
			return spec, err
		}
		spec.Targets = append(spec.Targets, t)
	}
	return spec, nil
}

func runJobsCreate(cmd *cobra.Command, args []string) error {
	spec, err := specFromFlags()
	if err != nil {
		return err
	}

	rt, err := openRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := rt.service()
	id, err := svc.CreateJob(cmd.Context(), spec)
	if err != nil {
		return err
	}
	detail, err := svc.GetJob(cmd.Context(), id)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Created job %s, next run %s", id, formatTime(detail.Job.NextRunAt, rt.calc.Location()))
	return nil
}

// importFile is the layout of a jobs import file.
type importFile struct {
	Jobs []schedule.JobSpec `toml:"jobs"`
}

// readImportFile decodes path, rejecting keys no JobSpec field takes.
func readImportFile(path string) ([]schedule.JobSpec, error) {
	var f importFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, errors.NewInvalidRequestError("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if len(f.Jobs) == 0 {
		return nil, errors.NewInvalidRequestError("%s: no [[jobs]] entries", path)
	}
	return f.Jobs, nil
}

func runJobsImport(cmd *cobra.Command, args []string) error {
	specs, err := readImportFile(args[0])
	if err != nil {
		return err
	}

	rt, err := openRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := rt.service()
	failed := 0
	for i, spec := range specs {
		id, err := svc.CreateJob(cmd.Context(), spec)
		if err != nil {
			failed++
			pterm.Error.Printfln("jobs[%d]: %v", i, err)
			continue
		}
		pterm.Success.Printfln("jobs[%d]: created %s", i, id)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d jobs rejected", failed, len(specs))
	}
	pterm.Info.Printfln("Imported %d jobs", len(specs))
	return nil
}

func setJobActive(cmd *cobra.Command, id string, active bool) error {
	rt, err := openRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := rt.service()
	if err := svc.SetActive(cmd.Context(), id, active); err != nil {
		return err
	}
	if !active {
		pterm.Success.Printfln("Paused job %s", id)
		return nil
	}
	detail, err := svc.GetJob(cmd.Context(), id)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Resumed job %s, next run %s", id, formatTime(detail.Job.NextRunAt, rt.calc.Location()))
	return nil
}

func runJobsRm(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.service().DeleteJob(cmd.Context(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printfln("Deleted job %s", args[0])
	return nil
}

func runJobsHistory(cmd *cobra.Command, args []string) error {
	q := schedule.HistoryQuery{CampaignID: jobsCampaign, Limit: jobsLimit}
	if len(args) == 1 {
		q.JobID = args[0]
	}
	if q.JobID == "" && q.CampaignID == "" {
		return errors.NewInvalidRequestError("pass a job id or --campaign")
	}

	rt, err := openRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	recs, err := rt.service().ListHistory(cmd.Context(), q)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		pterm.Info.Println("No dispatch history")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(historyTable(recs, rt.calc.Location())).Render()
}
