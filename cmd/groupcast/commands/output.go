package commands

import (
	"strconv"
	"strings"
	"time"

	"github.com/teranos/groupcast/pulse/schedule"
)

func itoa(n int) string { return strconv.Itoa(n) }

// formatTime renders t in loc, or "-" for nil.
func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}

// describeSchedule renders "weekly mon,wed 14:30" or "once 2026-03-10 09:00".
func describeSchedule(job *schedule.Job) string {
	if job.ScheduleType == "once" {
		return "once " + job.Date + " " + job.TimeOfDay
	}
	days := make([]string, 0, len(job.Weekdays))
	for _, d := range job.Weekdays {
		if len(d) > 3 {
			d = d[:3]
		}
		days = append(days, d)
	}
	return "weekly " + strings.Join(days, ",") + " " + job.TimeOfDay
}

// truncate shortens s to n runes with a trailing ellipsis.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func jobsTable(jobs []*schedule.Job, loc *time.Location) [][]string {
	data := [][]string{{"ID", "Campaign", "Schedule", "Active", "Next run", "Message"}}
	for _, j := range jobs {
		active := "yes"
		if !j.Active {
			active = "no"
		}
		data = append(data, []string{
			j.ID,
			j.CampaignID,
			describeSchedule(j),
			active,
			formatTime(j.NextRunAt, loc),
			truncate(j.MessageText, 40),
		})
	}
	return data
}

func historyTable(recs []schedule.DispatchRecord, loc *time.Location) [][]string {
	data := [][]string{{"When", "Group", "Channel", "Status", "Class", "Attempts", "Error"}}
	for _, r := range recs {
		at := r.DispatchedAt
		group := r.GroupID
		if r.GroupName != "" {
			group = r.GroupName + " (" + r.GroupID + ")"
		}
		data = append(data, []string{
			formatTime(&at, loc),
			group,
			r.ChannelID,
			string(r.Status),
			string(r.ErrorClass),
			itoa(r.Attempts),
			truncate(r.Error, 50),
		})
	}
	return data
}
