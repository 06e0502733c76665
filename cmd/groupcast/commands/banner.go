package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/groupcast/am"
	"github.com/teranos/groupcast/logger"
	"github.com/teranos/groupcast/sym"
	"github.com/teranos/groupcast/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, cfg *am.Config) {
	versionInfo := version.Get()

	pterm.DefaultHeader.WithFullWidth().Printf("%s groupcast %s", sym.Pulse, versionInfo.Version)
	pterm.Println()

	api := cfg.GetServerAddr()
	if serveNoAPI {
		api = "disabled"
	}
	retention := "keep forever"
	if cfg.History.RetentionDays > 0 {
		retention = fmt.Sprintf("%d days (%s)", cfg.History.RetentionDays, cfg.History.RetentionCron)
	}

	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Version", fmt.Sprintf("%s (commit %s)", versionInfo.Version, versionInfo.Short())},
		{"Verbosity", logger.LevelName(verbosity)},
		{sym.DB + " Database", cfg.GetDatabasePath()},
		{sym.Gateway + " Gateway", cfg.Gateway.BaseURL},
		{"API", api},
		{"Timezone", cfg.Schedule.Timezone},
		{sym.Pulse + " Interval", cfg.Dispatch.Interval().String()},
		{"Retention", retention},
	}).Render()
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
