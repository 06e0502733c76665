package commands

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/groupcast/logger"
	"github.com/teranos/groupcast/pulse/schedule"
	"github.com/teranos/groupcast/sym"
)

// DispatchCmd groups one-shot dispatcher operations.
var DispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: sym.Pulse + " Run the dispatcher by hand",
}

var dispatchOnceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single dispatch cycle and exit",
	Long: `Deliver every job that is due now, record the outcomes and exit.

Useful from an external scheduler (cron, systemd timers) instead of serve.`,
	RunE: runDispatchOnce,
}

func init() {
	dispatchOnceCmd.Flags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")
	DispatchCmd.AddCommand(dispatchOnceCmd)
}

func runDispatchOnce(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	gw, err := newGatewayClient(rt.cfg)
	if err != nil {
		return err
	}

	d := schedule.NewDispatcherWithContext(cmd.Context(), rt.store, gw, rt.calc, rt.dispatcherConfig(), logger.Logger)
	summary, err := d.RunOnce(cmd.Context(), time.Now())
	if err != nil {
		return err
	}

	if summary.Due == 0 {
		pterm.Info.Println("No jobs due")
		return nil
	}
	printCycleSummary(summary)
	return nil
}

func printCycleSummary(s schedule.CycleSummary) {
	_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Due", "Sent", "Terminal", "Retry", "Errors"},
		{itoa(s.Due), itoa(s.Sent), itoa(s.Terminal), itoa(s.Retry), itoa(s.Errors)},
	}).Render()
}
