package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/groupcast/sym"
)

// GatewayCmd groups messaging gateway diagnostics.
var GatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: sym.Gateway + " Inspect the messaging gateway",
}

var gatewayStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check gateway health and channel counts",
	RunE:  runGatewayStatus,
}

func init() {
	GatewayCmd.AddCommand(gatewayStatusCmd)
}

func runGatewayStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gw, err := newGatewayClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Gateway.HealthTimeout())
	defer cancel()

	h, err := gw.Health(ctx)
	if err != nil {
		pterm.Error.Printfln("%s %s is unreachable: %v", sym.Gateway, cfg.Gateway.BaseURL, err)
		return fmt.Errorf("gateway unhealthy")
	}

	status := h.Status
	if status == "" {
		status = "ok"
	}
	pterm.Success.Printfln("%s %s is %s", sym.Gateway, cfg.Gateway.BaseURL, status)
	_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Channels", "Connected", "Connecting", "Uptime"},
		{itoa(h.Instances.Total), itoa(h.Instances.Connected), itoa(h.Instances.Connecting), fmt.Sprintf("%.0fs", h.Uptime)},
	}).Render()
	return nil
}
