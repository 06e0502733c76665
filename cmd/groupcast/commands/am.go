package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/groupcast/am"
	"github.com/teranos/groupcast/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage groupcast configuration",
	Long: sym.AM + ` am: Manage groupcast configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/groupcast/am.toml)
3. User config (~/.groupcast/am.toml)
4. Project config (./am.toml, searched up from the working directory)
5. Environment variables (GROUPCAST_* prefix)

Examples:
  groupcast am show                          # Show current configuration
  groupcast am show --format yaml            # Show configuration as YAML
  groupcast am show --sources                # Show where each setting comes from
  groupcast am get gateway.base_url          # Get one value
  groupcast am set gateway.rate_per_second 2 # Write to the project am.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a configuration value",
	Long: `Write a value into the project am.toml (or ~/.groupcast/am.toml with --user).
The previous file is kept as .back1. A running serve picks up
gateway.rate_per_second, gateway.retry_base_delay_ms and
dispatch.retry_delay_seconds without a restart.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var (
	configFormat  string
	configSources bool
	configUser    bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, yaml")
	amShowCmd.Flags().BoolVar(&configSources, "sources", false, "Show the source of every setting")
	amSetCmd.Flags().BoolVar(&configUser, "user", false, "Write to ~/.groupcast/am.toml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if configSources {
		return showSources()
	}

	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	data, err := am.Render(cfg, configFormat)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# groupcast configuration\n%s", data)
	return nil
}

func showSources() error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return fmt.Errorf("failed to get config introspection: %w", err)
	}

	if len(intro.ConfigFiles) == 0 {
		pterm.Info.Println("No config files found, using defaults and environment")
	} else {
		pterm.Info.Println("Config files (later overrides earlier):")
		for _, f := range intro.ConfigFiles {
			pterm.Printfln("  %s", f)
		}
	}
	pterm.Println()

	data := pterm.TableData{{"Key", "Value", "Source", "From"}}
	for _, s := range intro.Settings {
		data = append(data, []string{s.Key, fmt.Sprintf("%v", s.Value), string(s.Source), s.SourcePath})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runAmGet(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	v := am.GetViper()
	if !v.IsSet(args[0]) {
		return fmt.Errorf("configuration key %q not found", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), v.Get(args[0]))
	return nil
}

// setTarget picks the file am set writes to.
func setTarget() (string, error) {
	if configUser {
		path := am.UserConfigPath()
		if path == "" {
			return "", fmt.Errorf("no home directory for ~/.groupcast/am.toml")
		}
		return path, nil
	}
	if path := am.ProjectConfigPath(); path != "" {
		return path, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, am.ProjectConfigName), nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path, err := setTarget()
	if err != nil {
		return err
	}
	if err := am.SetValue(path, args[0], am.ParseValue(args[1])); err != nil {
		return err
	}

	am.Reset()
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		pterm.Warning.Printfln("%s now fails validation: %v", path, err)
	}
	pterm.Success.Printfln("%s = %s written to %s", args[0], args[1], path)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}
