package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/groupcast/db"
	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/logger"
	"github.com/teranos/groupcast/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the groupcast database",
	Long: sym.DB + ` db: Manage the groupcast database

Examples:
  groupcast db migrate            # Apply pending schema migrations
  groupcast db status             # Show which migrations are applied`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schema migration status",
	RunE:  runDbStatus,
}

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.GetDatabasePath()
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", path)
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrapf(err, "failed to run migrations on %s", path)
	}
	pterm.Success.Printfln("Database %s is up to date", path)
	return nil
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.GetDatabasePath()
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", path)
	}
	defer database.Close()

	migrations, err := db.Status(database)
	if err != nil {
		return err
	}

	data := pterm.TableData{{"Version", "File", "Applied"}}
	pending := 0
	for _, m := range migrations {
		applied := "yes"
		if !m.Applied {
			applied = "no"
			pending++
		}
		data = append(data, []string{m.Version, m.File, applied})
	}
	pterm.Info.Printfln("%s Database: %s", sym.DB, path)
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	if pending > 0 {
		pterm.Warning.Printfln("%d pending migration(s), run 'groupcast db migrate'", pending)
	}
	return nil
}
