package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/sym"
)

// DbCmd manages the task database
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the task database",
	Long: sym.DB + ` db — Manage the task database

Examples:
  agentpulse db migrate          # Create or upgrade the schema at database.path (sqlite or postgres)`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE:  runDbMigrate,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	database, dialect, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	target := cfg.Database.Path
	if dialect.Name == am.DialectPostgres {
		target = "postgres"
	}
	pterm.Success.Printf("%s Database %s is up to date\n", sym.DB, target)
	return nil
}
