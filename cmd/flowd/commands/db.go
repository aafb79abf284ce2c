package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crewflow/flowd/db"
	"github.com/crewflow/flowd/engine"
	"github.com/crewflow/flowd/flow"
	"github.com/crewflow/flowd/logger"
	"github.com/crewflow/flowd/scheduler"
)

// DbCmd groups database maintenance commands.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the flowd database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts per table",
	RunE:  runDbStats,
}

func init() {
	DbCmd.PersistentFlags().String("config", "", "Path to a flowd.toml config file")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return err
	}
	fmt.Printf("Database %s is up to date\n", cfg.Database.Path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	flows, err := flow.NewStore(database).ListFlows(0, 0)
	if err != nil {
		return err
	}
	schedules, err := scheduler.NewStore(database).ListSchedules("")
	if err != nil {
		return err
	}
	counts, err := engine.NewExecutionStore(database).CountByStatus()
	if err != nil {
		return err
	}

	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Printf("Flows:     %d\n", len(flows))
	fmt.Printf("Schedules: %d\n", len(schedules))
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Printf("Executions: %d\n", total)
	for status, n := range counts {
		fmt.Printf("  %-10s %d\n", status, n)
	}
	return nil
}
