package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewflow/flowd/config"
	"github.com/crewflow/flowd/db"
	"github.com/crewflow/flowd/logger"
	"github.com/crewflow/flowd/manager"
	"github.com/crewflow/flowd/server"
)

// ServeCmd starts the API server and scheduler.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flowd API server and scheduler",
	Long: `Start the flowd daemon: the HTTP API, the WebSocket event stream,
the execution pool and the cron scheduler. Persisted schedules resume
automatically.`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().String("config", "", "Path to a flowd.toml config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.Logger

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return err
	}

	mgr := manager.New(database, cfg, log)
	if err := mgr.Start(); err != nil {
		return err
	}

	srv := server.NewServer(mgr, cfg, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	// Reload config on file changes. The pool bound and scheduler tick
	// interval apply live; backend mode, database path and the listen
	// address need a restart.
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			log.Warnw("Config watcher unavailable", "path", configPath, "error", err)
		} else {
			watcher.OnReload(func(reloaded *config.Config) error {
				log.Infow("Config file changed", "path", configPath)
				mgr.ApplyConfig(reloaded)
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		mgr.Stop()
		return err
	case sig := <-sigCh:
		log.Infow("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("HTTP shutdown incomplete", "error", err)
	}
	mgr.Stop()
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}
