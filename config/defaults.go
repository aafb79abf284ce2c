package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8321)

	// Database defaults
	v.SetDefault("database.path", "flowd.db")

	// Engine defaults
	v.SetDefault("engine.max_concurrent_executions", 8)
	v.SetDefault("engine.backend_mode", "simulated")
	v.SetDefault("engine.backend_url", "")
	v.SetDefault("engine.backend_timeout_seconds", 0) // backend calls may run unbounded

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval_seconds", 1)

	// Log defaults
	v.SetDefault("log.json", false)
}
