package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "fathom.db")

	// Server defaults
	v.SetDefault("server.port", 4410)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.default_workspace", "fathom")

	// Scheduler defaults. The tick is intentionally much finer than any
	// routine interval so a due routine fires within a second of schedule.
	v.SetDefault("scheduler.tick_interval_seconds", 1)

	// Crystal orchestration defaults
	v.SetDefault("crystal.task_timeout_minutes", 10)
	v.SetDefault("crystal.agent_binary", "claude")
	v.SetDefault("crystal.agent_model", "opus")
	v.SetDefault("crystal.prompt_path", "")
	v.SetDefault("crystal.vault_dir", "vault")
	v.SetDefault("crystal.work_dir", "")

	// Live-session sink defaults
	v.SetDefault("session.tmux_session", "fathom-session")
	v.SetDefault("session.pane_id_file", "")
	v.SetDefault("session.deliveries_per_minute", 12)
	v.SetDefault("session.work_dir", "")

	// Memento (external memory store) defaults
	v.SetDefault("memento.api_url", "https://memento-api.example.workers.dev")
	v.SetDefault("memento.api_key", "")
	v.SetDefault("memento.timeout_seconds", 30)
}
