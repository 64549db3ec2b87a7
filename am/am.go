// Package am holds the fathom core configuration.
package am

// Config represents the core fathom configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Crystal   CrystalConfig   `mapstructure:"crystal"`
	Session   SessionConfig   `mapstructure:"session"`
	Memento   MementoConfig   `mapstructure:"memento"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the fathom web server
type ServerConfig struct {
	Port             int      `mapstructure:"port"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	DefaultWorkspace string   `mapstructure:"default_workspace"`
}

// SchedulerConfig configures the ping recurrence scheduler
type SchedulerConfig struct {
	// TickIntervalSeconds is how often the scheduler scans for due
	// routines. Independent of any routine's own interval.
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`
}

// CrystalConfig configures crystallization job orchestration
type CrystalConfig struct {
	// TaskTimeoutMinutes is the silence window: a running job that
	// produces no event for this long is failed unilaterally so a crashed
	// agent cannot hold the workspace slot forever.
	TaskTimeoutMinutes int `mapstructure:"task_timeout_minutes"`

	// AgentBinary is the agent CLI invoked for synthesis runs
	AgentBinary string `mapstructure:"agent_binary"`

	// AgentModel is passed through to the agent CLI
	AgentModel string `mapstructure:"agent_model"`

	// PromptPath optionally overrides the built-in crystallization prompt
	PromptPath string `mapstructure:"prompt_path"`

	// VaultDir is the notes directory the synthesis agent may read
	VaultDir string `mapstructure:"vault_dir"`

	// WorkDir is the working directory for spawned synthesis runs
	WorkDir string `mapstructure:"work_dir"`
}

// SessionConfig configures the live-session sink
type SessionConfig struct {
	// TmuxSession is the tmux session name pings are injected into
	TmuxSession string `mapstructure:"tmux_session"`

	// PaneIDFile optionally points at a file holding the target pane id
	PaneIDFile string `mapstructure:"pane_id_file"`

	// DeliveriesPerMinute rate-limits injections into the session
	DeliveriesPerMinute int `mapstructure:"deliveries_per_minute"`

	// WorkDir is the working directory the session launches in
	WorkDir string `mapstructure:"work_dir"`
}

// MementoConfig configures the external memory store client
type MementoConfig struct {
	APIURL         string `mapstructure:"api_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}
