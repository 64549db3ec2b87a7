package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fathom-vault/fathom/am"
	"github.com/fathom-vault/fathom/crystal"
	"github.com/fathom-vault/fathom/db"
	"github.com/fathom-vault/fathom/errors"
	"github.com/fathom-vault/fathom/logger"
	"github.com/fathom-vault/fathom/ping"
	"github.com/fathom-vault/fathom/server"
	"github.com/fathom-vault/fathom/session"
	"github.com/fathom-vault/fathom/version"
)

// ServeCmd runs the schedulers and the activation API in the foreground.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ping scheduler, crystal schedule, and API server",
	Long: `Run fathom in foreground mode.

The daemon will:
- Tick the ping scheduler and fire due routines into the live session
- Tick the crystal regeneration schedule and spawn synthesis jobs
- Serve the activation HTTP/WebSocket API
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	ServeCmd.Flags().String("config", "", "Path to config file (default ~/.config/fathom/config.toml)")
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := logger.Logger
	log.Infow("Starting fathom", "version", version.Get().Short(), "port", cfg.Server.Port)

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	sink := session.NewTmuxSink(session.TmuxConfig{
		Session:             cfg.Session.TmuxSession,
		PaneIDFile:          cfg.Session.PaneIDFile,
		AgentBinary:         cfg.Crystal.AgentBinary,
		AgentModel:          cfg.Crystal.AgentModel,
		WorkDir:             cfg.Session.WorkDir,
		DeliveriesPerMinute: cfg.Session.DeliveriesPerMinute,
	}, log)

	memento := crystal.NewMementoClient(
		cfg.Memento.APIURL,
		cfg.Memento.APIKey,
		time.Duration(cfg.Memento.TimeoutSeconds)*time.Second,
		log,
	)

	runner := crystal.NewAgentRunner(crystal.RunnerConfig{
		Binary:     cfg.Crystal.AgentBinary,
		Model:      cfg.Crystal.AgentModel,
		PromptPath: cfg.Crystal.PromptPath,
		VaultDir:   cfg.Crystal.VaultDir,
		WorkDir:    cfg.Crystal.WorkDir,
	}, memento, log)

	orchestrator := crystal.NewOrchestrator(
		runner,
		time.Duration(cfg.Crystal.TaskTimeoutMinutes)*time.Minute,
		log,
	)

	routineStore := ping.NewStore(database)
	tick := time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second
	scheduler := ping.NewScheduler(routineStore, sink, ping.SchedulerConfig{Interval: tick}, log)
	scheduler.Start()
	defer scheduler.Stop()

	scheduleStore := crystal.NewScheduleStore(database)
	scheduleTicker := crystal.NewScheduleTicker(scheduleStore, orchestrator, tick, log)
	scheduleTicker.Start()
	defer scheduleTicker.Stop()

	// Watch the config file and push edits into the running components
	watchPath := configPath
	if watchPath == "" {
		watchPath = am.DefaultConfigPath()
	}
	if watcher, err := am.NewConfigWatcher(watchPath); err != nil {
		log.Warnw("Config watcher unavailable", "path", watchPath, "error", err)
	} else {
		watcher.OnReload(func(newCfg *am.Config) error {
			newTick := time.Duration(newCfg.Scheduler.TickIntervalSeconds) * time.Second
			scheduler.SetInterval(newTick)
			scheduleTicker.SetInterval(newTick)
			orchestrator.SetTaskTimeout(time.Duration(newCfg.Crystal.TaskTimeoutMinutes) * time.Minute)
			sink.SetRateLimit(newCfg.Session.DeliveriesPerMinute)
			log.Infow("Configuration applied",
				"tick_interval_seconds", newCfg.Scheduler.TickIntervalSeconds,
				"task_timeout_minutes", newCfg.Crystal.TaskTimeoutMinutes,
				"deliveries_per_minute", newCfg.Session.DeliveriesPerMinute)
			return nil
		})
		watcher.Start()
		defer watcher.Stop()
	}

	apiServer := server.New(server.Config{
		Port:             cfg.Server.Port,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		DefaultWorkspace: cfg.Server.DefaultWorkspace,
	}, routineStore, scheduleStore, orchestrator, sink, memento, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("Shutdown signal received", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			return errors.Wrap(err, "API server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("API server shutdown error", "error", err)
	}

	return nil
}

func loadConfig(configPath string) (*am.Config, error) {
	if configPath != "" {
		return am.LoadFromFile(configPath)
	}
	return am.Load()
}
