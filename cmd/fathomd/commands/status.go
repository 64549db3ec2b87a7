package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/fathom-vault/fathom/crystal"
	"github.com/fathom-vault/fathom/db"
	"github.com/fathom-vault/fathom/errors"
	"github.com/fathom-vault/fathom/logger"
	"github.com/fathom-vault/fathom/ping"
)

// StatusCmd shows routines, the regeneration schedule, and memento
// connectivity in one table.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show routines, crystal schedule, and memento connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		workspace, _ := cmd.Flags().GetString("workspace")
		return runStatus(configPath, workspace)
	},
}

func init() {
	StatusCmd.Flags().String("config", "", "Path to config file (default ~/.config/fathom/config.toml)")
	StatusCmd.Flags().String("workspace", "", "Workspace to inspect (default from config)")
}

func runStatus(configPath, workspace string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if workspace == "" {
		workspace = cfg.Server.DefaultWorkspace
	}
	log := logger.Logger

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	pterm.DefaultHeader.WithFullWidth().Printf("fathom status — workspace %s", workspace)
	pterm.Println()

	routines, err := ping.NewStore(database).List(workspace)
	if err != nil {
		return err
	}

	rows := pterm.TableData{{"ID", "Name", "Enabled", "Interval", "Next fire", "Last fire"}}
	for _, r := range routines {
		rows = append(rows, []string{
			r.ID,
			r.Name,
			fmt.Sprintf("%t", r.Enabled),
			fmt.Sprintf("%dm", r.IntervalMinutes),
			relativeTime(r.NextFireAt),
			relativeTime(r.LastFireAt),
		})
	}
	if len(routines) == 0 {
		pterm.Info.Println("No ping routines configured")
	} else {
		pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}
	pterm.Println()

	sched, err := crystal.NewScheduleStore(database).Get(workspace)
	if err != nil {
		return err
	}
	if sched.Enabled {
		pterm.Info.Printf("Crystal regeneration: every %d day(s), next %s\n",
			sched.IntervalDays, relativeTime(sched.NextFireAt))
	} else {
		pterm.Info.Println("Crystal regeneration: disabled")
	}

	memento := crystal.NewMementoClient(
		cfg.Memento.APIURL,
		cfg.Memento.APIKey,
		time.Duration(cfg.Memento.TimeoutSeconds)*time.Second,
		log,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := memento.GetStatus(ctx, workspace)
	switch {
	case !status.Configured:
		pterm.Warning.Println("Memento: not configured (no API key)")
	case !status.Connected:
		pterm.Error.Printf("Memento: unreachable (%s)\n", status.Error)
	case status.Crystal != nil && status.Crystal.Exists:
		pterm.Success.Printf("Memento: connected, crystal from %s (%d sources)\n",
			status.Crystal.CreatedAt, status.Crystal.SourceCount)
	default:
		pterm.Info.Println("Memento: connected, no crystal yet")
	}

	return nil
}

func relativeTime(t *time.Time) string {
	if t == nil {
		return "—"
	}
	d := time.Until(*t)
	if d >= 0 {
		return "in " + d.Round(time.Second).String()
	}
	return (-d).Round(time.Second).String() + " ago"
}
