package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fathom-vault/fathom/cmd/fathomd/commands"
	"github.com/fathom-vault/fathom/logger"
)

var rootCmd = &cobra.Command{
	Use:   "fathomd",
	Short: "fathom - recurring pings and crystal synthesis for a live agent session",
	Long: `fathom keeps an autonomous agent session alive over time.

It runs recurring "ping" routines that compose context (time header,
script placeholders, prompt text) and inject it into the live session,
and manages longer crystallization jobs that distill vault notes into a
compact identity crystal stored in Memento.

Available commands:
  serve  - Run the schedulers and the activation API server
  status - Show routines, schedule, and memento connectivity

Examples:
  fathomd serve                 # Run in foreground
  fathomd status                # One-shot status table`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
