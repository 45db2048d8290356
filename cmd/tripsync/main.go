// Command tripsync shares a group trip's itinerary, expenses, game ideas and
// packing checklist between devices.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tripsync/internal/config"
	"github.com/steveyegge/tripsync/internal/logging"
)

var (
	cfgFile   string
	cfg       *config.Config
	logCloser = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "tripsync",
	Short: "Shared trip planner state, synced between devices",
	Long: `tripsync keeps a trip's itinerary, expenses, game ideas and preparation
checklist in sync between everyone on the trip.

State is shared through one of several backends:
  file       a directory, for example on a synced or network drive
  sqlite     a SQLite database file
  broadcast  a tripsync hub reached over WebSocket (see "tripsync hub")
  memory     in-process only, for trying things out

Settings come from tripsync.toml (in . or ~/.config/tripsync), TRIPSYNC_*
environment variables and flags, in increasing priority.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := config.New(cfgFile)
		if err := config.BindFlags(v, cmd.Root().PersistentFlags(), map[string]string{
			"trip_id":   "trip",
			"backend":   "backend",
			"data_dir":  "data-dir",
			"hub.url":   "hub-url",
			"log.level": "log-level",
		}); err != nil {
			return err
		}
		loaded, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = loaded

		_, closer := logging.Setup(logging.Options{
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logCloser()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "trip", Title: "Trip data:"},
		&cobra.Group{ID: "sync", Title: "Sharing:"},
		&cobra.Group{ID: "identity", Title: "Identity:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: tripsync.toml in . or ~/.config/tripsync)")
	flags.String("trip", "", "trip id")
	flags.String("backend", "", "shared state backend: file, sqlite, broadcast or memory")
	flags.String("data-dir", "", "directory for shared files and the local cache")
	flags.String("hub-url", "", "hub WebSocket URL for the broadcast backend")
	flags.String("log-level", "", "debug, info, warn or error")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
