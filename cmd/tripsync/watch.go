package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tripsync/internal/config"
	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/session"
)

var watchCmd = &cobra.Command{
	Use:       "watch [collection...]",
	GroupID:   "sync",
	Short:     "Print collections every time they change",
	Long:      `Follow the trip and print a collection whenever anyone changes it. Watches every collection when none is named.`,
	ValidArgs: session.CollectionNames,
	Args:      cobra.OnlyValidArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names := args
		if len(names) == 0 {
			names = session.CollectionNames
		}

		ctx := cmd.Context()
		rt, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer rt.Close()
		drainErrors(rt.sess)

		members := len(rt.sess.Members())
		stamp := func(name string) {
			fmt.Printf("\n%s %s %s\n", RenderAccent("🔄"), titleStyle.Render(name), RenderMuted(time.Now().Format(time.Kitchen)))
		}
		for _, name := range names {
			switch name {
			case session.Itinerary:
				rt.sess.Itinerary.OnChange(func(days []schema.DaySchedule) {
					stamp(name)
					renderItinerary(os.Stdout, days)
				})
				renderItinerary(os.Stdout, rt.sess.Itinerary.Get())
			case session.Expenses:
				rt.sess.Expenses.OnChange(func(expenses []schema.Expense) {
					stamp(name)
					renderExpenses(os.Stdout, expenses, members)
				})
				renderExpenses(os.Stdout, rt.sess.Expenses.Get(), members)
			case session.Ideas:
				rt.sess.Ideas.OnChange(func(ideas []schema.GameIdea) {
					stamp(name)
					renderIdeas(os.Stdout, ideas)
				})
				renderIdeas(os.Stdout, rt.sess.Ideas.Get())
			case session.Prep:
				rt.sess.Prep.OnChange(func(items []schema.PrepItem) {
					stamp(name)
					renderPrep(os.Stdout, items)
				})
				renderPrep(os.Stdout, rt.sess.Prep.Get())
			}
		}

		fmt.Printf("\n%s Watching %d collection(s) of %s. Press Ctrl+C to stop\n", RenderAccent("👀"), len(names), rt.sess.TripID())
		<-ctx.Done()
		fmt.Printf("\n%s Stopped watching\n", RenderPass("✓"))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show backend, identity and sync state",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()

		id, err := rt.ident.Current()
		if err != nil {
			return err
		}
		fmt.Printf("Trip:     %s\n", RenderAccent(cfg.TripID))
		fmt.Printf("Backend:  %s\n", cfg.Backend)
		switch cfg.Backend {
		case config.BackendBroadcast:
			fmt.Printf("Hub:      %s\n", cfg.Hub.URL)
		case config.BackendFile, config.BackendSQLite:
			fmt.Printf("Store:    %s\n", cfg.StorePath())
		}
		fmt.Printf("Cache:    %s (%s)\n", cfg.CachePath(), cfg.Cache.Kind)
		fmt.Printf("You:      %s %s\n", id.DisplayName, RenderMuted(id.ID))
		fmt.Println()
		renderStates(os.Stdout, rt.sess.States())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd, statusCmd)
}
