package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tripsync/internal/trip/schema"
)

var itineraryCmd = &cobra.Command{
	Use:     "itinerary",
	Aliases: []string{"days"},
	GroupID: "trip",
	Short:   "Show and edit the day-by-day plan",
}

var itineraryLsCmd = &cobra.Command{
	Use:     "ls [day-id]",
	Aliases: []string{"list"},
	Short:   "Show the itinerary, or one day of it",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()

		days := rt.sess.Itinerary.Get()
		if len(args) == 1 {
			idx := schema.IndexByID(days, args[0])
			if idx < 0 {
				return fmt.Errorf("no day %q (have %s)", args[0], strings.Join(schema.IDs(days), ", "))
			}
			days = days[idx : idx+1]
		}
		renderItinerary(os.Stdout, days)
		return nil
	},
}

var itineraryAddCmd = &cobra.Command{
	Use:   "add <day-id> <time> <description...>",
	Short: "Add an activity to a day",
	Long: `Add an activity to a day. Activities are kept in time order.

Example:
  tripsync itinerary add day2 14:00 Pool time
  tripsync itinerary add day3 "10:00 ~ 11:00" Yoga class --resort`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		resort, _ := cmd.Flags().GetBool("resort")

		rt, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()
		drainErrors(rt.sess)

		act, err := rt.sess.AddActivity(args[0], activityKind(resort), args[1], strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		fmt.Printf("%s Added %s %s to %s %s\n", RenderPass("✓"), act.Time, act.Description, args[0], RenderMuted(act.ID))
		return nil
	},
}

var itineraryRmCmd = &cobra.Command{
	Use:     "rm <day-id> <activity-id>",
	Aliases: []string{"remove"},
	Short:   "Remove an activity from a day",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resort, _ := cmd.Flags().GetBool("resort")

		rt, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()
		drainErrors(rt.sess)

		if err := rt.sess.RemoveActivity(args[0], activityKind(resort), args[1]); err != nil {
			return err
		}
		fmt.Printf("%s Removed %s from %s\n", RenderPass("✓"), args[1], args[0])
		return nil
	},
}

func activityKind(resort bool) schema.ActivityKind {
	if resort {
		return schema.ActivityResort
	}
	return schema.ActivityTimeline
}

func init() {
	itineraryAddCmd.Flags().Bool("resort", false, "add to the resort program instead of the timeline")
	itineraryRmCmd.Flags().Bool("resort", false, "remove from the resort program instead of the timeline")

	itineraryCmd.AddCommand(itineraryLsCmd, itineraryAddCmd, itineraryRmCmd)
	rootCmd.AddCommand(itineraryCmd)
}
