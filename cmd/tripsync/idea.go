package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tripsync/internal/trip/schema"
)

var ideaCmd = &cobra.Command{
	Use:     "idea",
	Aliases: []string{"ideas"},
	GroupID: "trip",
	Short:   "Collect game ideas for the group",
}

var ideaAddCmd = &cobra.Command{
	Use:   "add <text...>",
	Short: "Suggest a game idea",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		drainErrors(rt.sess)

		idea, err := rt.sess.AddIdea(strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Printf("%s Added idea %s\n", RenderPass("✓"), RenderMuted(shortID(idea.ID)))
		return nil
	},
}

var ideaRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Delete a game idea",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()
		drainErrors(rt.sess)

		id, err := resolveID(args[0], schema.IDs(rt.sess.Ideas.Get()))
		if err != nil {
			return err
		}
		if err := rt.sess.RemoveIdea(id); err != nil {
			return err
		}
		fmt.Printf("%s Deleted idea %s\n", RenderPass("✓"), shortID(id))
		return nil
	},
}

var ideaLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List game ideas, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()

		renderIdeas(os.Stdout, rt.sess.Ideas.Get())
		return nil
	},
}

func init() {
	ideaCmd.AddCommand(ideaAddCmd, ideaRmCmd, ideaLsCmd)
	rootCmd.AddCommand(ideaCmd)
}
