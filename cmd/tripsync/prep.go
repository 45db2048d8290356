package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/session"
)

var prepCmd = &cobra.Command{
	Use:     "prep",
	GroupID: "trip",
	Short:   "Manage the packing and preparation checklist",
}

var prepAddCmd = &cobra.Command{
	Use:   "add <text...>",
	Short: "Add a checklist item",
	Long: `Add an item to the checklist.

Personal items are assigned to you unless --assign names other members.
Common items are brought once for the whole group.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		common, _ := cmd.Flags().GetBool("common")
		assign, _ := cmd.Flags().GetStringSlice("assign")

		rt, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		drainErrors(rt.sess)

		item, err := rt.sess.AddPrepItem(strings.Join(args, " "), common, assign)
		if err != nil {
			return err
		}
		fmt.Printf("%s Added %q %s\n", RenderPass("✓"), item.Text, RenderMuted(shortID(item.ID)))
		return nil
	},
}

var prepToggleCmd = &cobra.Command{
	Use:     "toggle <id>",
	Aliases: []string{"check"},
	Short:   "Mark an item done, or not done again",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()
		drainErrors(rt.sess)

		id, err := resolveID(args[0], schema.IDs(rt.sess.Prep.Get()))
		if err != nil {
			return err
		}
		done, err := rt.sess.TogglePrepItem(id)
		if err != nil {
			return err
		}
		if done {
			fmt.Printf("%s Checked off %s\n", RenderPass("✓"), id)
		} else {
			fmt.Printf("%s Unchecked %s\n", RenderAccent("○"), id)
		}
		return nil
	},
}

var prepRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Delete a checklist item",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()
		drainErrors(rt.sess)

		id, err := resolveID(args[0], schema.IDs(rt.sess.Prep.Get()))
		if err != nil {
			return err
		}
		if err := rt.sess.RemovePrepItem(id); err != nil {
			return err
		}
		fmt.Printf("%s Deleted %s\n", RenderPass("✓"), id)
		return nil
	},
}

var prepResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Replace the checklist with the recommended one",
	Long: `Replace the whole checklist with the recommended items.

Every item anyone added and every check mark is lost for everyone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("this resets the checklist for everyone; rerun with --yes to confirm")
		}

		rt, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()
		drainErrors(rt.sess)

		if err := rt.sess.ResetPrep(); err != nil {
			return err
		}
		fmt.Printf("%s Checklist reset to %d recommended items\n", RenderPass("✓"), len(rt.sess.Prep.Get()))
		return nil
	},
}

var prepLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "Show the checklist",
	Long: `Show the checklist.

With --member, shows the common items and the personal items that concern
that member. With --mine, the same for the logged in user.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		member, _ := cmd.Flags().GetString("member")
		mine, _ := cmd.Flags().GetBool("mine")

		rt, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()

		if mine {
			id, err := rt.ident.Current()
			if err != nil {
				return err
			}
			member = id.DisplayName
		}

		items := rt.sess.Prep.Get()
		if member == "" {
			renderPrep(os.Stdout, items)
			return nil
		}
		fmt.Println(titleStyle.Render("Common"))
		renderPrep(os.Stdout, session.CommonPrep(items))
		fmt.Println(titleStyle.Render(member))
		renderPrep(os.Stdout, session.PrepFor(items, member))
		return nil
	},
}

func init() {
	prepAddCmd.Flags().Bool("common", false, "item is brought once for the group")
	prepAddCmd.Flags().StringSlice("assign", nil, "members the item is for (comma separated)")
	prepResetCmd.Flags().Bool("yes", false, "confirm the reset")
	prepLsCmd.Flags().String("member", "", "show only items concerning this member")
	prepLsCmd.Flags().Bool("mine", false, "show only items concerning you")

	prepCmd.AddCommand(prepAddCmd, prepToggleCmd, prepRmCmd, prepResetCmd, prepLsCmd)
	rootCmd.AddCommand(prepCmd)
}
