package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/tripsync/internal/trip/identity"
)

var loginCmd = &cobra.Command{
	Use:     "login [name]",
	GroupID: "identity",
	Short:   "Set the name your changes are recorded under",
	Long: `Set the display name stored on this device. New expenses, ideas and
checklist items are recorded under it.

Without a name, asks for one interactively.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) == 1 {
			name = args[0]
		} else {
			var err error
			if name, err = askName(); err != nil {
				return err
			}
		}

		c, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := identity.New(c, nil).Login(name)
		if err != nil {
			return err
		}
		fmt.Printf("%s Logged in as %s %s\n", RenderPass("✓"), RenderAccent(id.DisplayName), RenderMuted(id.ID))
		if !slices.Contains(cfg.Members, id.DisplayName) {
			fmt.Printf("%s %s is not one of the trip members (%s)\n",
				RenderWarn("⚠"), id.DisplayName, strings.Join(cfg.Members, ", "))
		}
		return nil
	},
}

// askName prompts for a display name, offering the trip members.
func askName() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("name is required when not running in a terminal")
	}
	const other = "\x00other"

	var choice, name string
	options := make([]huh.Option[string], 0, len(cfg.Members)+1)
	for _, m := range cfg.Members {
		options = append(options, huh.NewOption(m, m))
	}
	options = append(options, huh.NewOption("Someone else", other))

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Who are you?").
				Options(options...).
				Value(&choice),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Your name").
				Value(&name).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("name cannot be empty")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return choice != other }),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	if choice != other {
		return choice, nil
	}
	return name, nil
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "identity",
	Short:   "Forget the name stored on this device",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		if err := identity.New(c, nil).Logout(); err != nil {
			return err
		}
		fmt.Printf("%s Logged out\n", RenderPass("✓"))
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	GroupID: "identity",
	Short:   "Show the name your changes are recorded under",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := identity.New(c, nil).Current()
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", RenderAccent(id.DisplayName), RenderMuted(id.ID))
		if id.DisplayName == identity.AnonymousName {
			fmt.Printf("   Run 'tripsync login' to set your name\n")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
}
