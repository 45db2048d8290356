package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tripsync/internal/trip/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "sync",
	Short:   "Check that concurrent clients converge",
	Long: `Run several in-process clients against one in-memory store. Each client
adds and removes expenses at random; afterwards every client must hold the
same expenses as the store.

Example:
  tripsync loadtest --clients 8 --mutations 200 --seed 7`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		clients, _ := cmd.Flags().GetInt("clients")
		mutations, _ := cmd.Flags().GetInt("mutations")
		seed, _ := cmd.Flags().GetInt64("seed")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		fmt.Printf("%s Running %d clients x %d mutations (seed %d)...\n", RenderAccent("🔄"), clients, mutations, seed)
		res, err := loadtest.Run(cmd.Context(), loadtest.Options{
			Clients:            clients,
			MutationsPerClient: mutations,
			Seed:               seed,
			Timeout:            timeout,
		})
		if err != nil {
			return err
		}

		fmt.Printf("   Mutations: %d\n", res.Mutations)
		fmt.Printf("   Records:   %d\n", res.Records)
		fmt.Printf("   Duration:  %v\n", res.Duration.Round(time.Millisecond))
		fmt.Println()
		res.EchoLatency.PrintStats(os.Stdout)
		fmt.Println()
		if !res.Converged {
			return fmt.Errorf("clients did not converge within %v", timeout)
		}
		fmt.Printf("%s All clients converged\n", RenderPass("✓"))
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("clients", 5, fmt.Sprintf("number of clients (1-%d)", loadtest.MaxClients))
	loadtestCmd.Flags().Int("mutations", 50, "mutations per client")
	loadtestCmd.Flags().Int64("seed", time.Now().UnixNano(), "random seed")
	loadtestCmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for convergence")
	rootCmd.AddCommand(loadtestCmd)
}
