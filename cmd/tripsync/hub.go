package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tripsync/internal/trip/metrics"
	"github.com/steveyegge/tripsync/internal/trip/transport/broadcast"
)

var hubCmd = &cobra.Command{
	Use:     "hub",
	GroupID: "sync",
	Short:   "Run a hub that relays changes between devices",
	Long: `Run a WebSocket hub for the broadcast backend.

Devices connect to ws://<host><addr>/ws. The hub remembers the latest value
of every path in memory only; whichever device reconnects first after a
restart seeds the curated collections again.

Routes:
  /ws       WebSocket endpoint
  /health   liveness check
  /metrics  Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Hub.Addr
		}

		hub := broadcast.NewHub(broadcast.HubConfig{
			Addr:   addr,
			Routes: map[string]http.Handler{"/metrics": metrics.Handler()},
		})
		if err := hub.Start(); err != nil {
			return err
		}
		fmt.Printf("%s Hub listening on %s\n", RenderPass("✓"), hub.Addr())
		fmt.Printf("   Devices: tripsync --backend broadcast --hub-url ws://<host>%s/ws\n", portOf(hub.Addr()))
		fmt.Printf("   Press Ctrl+C to stop\n")

		<-cmd.Context().Done()

		fmt.Printf("\n%s Stopping hub...\n", RenderAccent("⏹"))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Stop(ctx); err != nil {
			return err
		}
		fmt.Printf("%s Hub stopped\n", RenderPass("✓"))
		return nil
	},
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return ":" + port
}

func init() {
	hubCmd.Flags().String("addr", "", "listen address (default from hub.addr, \":8787\")")
	rootCmd.AddCommand(hubCmd)
}
