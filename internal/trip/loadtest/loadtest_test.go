package loadtest

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun_Converges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	res, err := Run(context.Background(), Options{
		Clients:            5,
		MutationsPerClient: 20,
		Seed:               42,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Converged {
		t.Fatalf("clients did not converge (records in store: %d)", res.Records)
	}
	if res.Mutations != 100 {
		t.Errorf("Mutations = %d, want 100", res.Mutations)
	}
	if res.Records == 0 || res.Records > res.Mutations {
		t.Errorf("Records = %d, want between 1 and %d", res.Records, res.Mutations)
	}
	if res.EchoLatency.Samples == 0 {
		t.Error("no echo latency samples recorded")
	}

	var buf bytes.Buffer
	res.EchoLatency.PrintStats(&buf)
	t.Log(buf.String())
}

func TestRun_SingleClient(t *testing.T) {
	res, err := Run(context.Background(), Options{Clients: 1, MutationsPerClient: 5, Seed: 7})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Converged {
		t.Fatal("single client did not converge with the store")
	}
	if res.EchoLatency.Samples != 0 {
		t.Errorf("Samples = %d, want 0 with no other clients", res.EchoLatency.Samples)
	}
}

func TestRun_RejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{"no clients", Options{MutationsPerClient: 1}, "clients must be between"},
		{"too many clients", Options{Clients: MaxClients + 1, MutationsPerClient: 1}, "clients must be between"},
		{"no mutations", Options{Clients: 1}, "mutations per client"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Run(context.Background(), tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Run error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	stats := computeLatencyStats(durations)

	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v, want 1ms/100ms", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", stats.P99)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", stats.Mean)
	}
	if durations[0] != 100*time.Millisecond {
		t.Error("input slice was reordered")
	}

	if empty := computeLatencyStats(nil); empty.Samples != 0 {
		t.Errorf("empty Samples = %d", empty.Samples)
	}
}
