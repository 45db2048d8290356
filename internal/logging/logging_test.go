package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_ConsoleLevelAndNoColor(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(Options{Level: "warn", Console: &buf})
	defer closer()

	logger.Info("hidden")
	logger.Warn("shown", "component", "syncer")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record logged at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "component=syncer") {
		t.Errorf("unexpected output: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("non-terminal output contains color codes: %q", out)
	}
}

func TestNew_LevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	var buf bytes.Buffer
	logger, _ := New(Options{Console: &buf})
	logger.Debug("details")
	if !strings.Contains(buf.String(), "details") {
		t.Errorf("debug record missing with LOG_LEVEL=debug: %q", buf.String())
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tripsync.log")
	var console bytes.Buffer
	logger, closer := New(Options{Level: "info", Console: &console, File: path, MaxSizeMB: 1})

	logger.With("component", "hub").Info("client connected", "clients", 2)
	if err := closer(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if !strings.Contains(console.String(), "client connected") {
		t.Errorf("console missing record: %q", console.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("log file is not JSON: %v\n%s", err, data)
	}
	if rec["msg"] != "client connected" || rec["component"] != "hub" || rec["clients"] != float64(2) {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestSetup_InstallsDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, _ := Setup(Options{Level: "info", Console: &buf})
	if slog.Default() != logger {
		t.Fatal("Setup did not install the logger")
	}
	slog.Info("via default")
	if !strings.Contains(buf.String(), "via default") {
		t.Errorf("default logger did not write to console: %q", buf.String())
	}
}
