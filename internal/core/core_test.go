// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package core

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/tabularium/internal/events"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func tradeEvent(symbol string, seq uint64) *events.MarketEvent {
	e := events.New("test", symbol, time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
		&events.TradePayload{Price: 100.5, Size: 10, Aggressor: events.AggressorBuy})
	e.Sequence = seq
	return e
}

func writeEventFile(t *testing.T, path string, evs ...*events.MarketEvent) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var buf bytes.Buffer
	for _, e := range evs {
		data, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// listPartitions collects every partition file under the data root,
// skipping internal underscore directories.
func listPartitions(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), "_") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".jsonl") || strings.HasSuffix(d.Name(), ".jsonl.gz") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return out
}

func TestOptionsNormalizeDefaults(t *testing.T) {
	opts := Options{}
	if err := opts.normalize(); err != nil {
		t.Fatalf("normalize() error = %v", err)
	}
	if opts.Mode != ModeHeadless {
		t.Errorf("Mode = %q, want %q", opts.Mode, ModeHeadless)
	}
	if opts.Command != CommandRun {
		t.Errorf("Command = %q, want %q", opts.Command, CommandRun)
	}
}

func TestOptionsNormalize(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{name: "web mode", opts: Options{Mode: ModeWeb}},
		{name: "desktop mode", opts: Options{Mode: ModeDesktop}},
		{name: "backfill command", opts: Options{Command: CommandBackfill}},
		{name: "replay with path", opts: Options{Command: CommandReplay, ReplayPath: "/tmp/archive"}},
		{name: "max port", opts: Options{Port: 65535}},
		{
			name:    "unknown mode",
			opts:    Options{Mode: "gui"},
			wantErr: `unknown mode "gui": use headless, web, or desktop`,
		},
		{
			name:    "unknown command",
			opts:    Options{Command: "capture"},
			wantErr: `unknown command "capture": use run, backfill, or replay`,
		},
		{
			name:    "replay without path",
			opts:    Options{Command: CommandReplay},
			wantErr: "replay command requires a replay path",
		},
		{
			name:    "negative port",
			opts:    Options{Port: -1},
			wantErr: "port -1 out of range 0..65535",
		},
		{
			name:    "port too large",
			opts:    Options{Port: 70000},
			wantErr: "port 70000 out of range 0..65535",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.normalize()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("normalize() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("normalize() expected error %q, got nil", tt.wantErr)
			}
			if err.Error() != tt.wantErr {
				t.Fatalf("normalize() error = %q, want %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestRunConfigErrors(t *testing.T) {
	t.Run("missing explicit config", func(t *testing.T) {
		code := Run(context.Background(), Options{ConfigPath: "/non/existent/config.yaml"})
		if code != ExitConfig {
			t.Fatalf("Run() = %d, want %d", code, ExitConfig)
		}
	})

	t.Run("malformed config", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "storage: [not, a, map]")
		code := Run(context.Background(), Options{ConfigPath: path})
		if code != ExitConfig {
			t.Fatalf("Run() = %d, want %d", code, ExitConfig)
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		code := Run(context.Background(), Options{Mode: "gui"})
		if code != ExitConfig {
			t.Fatalf("Run() = %d, want %d", code, ExitConfig)
		}
	})

	t.Run("replay without path", func(t *testing.T) {
		code := Run(context.Background(), Options{Command: CommandReplay})
		if code != ExitConfig {
			t.Fatalf("Run() = %d, want %d", code, ExitConfig)
		}
	})
}

func TestRunReplay(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "data")
	cfgPath := writeConfig(t, tmp, fmt.Sprintf(`
storage:
  data_root: "%s"
wal:
  enabled: false
dedup:
  enabled: false
status:
  enabled: false
ops:
  enabled: false
symbols: [SPY]
`, root))

	replayDir := filepath.Join(tmp, "archive")
	writeEventFile(t, filepath.Join(replayDir, "day.jsonl"),
		tradeEvent("SPY", 1), tradeEvent("SPY", 2), tradeEvent("QQQ", 1))

	code := Run(context.Background(), Options{
		ConfigPath: cfgPath,
		Command:    CommandReplay,
		ReplayPath: replayDir,
	})
	if code != ExitOK {
		t.Fatalf("Run() = %d, want %d", code, ExitOK)
	}

	partitions := listPartitions(t, root)
	if len(partitions) == 0 {
		t.Fatal("expected replayed events to reach partition files, found none")
	}
}

func TestRunReplayMissingPath(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "data")
	cfgPath := writeConfig(t, tmp, fmt.Sprintf(`
storage:
  data_root: "%s"
wal:
  enabled: false
dedup:
  enabled: false
status:
  enabled: false
ops:
  enabled: false
`, root))

	code := Run(context.Background(), Options{
		ConfigPath: cfgPath,
		Command:    CommandReplay,
		ReplayPath: filepath.Join(tmp, "no-such-archive"),
	})
	if code != ExitFileAccess {
		t.Fatalf("Run() = %d, want %d", code, ExitFileAccess)
	}
}

func TestRunBackfillNoJobs(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "data")
	cfgPath := writeConfig(t, tmp, fmt.Sprintf(`
storage:
  data_root: "%s"
wal:
  enabled: false
dedup:
  enabled: false
status:
  enabled: false
ops:
  enabled: false
`, root))

	code := Run(context.Background(), Options{ConfigPath: cfgPath, Command: CommandBackfill})
	if code != ExitOK {
		t.Fatalf("Run() = %d, want %d", code, ExitOK)
	}
}

func TestRunCaptureShutdown(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "data")
	cfgPath := writeConfig(t, tmp, fmt.Sprintf(`
storage:
  data_root: "%s"
dedup:
  enabled: false
status:
  enabled: false
ops:
  enabled: false
providers:
  streaming:
    - name: sim
      kind: simulated
      enabled: true
      seed: 7
failover:
  primary: sim
symbols: [SPY, QQQ]
`, root))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	code := Run(ctx, Options{ConfigPath: cfgPath})
	if code != ExitOK {
		t.Fatalf("Run() = %d, want %d", code, ExitOK)
	}

	// WAL is on by default, so the capture run must have created it.
	if _, err := os.Stat(filepath.Join(root, "_wal")); err != nil {
		t.Fatalf("expected WAL directory after capture run: %v", err)
	}
}

func TestDeriveDir(t *testing.T) {
	if got, want := deriveDir("", "/data/market", "_wal"), filepath.Join("/data/market", "_wal"); got != want {
		t.Errorf("deriveDir() = %q, want %q", got, want)
	}
	if got := deriveDir("/explicit/wal", "/data/market", "_wal"); got != "/explicit/wal" {
		t.Errorf("deriveDir() = %q, want %q", got, "/explicit/wal")
	}
}
