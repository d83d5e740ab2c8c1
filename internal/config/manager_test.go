package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
dispatch:
  global_rate_per_sec: 25
  burst_ceiling: 20
  per_destination_per_minute: 20
  workers: 8
  flood_throttle_factor: 0.5
retry:
  max_attempts: 3
  backoff_base: 2s
health:
  skip_threshold: 3
  alert_threshold: 5
  skip_duration: 5m
scheduler:
  poll_interval: 5s
  recurring:
    - cron: "0 9 * * *"
      text: good morning
      targets: ["@chan1", "@chan2"]
storage:
  path: /tmp/castd.db
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Dispatch.GlobalRatePerSec != 25 || cfg.Dispatch.Workers != 8 {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Storage == nil || cfg.Storage.Path != "/tmp/castd.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Telegram != nil {
		t.Fatal("telegram section should be nil when omitted")
	}
	if len(cfg.Scheduler.Recurring) != 1 || cfg.Scheduler.Recurring[0].Cron != "0 9 * * *" {
		t.Fatalf("recurring = %+v", cfg.Scheduler.Recurring)
	}
	if len(cfg.Scheduler.Recurring[0].Targets) != 2 {
		t.Fatalf("recurring targets = %v", cfg.Scheduler.Recurring[0].Targets)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json",
		`{"logging":{"console":true},"dispatch":{"workers":4},"retry":{},"health":{},"scheduler":{}}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dispatch.Workers != 4 {
		t.Fatalf("workers = %d, want 4", cfg.Dispatch.Workers)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
dispatch:
  workerz: 8
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("typoed key must be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"dispatch":{}}{"extra":true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("trailing JSON must be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"500ms", 500 * time.Millisecond, false},
		{"2m30s", 2*time.Minute + 30*time.Second, false},
		{"banana", 0, true},
		{"-5s", 0, true},
	}
	for _, c := range cases {
		got, err := ParseDurationField("x", c.raw)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseDurationField(%q) err = %v, wantErr %v", c.raw, err, c.wantErr)
			continue
		}
		if got != c.want {
			t.Errorf("ParseDurationField(%q) = %v, want %v", c.raw, got, c.want)
		}
	}

	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Errorf("default = %v err=%v, want 7s", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "3s", 7*time.Second); err != nil || d != 3*time.Second {
		t.Errorf("explicit = %v err=%v, want 3s", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "0s", 7*time.Second); err != nil || d != 0 {
		t.Errorf("explicit zero = %v err=%v, want 0", d, err)
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "logging:\n  console: true\n")
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}
}
