package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"llmsched/internal/sched"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
scheduler:
  max_concurrent: 4
  request_timeout: 10s
  max_retries: 0
  enable_batching: true
  batch_timeout: 20ms
  enable_deduplication: false
  priority_levels: {high: 0, normal: 2, low: 4}
downstream:
  base_url: http://127.0.0.1:11434
  model: llama3
server:
  enabled: true
  addr: 127.0.0.1:8090
status_report:
  enabled: true
  schedule: "@every 30s"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	p := writeFile(t, t.TempDir(), "llmsched.yaml", sampleYAML)
	m := NewManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get does not return the committed config")
	}
	if cfg.Scheduler.MaxConcurrent != 4 || cfg.Downstream.Model != "llama3" {
		t.Fatalf("decoded = %+v", cfg)
	}

	sc, err := ToSchedulerConfig(cfg.Scheduler)
	if err != nil {
		t.Fatal(err)
	}
	if sc.MaxRetries != 0 {
		t.Fatalf("explicit max_retries 0 resolved to %d", sc.MaxRetries)
	}
	if sc.EnableDeduplication {
		t.Fatal("explicit enable_deduplication false was overridden")
	}
	if sc.RequestTimeout != 10*time.Second || sc.BatchTimeout != 20*time.Millisecond {
		t.Fatalf("durations = %v / %v", sc.RequestTimeout, sc.BatchTimeout)
	}
	if sc.Levels != (sched.PriorityLevels{High: 0, Normal: 2, Low: 4}) {
		t.Fatalf("levels = %+v", sc.Levels)
	}
	// Omitted fields keep the scheduler defaults.
	if sc.MaxQueueSize != 100 || sc.DedupTTL != 5*time.Minute {
		t.Fatalf("defaults not applied: %+v", sc)
	}
}

func TestLoadJSONRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"downstream":{"base_url":"http://x"},"schedular":{}}`)
	if _, err := NewManager(p).Load(); err == nil || !strings.Contains(err.Error(), "schedular") {
		t.Fatalf("err = %v, want unknown field error", err)
	}

	p = writeFile(t, dir, "two.json", `{"downstream":{"base_url":"http://x"}}{}`)
	if _, err := NewManager(p).Load(); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestSchedulerDefaults(t *testing.T) {
	t.Parallel()

	sc, err := ToSchedulerConfig(SchedulerConfig{})
	if err != nil {
		t.Fatal(err)
	}
	def := sched.DefaultConfig()
	if sc.MaxConcurrent != def.MaxConcurrent || sc.MaxRetries != def.MaxRetries || !sc.EnableDeduplication {
		t.Fatalf("resolved = %+v, want defaults", sc)
	}

	p, err := ToSchedulerPatch(SchedulerConfig{MaxConcurrent: 7})
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxConcurrent == nil || *p.MaxConcurrent != 7 || p.DedupTTL == nil || *p.DedupTTL != def.DedupTTL {
		t.Fatalf("patch = %+v", p)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{Downstream: DownstreamConfig{BaseURL: "http://127.0.0.1:8000"}}
	}
	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing base url", func(c *Config) { c.Downstream.BaseURL = "" }, "base_url is required"},
		{"bad scheme", func(c *Config) { c.Downstream.BaseURL = "ftp://x" }, "http(s)"},
		{"bad duration", func(c *Config) { c.Scheduler.RequestTimeout = "soon" }, "scheduler.request_timeout"},
		{"unordered levels", func(c *Config) {
			c.Scheduler.PriorityLevels = &PriorityLevelsConfig{High: 5, Normal: 1, Low: 10}
		}, "priority_levels"},
		{"unknown storage", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "unknown driver"},
		{"storage without path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"public pprof", func(c *Config) { c.Pprof = PprofConfig{Enabled: true, Addr: "0.0.0.0:6060"} }, "not loopback"},
		{"bad cron", func(c *Config) { c.StatusReport = StatusReportConfig{Enabled: true, Schedule: "every minute"} }, "status_report.schedule"},
		{"bad server addr", func(c *Config) { c.Server = ServerConfig{Enabled: true, Addr: "8090"} }, "server.addr"},
	}
	for _, tc := range cases {
		c := base()
		tc.mutate(c)
		err := c.Validate()
		switch {
		case tc.want == "" && err != nil:
			t.Errorf("%s: unexpected error %v", tc.name, err)
		case tc.want != "" && (err == nil || !strings.Contains(err.Error(), tc.want)):
			t.Errorf("%s: err = %v, want it to mention %q", tc.name, err, tc.want)
		}
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "c.yaml", sampleYAML)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if ok, err := m.Reload(context.Background()); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	writeFile(t, dir, "c.yaml", strings.Replace(sampleYAML, "max_concurrent: 4", "max_concurrent: 6", 1))
	if ok, err := m.Reload(context.Background()); !ok || err != nil {
		t.Fatalf("changed reload = %v, %v", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Scheduler.MaxConcurrent != 6 {
			t.Fatalf("published max_concurrent = %d", cfg.Scheduler.MaxConcurrent)
		}
	default:
		t.Fatal("nothing published")
	}

	writeFile(t, dir, "c.yaml", strings.Replace(sampleYAML, "request_timeout: 10s", "request_timeout: nope", 1))
	if ok, err := m.Reload(context.Background()); ok || err == nil {
		t.Fatalf("invalid reload = %v, %v", ok, err)
	}
	if m.Get().Scheduler.MaxConcurrent != 6 {
		t.Fatal("invalid file replaced the committed config")
	}
}

func TestReloadValidatorCanReject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "c.yaml", sampleYAML)
	m := NewManager(p, WithValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Scheduler.MaxConcurrent > 5 {
			return os.ErrPermission
		}
		return nil
	}))
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "c.yaml", strings.Replace(sampleYAML, "max_concurrent: 4", "max_concurrent: 9", 1))
	if ok, err := m.Reload(context.Background()); ok || err == nil {
		t.Fatalf("reload = %v, %v, want rejection", ok, err)
	}
}

func TestWatchPicksUpEdits(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "c.yaml", sampleYAML)
	m := NewManager(p, WithDebounce(20*time.Millisecond))
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to register before editing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "c.yaml", strings.Replace(sampleYAML, "level: debug", "level: warn", 1))

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published after edit")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Downstream: DownstreamConfig{BaseURL: "http://a", APIKey: "secret"}}
	newCfg := &Config{
		Downstream: DownstreamConfig{BaseURL: "http://b", APIKey: "secret2"},
		Scheduler:  SchedulerConfig{MaxConcurrent: 3, DedupMaxEntries: 10},
	}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "scheduler,downstream" {
		t.Fatalf("changed = %v", changed)
	}
	restart := RestartRequired(oldCfg, newCfg)
	if strings.Join(restart, ",") != "downstream,scheduler.dedup_max_entries" {
		t.Fatalf("restart = %v", restart)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := ParseDurationField("x", " 2m "); err != nil || d != 2*time.Minute {
		t.Fatalf("padded = %v, %v", d, err)
	}
}
