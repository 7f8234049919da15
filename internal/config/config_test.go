package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  path: /var/lib/repost/repost.db
api:
  enabled: true
  addr: 127.0.0.1:8080
timezone: UTC
policy:
  daily_cap: 3
  min_spacing: "90m"
  window_start_hour: 8
  window_end_hour: 18
  weekdays: [Mon, Tue, Wed, Thu, Fri]
  jitter: "15m"
  tier_boundaries: ["3h", "12h", "24h"]
  ceiling_days: 60
publisher:
  poll_interval: "5m"
  max_retries: 5
  retry_delay: "30m"
agent:
  base_url: http://127.0.0.1:9100
`

func intp(v int) *int { return &v }

func writeConfig(t *testing.T, name, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := writeConfig(t, "repost.yaml", sampleYAML)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	pol, err := cfg.BuildPolicy()
	if err != nil {
		t.Fatalf("BuildPolicy: %v", err)
	}
	if pol.DailyCap != 3 || pol.MinSpacing != 90*time.Minute || pol.WindowStart != 8 || pol.WindowEnd != 18 {
		t.Fatalf("unexpected policy: %+v", pol)
	}
	if pol.TierBounds != [3]time.Duration{3 * time.Hour, 12 * time.Hour, 24 * time.Hour} {
		t.Fatalf("unexpected tier bounds: %v", pol.TierBounds)
	}
	if pol.Weekdays.Has(time.Saturday) || !pol.Weekdays.Has(time.Wednesday) {
		t.Fatalf("unexpected weekday mask: %b", pol.Weekdays)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestPolicyDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Storage: StorageConfig{Path: "x.db"},
		Agent:   AgentConfig{BaseURL: "http://localhost:9100"},
	}
	pol, err := cfg.BuildPolicy()
	if err != nil {
		t.Fatalf("BuildPolicy: %v", err)
	}
	if pol.DailyCap != 3 || pol.MinSpacing != 90*time.Minute {
		t.Fatalf("defaults not applied: %+v", pol)
	}
	if pol.WindowStart != 6 || pol.WindowEnd != 21 {
		t.Fatalf("window defaults not applied: %d..%d", pol.WindowStart, pol.WindowEnd)
	}
	if pol.Jitter != 15*time.Minute || pol.CeilingDays != 60 {
		t.Fatalf("jitter/ceiling defaults not applied: %+v", pol)
	}
	if pol.Loc != time.UTC {
		t.Fatalf("Loc = %v, want UTC", pol.Loc)
	}
}

func TestJitterZeroDisables(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Storage: StorageConfig{Path: "x.db"},
		Agent:   AgentConfig{BaseURL: "http://localhost:9100"},
		Policy:  PolicyConfig{Jitter: "0s"},
	}
	pol, err := cfg.BuildPolicy()
	if err != nil {
		t.Fatalf("BuildPolicy: %v", err)
	}
	if pol.Jitter != 0 {
		t.Fatalf("Jitter = %s, want 0", pol.Jitter)
	}
}

func TestPublisherZeroKnobsSurviveDecode(t *testing.T) {
	t.Parallel()

	body := strings.Replace(sampleYAML, "max_retries: 5", "max_retries: 0\n  max_per_hour: 0", 1)
	m := writeConfig(t, "repost.yaml", body)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Publisher.MaxRetries == nil || *cfg.Publisher.MaxRetries != 0 {
		t.Fatalf("MaxRetries = %v, want explicit 0", cfg.Publisher.MaxRetries)
	}
	if cfg.Publisher.MaxPerHour == nil || *cfg.Publisher.MaxPerHour != 0 {
		t.Fatalf("MaxPerHour = %v, want explicit 0", cfg.Publisher.MaxPerHour)
	}

	m = writeConfig(t, "repost.yaml", strings.Replace(sampleYAML, "  max_retries: 5\n", "", 1))
	cfg, err = m.Load()
	if err != nil {
		t.Fatalf("Load without max_retries: %v", err)
	}
	if cfg.Publisher.MaxRetries != nil {
		t.Fatalf("MaxRetries = %v, want nil when absent", cfg.Publisher.MaxRetries)
	}
}

func TestStrictDecodeRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	m := writeConfig(t, "repost.yaml", sampleYAML+"\nbogus_key: true\n")
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Storage: StorageConfig{Path: "x.db"},
			Agent:   AgentConfig{BaseURL: "http://localhost:9100"},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"missing agent url", func(c *Config) { c.Agent.BaseURL = "" }, "agent.base_url"},
		{"bad spacing", func(c *Config) { c.Policy.MinSpacing = "ninety minutes" }, "min_spacing"},
		{"window inverted", func(c *Config) { c.Policy.WindowStartHour = 20; c.Policy.WindowEndHour = 8 }, "policy"},
		{"bad weekday", func(c *Config) { c.Policy.Weekdays = []string{"Blursday"} }, "weekdays"},
		{"two boundaries", func(c *Config) { c.Policy.TierBoundaries = []string{"3h", "12h"} }, "tier_boundaries"},
		{"negative retries", func(c *Config) { c.Publisher.MaxRetries = intp(-1) }, "max_retries"},
		{"negative per-hour cap", func(c *Config) { c.Publisher.MaxPerHour = intp(-1) }, "max_per_hour"},
		{"bad poll interval", func(c *Config) { c.Publisher.PollInterval = "soon" }, "poll_interval"},
		{"discovery without handles", func(c *Config) { c.Discovery.Enabled = true }, "handles"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", " 90m "); err != nil || d != 90*time.Minute {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5m"); err == nil {
		t.Fatal("negative accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
