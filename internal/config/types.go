package config

import (
	"fmt"
	"strings"
	"time"

	"repost/internal/schedule"
)

// Config is the whole daemon configuration. One file, YAML or JSON, decoded
// strictly so typos in key names fail loudly instead of silently using
// defaults. All durations are Go duration strings (e.g. "90m", "6h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	API       APIConfig       `json:"api"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	Timezone  string          `json:"timezone,omitempty"` // IANA name, default UTC
	Policy    PolicyConfig    `json:"policy"`
	Publisher PublisherConfig `json:"publisher"`
	Discovery DiscoveryConfig `json:"discovery,omitempty"`
	Agent     AgentConfig     `json:"agent"`
	AI        AIConfig        `json:"ai,omitempty"`
	Health    HealthConfig    `json:"health,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"` // debug|info|warn|error
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "5s"
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"
}

// TelegramConfig is the operator alert channel. Optional; alerts are
// silently disabled when the token is empty.
type TelegramConfig struct {
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
}

// PolicyConfig mirrors schedule.Policy in config form.
type PolicyConfig struct {
	DailyCap        int      `json:"daily_cap,omitempty"`         // default 3
	MinSpacing      string   `json:"min_spacing,omitempty"`       // default "90m"
	WindowStartHour int      `json:"window_start_hour,omitempty"` // default 6
	WindowEndHour   int      `json:"window_end_hour,omitempty"`   // default 21
	Weekdays        []string `json:"weekdays,omitempty"`          // default Mon..Fri
	Jitter          string   `json:"jitter,omitempty"`            // default "15m", "0s" disables
	TierBoundaries  []string `json:"tier_boundaries,omitempty"`   // default ["3h","12h","24h"]
	CeilingDays     int      `json:"ceiling_days,omitempty"`      // default 60
}

type PublisherConfig struct {
	PollInterval string `json:"poll_interval,omitempty"` // default "5m"
	MaxRetries   *int   `json:"max_retries,omitempty"`   // unset → 5; 0 fails on first failure
	RetryDelay   string `json:"retry_delay,omitempty"`   // default "30m"
	Backoff      bool   `json:"backoff,omitempty"`       // exponential instead of fixed
	MaxPerHour   *int   `json:"max_per_hour,omitempty"`  // unset → 5; 0 disables the limiter
}

type DiscoveryConfig struct {
	Enabled           bool     `json:"enabled"`
	Cadence           string   `json:"cadence,omitempty"` // default "6h"
	Handles           []string `json:"handles,omitempty"`
	LookbackDays      int      `json:"lookback_days,omitempty"`        // default 7
	MaxPostsPerHandle int      `json:"max_posts_per_handle,omitempty"` // default 50
	VariantsPerItem   int      `json:"variants_per_item,omitempty"`    // default 3
}

// AgentConfig points at the browser-automation agent that performs the
// actual platform interaction.
type AgentConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "2m"
}

type AIConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Timeout  string `json:"timeout,omitempty"` // default "90s"
}

type HealthConfig struct {
	StallAlertAfter string `json:"stall_alert_after,omitempty"` // default "48h"
	RealertEvery    string `json:"realert_every,omitempty"`     // default "24h"
}

// Location resolves the configured timezone, defaulting to UTC.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// BuildPolicy materializes the scheduling policy, applying defaults and
// validating every knob. Invalid values are fatal at startup.
func (c *Config) BuildPolicy() (schedule.Policy, error) {
	loc, err := c.Location()
	if err != nil {
		return schedule.Policy{}, err
	}
	pc := c.Policy

	dailyCap := pc.DailyCap
	if dailyCap == 0 {
		dailyCap = 3
	}
	spacing, err := ParseDurationOrDefault("policy.min_spacing", pc.MinSpacing, 90*time.Minute)
	if err != nil {
		return schedule.Policy{}, err
	}
	jitter, err := ParseDurationOrDefault("policy.jitter", pc.Jitter, 15*time.Minute)
	if err != nil {
		return schedule.Policy{}, err
	}
	if strings.TrimSpace(pc.Jitter) == "0s" || strings.TrimSpace(pc.Jitter) == "0" {
		jitter = 0
	}

	start, end := pc.WindowStartHour, pc.WindowEndHour
	if start == 0 && end == 0 {
		start, end = 6, 21
	}

	days := pc.Weekdays
	if len(days) == 0 {
		days = []string{"Mon", "Tue", "Wed", "Thu", "Fri"}
	}
	mask, err := schedule.ParseWeekdays(days)
	if err != nil {
		return schedule.Policy{}, fmt.Errorf("policy.weekdays: %w", err)
	}

	rawBounds := pc.TierBoundaries
	if len(rawBounds) == 0 {
		rawBounds = []string{"3h", "12h", "24h"}
	}
	if len(rawBounds) != 3 {
		return schedule.Policy{}, fmt.Errorf("policy.tier_boundaries: need exactly 3 entries, got %d", len(rawBounds))
	}
	var bounds [3]time.Duration
	for i, raw := range rawBounds {
		d, err := ParseDurationField(fmt.Sprintf("policy.tier_boundaries[%d]", i), raw)
		if err != nil {
			return schedule.Policy{}, err
		}
		bounds[i] = d
	}

	ceiling := pc.CeilingDays
	if ceiling == 0 {
		ceiling = 60
	}

	pol := schedule.Policy{
		DailyCap:    dailyCap,
		MinSpacing:  spacing,
		WindowStart: start,
		WindowEnd:   end,
		Weekdays:    mask,
		Jitter:      jitter,
		TierBounds:  bounds,
		CeilingDays: ceiling,
		Loc:         loc,
	}
	if err := pol.Validate(); err != nil {
		return schedule.Policy{}, fmt.Errorf("policy: %w", err)
	}
	return pol, nil
}

// Validate checks everything beyond the policy: paths, addresses, retry
// knobs and duration strings. Called at startup (fatal) and before
// committing a hot reload (rejected).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := c.BuildPolicy(); err != nil {
		return err
	}
	if v := c.Publisher.MaxRetries; v != nil && *v < 0 {
		return fmt.Errorf("publisher.max_retries must be >= 0")
	}
	if v := c.Publisher.MaxPerHour; v != nil && *v < 0 {
		return fmt.Errorf("publisher.max_per_hour must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"publisher.poll_interval", c.Publisher.PollInterval},
		{"publisher.retry_delay", c.Publisher.RetryDelay},
		{"discovery.cadence", c.Discovery.Cadence},
		{"agent.timeout", c.Agent.Timeout},
		{"ai.timeout", c.AI.Timeout},
		{"health.stall_alert_after", c.Health.StallAlertAfter},
		{"health.realert_every", c.Health.RealertEvery},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Discovery.Enabled {
		if len(c.Discovery.Handles) == 0 {
			return fmt.Errorf("discovery.handles is required when discovery is enabled")
		}
		if c.Discovery.LookbackDays < 0 {
			return fmt.Errorf("discovery.lookback_days must be >= 0")
		}
		if strings.TrimSpace(c.AI.Endpoint) == "" {
			return fmt.Errorf("ai.endpoint is required when discovery is enabled")
		}
	}
	if strings.TrimSpace(c.Agent.BaseURL) == "" {
		return fmt.Errorf("agent.base_url is required")
	}
	return nil
}
