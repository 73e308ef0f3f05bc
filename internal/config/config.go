package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models pulseline.yml. It is stored per-startup in the DB and
// injected at construction time; nothing reads it as global state, so
// multiple bus/evaluator instances (tests included) don't interfere.
type Config struct {
	Startup struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Timezone string `yaml:"timezone"`
	} `yaml:"startup"`

	// Subscriptions is the static registry: agent id -> topic patterns.
	// "*" matches everything, "metrics.*" matches any topic under the
	// metrics. prefix, anything else is an exact match.
	Subscriptions map[string][]string `yaml:"subscriptions"`

	Defaults struct {
		QuietStart        string `yaml:"quiet_start"`
		QuietEnd          string `yaml:"quiet_end"`
		CooldownMinutes   int    `yaml:"cooldown_minutes"`
		MaxTriggersPerDay int    `yaml:"max_triggers_per_day"`
	} `yaml:"defaults"`

	Approval struct {
		// RequireFor lists action categories that must go through
		// human approval regardless of autonomy level.
		RequireFor  []string `yaml:"require_for"`
		ExpireHours int      `yaml:"expire_hours"`
	} `yaml:"approval"`

	Rules []RuleConfig `yaml:"rules"`

	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// RuleConfig seeds a trigger rule at startup registration.
type RuleConfig struct {
	ID                string        `yaml:"id"`
	Name              string        `yaml:"name"`
	Kind              string        `yaml:"kind"`
	Checklist         []CheckConfig `yaml:"checklist"`
	QuietStart        string        `yaml:"quiet_start"`
	QuietEnd          string        `yaml:"quiet_end"`
	CooldownMinutes   *int          `yaml:"cooldown_minutes"`
	MaxTriggersPerDay *int          `yaml:"max_triggers_per_day"`
}

type CheckConfig struct {
	Name      string         `yaml:"name"`
	Condition map[string]any `yaml:"condition"`
	Action    string         `yaml:"action"`
	Escalate  bool           `yaml:"escalate"`
}

// WebhookConfig fans ledger entries out to an external URL.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var ruleKinds = map[string]bool{"heartbeat": true, "metric": true, "time": true, "event": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Startup.ID == "" {
		return fmt.Errorf("config.startup.id is required")
	}
	for agent, patterns := range c.Subscriptions {
		if agent == "" {
			return fmt.Errorf("config.subscriptions contains empty agent id")
		}
		if len(patterns) == 0 {
			return fmt.Errorf("agent %s has no subscription patterns", agent)
		}
		for _, p := range patterns {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("agent %s has empty subscription pattern", agent)
			}
		}
	}
	if err := validateClock("defaults.quiet_start", c.Defaults.QuietStart); err != nil {
		return err
	}
	if err := validateClock("defaults.quiet_end", c.Defaults.QuietEnd); err != nil {
		return err
	}
	seen := map[string]bool{}
	for i, r := range c.Rules {
		if r.Name == "" {
			return fmt.Errorf("rules[%d].name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule name %s", r.Name)
		}
		seen[r.Name] = true
		if r.Kind != "" && !ruleKinds[r.Kind] {
			return fmt.Errorf("rule %s has unknown kind %s", r.Name, r.Kind)
		}
		if len(r.Checklist) == 0 {
			return fmt.Errorf("rule %s has empty checklist", r.Name)
		}
		for _, chk := range r.Checklist {
			if chk.Name == "" {
				return fmt.Errorf("rule %s has checklist entry without name", r.Name)
			}
		}
		if err := validateClock(fmt.Sprintf("rules[%d].quiet_start", i), r.QuietStart); err != nil {
			return err
		}
		if err := validateClock(fmt.Sprintf("rules[%d].quiet_end", i), r.QuietEnd); err != nil {
			return err
		}
	}
	return nil
}

func validateClock(field, v string) error {
	if v == "" {
		return nil
	}
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("config.%s must be HH:MM, got %q", field, v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return fmt.Errorf("config.%s has invalid hour %q", field, parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return fmt.Errorf("config.%s has invalid minute %q", field, parts[1])
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pulseline.yml")
}

// Default returns the default Config struct for a startup.
func Default(startupID string) *Config {
	var cfg Config
	cfg.Startup.ID = startupID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, startupID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the workspace config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `startup:
  id: %s
  timezone: UTC

subscriptions:
  founder-copilot: ["*"]
  sales-agent: ["metrics.revenue.*", "pipeline.*"]
  finance-agent: ["metrics.*", "runway.*"]
  ops-agent: ["heartbeat.*", "incident.*"]

defaults:
  quiet_start: "22:00"
  quiet_end: "07:00"
  cooldown_minutes: 60
  max_triggers_per_day: 5

approval:
  require_for: [payments, legal, outreach]
  expire_hours: 48

rules:
  - name: runway-heartbeat
    kind: heartbeat
    checklist:
      - name: runway_months
        condition: {metric: runway_months, below: 6}
        action: alert_founder
        escalate: true
      - name: burn_rate_spike
        condition: {metric: burn_rate, above_pct: 20}
        action: flag_spend
  - name: pipeline-heartbeat
    kind: metric
    checklist:
      - name: stale_deals
        condition: {metric: stale_deal_count, above: 3}
        action: nudge_sales
`
