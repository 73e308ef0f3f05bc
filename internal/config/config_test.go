package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	if cfg.Startup.ID != "acme" {
		t.Fatalf("startup id = %q", cfg.Startup.ID)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Subscriptions["founder-copilot"]) == 0 {
		t.Fatal("default subscriptions missing founder-copilot")
	}
	if cfg.Defaults.QuietStart != "22:00" || cfg.Defaults.QuietEnd != "07:00" {
		t.Fatalf("default quiet window = %s-%s", cfg.Defaults.QuietStart, cfg.Defaults.QuietEnd)
	}
	if len(cfg.Rules) == 0 {
		t.Fatal("default config seeds no rules")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing id", `startup: {name: x}`, "startup.id is required"},
		{"empty patterns", "startup: {id: acme}\nsubscriptions:\n  cfo-agent: []", "no subscription patterns"},
		{"blank pattern", "startup: {id: acme}\nsubscriptions:\n  cfo-agent: [\" \"]", "empty subscription pattern"},
		{"bad clock", "startup: {id: acme}\ndefaults: {quiet_start: \"25:00\"}", "invalid hour"},
		{"clock shape", "startup: {id: acme}\ndefaults: {quiet_end: noonish}", "must be HH:MM"},
		{"rule without name", "startup: {id: acme}\nrules:\n  - kind: heartbeat", "name is required"},
		{"unknown rule kind", "startup: {id: acme}\nrules:\n  - name: r\n    kind: astrology\n    checklist: [{name: c}]", "unknown kind"},
		{"empty checklist", "startup: {id: acme}\nrules:\n  - name: r", "empty checklist"},
		{"duplicate rule", "startup: {id: acme}\nrules:\n  - name: r\n    checklist: [{name: c}]\n  - name: r\n    checklist: [{name: c}]", "duplicate rule name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestFromYAML(t *testing.T) {
	raw := `
startup:
  id: acme
  name: Acme Inc
  timezone: Europe/Paris

subscriptions:
  cfo-agent: ["metrics.*", "runway.*"]

approval:
  require_for: [spend]
  expire_hours: 12

rules:
  - id: seed-runway
    name: runway-watch
    kind: heartbeat
    quiet_start: "23:00"
    quiet_end: "06:30"
    cooldown_minutes: 30
    checklist:
      - name: runway_months
        condition: {metric: runway_months, below: 6}
        escalate: true
`
	cfg, err := FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Startup.Timezone != "Europe/Paris" {
		t.Fatalf("timezone = %s", cfg.Startup.Timezone)
	}
	if got := cfg.Subscriptions["cfo-agent"]; len(got) != 2 || got[0] != "metrics.*" {
		t.Fatalf("subscriptions = %v", got)
	}
	if cfg.Approval.ExpireHours != 12 || len(cfg.Approval.RequireFor) != 1 {
		t.Fatalf("approval = %+v", cfg.Approval)
	}
	rule := cfg.Rules[0]
	if rule.ID != "seed-runway" || rule.QuietStart != "23:00" {
		t.Fatalf("rule = %+v", rule)
	}
	if rule.CooldownMinutes == nil || *rule.CooldownMinutes != 30 {
		t.Fatalf("cooldown = %v", rule.CooldownMinutes)
	}
	if !rule.Checklist[0].Escalate {
		t.Fatal("escalate flag lost")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file: cfg=%v err=%v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pulseline.yml"), []byte("startup: {id: acme}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Startup.ID != "acme" {
		t.Fatalf("id = %s", cfg.Startup.ID)
	}
}
