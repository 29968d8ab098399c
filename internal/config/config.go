package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models phaseline.yml.
type Config struct {
	Cycle struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"cycle"`
	Phases struct {
		Catalog map[string]PhaseSpec `yaml:"catalog"`
		Order   []string             `yaml:"order"`
	} `yaml:"phases"`
	Retry struct {
		Policies map[string]RetryPolicy `yaml:"policies"`
	} `yaml:"retry"`
	Compensation struct {
		Policies map[string]CompensationPolicy `yaml:"policies"`
	} `yaml:"compensation"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// PhaseSpec describes one phase type in the cycle catalog.
type PhaseSpec struct {
	Description  string           `yaml:"description"`
	Optional     bool             `yaml:"optional"`
	CarryForward CarryForwardRule `yaml:"carry_forward"`
}

// CarryForwardRule selects how items are copied from a parent version
// into a new draft.
type CarryForwardRule struct {
	// Mode: approved_only copies report-owner-approved items and resets
	// the owner decision; auto_approve additionally pre-sets both
	// decisions when Stable is true; none disables copying.
	Mode   string `yaml:"mode"`
	Stable bool   `yaml:"stable"`
}

// RetryPolicy is the retry configuration for one activity class.
type RetryPolicy struct {
	MaxAttempts        int      `yaml:"max_attempts"`
	InitialInterval    Duration `yaml:"initial_interval"`
	BackoffCoefficient float64  `yaml:"backoff_coefficient"`
	MaxInterval        Duration `yaml:"max_interval"`
	NonRetryable       []string `yaml:"non_retryable"`
}

// CompensationPolicy is the corrective action for a phase whose
// activity failed after retries.
type CompensationPolicy struct {
	Action                string   `yaml:"action"`
	NotifyTargets         []string `yaml:"notify_targets"`
	RollbackTargets       []string `yaml:"rollback_targets"`
	RequiresHumanApproval bool     `yaml:"requires_human_approval"`
}

type WebhookConfig struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Duration wraps time.Duration for yaml values like "500ms" or "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

var compensationActions = map[string]bool{
	"rollback":            true,
	"partial_rollback":    true,
	"notify":              true,
	"skip":                true,
	"manual_intervention": true,
}

var carryForwardModes = map[string]bool{
	"":              true, // defaults to approved_only
	"approved_only": true,
	"auto_approve":  true,
	"none":          true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl cycle config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Cycle.ID == "" {
		return fmt.Errorf("config.cycle.id is required")
	}
	if c.Cycle.Kind != "test-cycle" {
		return fmt.Errorf("config.cycle.kind must be 'test-cycle'")
	}
	if len(c.Phases.Catalog) == 0 {
		return fmt.Errorf("config.phases.catalog is required")
	}
	for name, spec := range c.Phases.Catalog {
		if name == "" {
			return fmt.Errorf("config.phases.catalog contains empty phase name")
		}
		if !carryForwardModes[spec.CarryForward.Mode] {
			return fmt.Errorf("phase %s has unknown carry_forward mode %s", name, spec.CarryForward.Mode)
		}
		if spec.CarryForward.Mode == "auto_approve" && !spec.CarryForward.Stable {
			return fmt.Errorf("phase %s: carry_forward auto_approve requires stable: true", name)
		}
	}
	for _, name := range c.Phases.Order {
		if _, ok := c.Phases.Catalog[name]; !ok {
			return fmt.Errorf("config.phases.order references unknown phase %s", name)
		}
	}
	for class, p := range c.Retry.Policies {
		if class == "" {
			return fmt.Errorf("config.retry.policies contains empty activity class")
		}
		if p.MaxAttempts < 1 {
			return fmt.Errorf("retry policy %s: max_attempts must be >= 1", class)
		}
		if p.BackoffCoefficient != 0 && p.BackoffCoefficient < 1 {
			return fmt.Errorf("retry policy %s: backoff_coefficient must be >= 1", class)
		}
		if p.MaxInterval != 0 && p.MaxInterval < p.InitialInterval {
			return fmt.Errorf("retry policy %s: max_interval below initial_interval", class)
		}
	}
	webhookNames := map[string]bool{}
	for _, w := range c.Webhooks {
		if w.Name == "" || w.URL == "" {
			return fmt.Errorf("config.webhooks entries require name and url")
		}
		webhookNames[w.Name] = true
	}
	for phase, p := range c.Compensation.Policies {
		if _, ok := c.Phases.Catalog[phase]; !ok {
			return fmt.Errorf("compensation policy for unknown phase %s", phase)
		}
		if !compensationActions[p.Action] {
			return fmt.Errorf("compensation policy %s: unknown action %s", phase, p.Action)
		}
		if p.Action == "rollback" && len(p.RollbackTargets) == 0 {
			return fmt.Errorf("compensation policy %s: rollback requires rollback_targets", phase)
		}
		for _, target := range p.RollbackTargets {
			if _, ok := c.Phases.Catalog[target]; !ok {
				return fmt.Errorf("compensation policy %s: rollback target %s not in catalog", phase, target)
			}
		}
		if len(webhookNames) > 0 {
			for _, target := range p.NotifyTargets {
				if !webhookNames[target] {
					return fmt.Errorf("compensation policy %s: notify target %s not a configured webhook", phase, target)
				}
			}
		}
	}
	return nil
}

// CarryForwardFor returns the effective carry-forward rule for a phase name.
func (c *Config) CarryForwardFor(phaseName string) CarryForwardRule {
	spec, ok := c.Phases.Catalog[phaseName]
	if !ok || spec.CarryForward.Mode == "" {
		return CarryForwardRule{Mode: "approved_only"}
	}
	return spec.CarryForward
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phaseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(cycleID string) string {
	return fmt.Sprintf(defaultTemplate, cycleID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a cycle.
func Default(cycleID string) *Config {
	var cfg Config
	cfg.Cycle.ID = cycleID
	cfg.Cycle.Kind = "test-cycle"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, cycleID))).Decode(&cfg)
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

const defaultTemplate = `cycle:
  id: %s
  kind: test-cycle

phases:
  catalog:
    planning:
      description: "Scope the report, identify candidate attributes"
      carry_forward:
        mode: approved_only
    scoping:
      description: "Select attributes in scope for testing"
      carry_forward:
        mode: approved_only
    data_profiling:
      description: "Generate and approve profiling rules"
      carry_forward:
        mode: approved_only
    sample_selection:
      description: "Select samples for testing"
      carry_forward:
        mode: none
    request_info:
      description: "Collect source evidence from data providers"
      carry_forward:
        mode: none
    test_execution:
      description: "Execute tests against samples and evidence"
      carry_forward:
        mode: none
    observation_mgmt:
      description: "Track and rate observations"
      optional: true
      carry_forward:
        mode: approved_only

  order:
    - planning
    - scoping
    - data_profiling
    - sample_selection
    - request_info
    - test_execution
    - observation_mgmt

retry:
  policies:
    data_fetch:
      max_attempts: 3
      initial_interval: 1s
      backoff_coefficient: 2.0
      max_interval: 30s
      non_retryable: [validation, not_found]
    llm_request:
      max_attempts: 5
      initial_interval: 2s
      backoff_coefficient: 2.0
      max_interval: 60s
      non_retryable: [invalid_prompt, quota_exceeded]
    database_operation:
      max_attempts: 3
      initial_interval: 500ms
      backoff_coefficient: 2.0
      max_interval: 10s
      non_retryable: [constraint_violation]
    file_processing:
      max_attempts: 2
      initial_interval: 1s
      backoff_coefficient: 2.0
      max_interval: 5s
      non_retryable: [corrupt_file]
    notification:
      max_attempts: 3
      initial_interval: 1s
      backoff_coefficient: 2.0
      max_interval: 15s
      non_retryable: []

compensation:
  policies:
    planning:
      action: notify
    scoping:
      action: rollback
      rollback_targets: [scoping]
    data_profiling:
      action: partial_rollback
    sample_selection:
      action: rollback
      rollback_targets: [sample_selection]
    request_info:
      action: notify
    test_execution:
      action: manual_intervention
      requires_human_approval: true
    observation_mgmt:
      action: skip
`
