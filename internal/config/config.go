package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"failkit/internal/gate"
	"failkit/internal/receipt"
)

// ConfigError reports a malformed configuration. It is fatal: a run never
// starts with one.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config.%s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Wrap marks err as a configuration error unless it already is one.
func Wrap(field string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return err
	}
	return &ConfigError{Field: field, Err: err}
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Config models failkit.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"project" json:"project"`
	Endpoint struct {
		URL     string            `yaml:"url" json:"url"`
		Timeout time.Duration     `yaml:"timeout" json:"timeout"`
		Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	} `yaml:"endpoint" json:"endpoint"`
	Runner   RunnerConfig   `yaml:"runner" json:"runner"`
	Gates    GatesConfig    `yaml:"gates" json:"gates"`
	Receipts ReceiptsConfig `yaml:"receipts" json:"receipts"`
	Decision DecisionConfig `yaml:"decision" json:"decision"`
	// Schemas maps expect.output_schema names to JSON Schema files.
	Schemas map[string]string `yaml:"schemas,omitempty" json:"schemas,omitempty"`
	Replay  struct {
		Dir string `yaml:"dir" json:"dir"`
	} `yaml:"replay" json:"replay"`
	Notify struct {
		Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
	} `yaml:"notify,omitempty" json:"notify,omitempty"`
}

// WebhookConfig posts matching events to URL. An empty Events list means
// run.completed only.
type WebhookConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Events  []string      `yaml:"events,omitempty" json:"events,omitempty"`
	Secret  string        `yaml:"secret,omitempty" json:"secret,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Enabled *bool         `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

type RunnerConfig struct {
	Concurrency  int           `yaml:"concurrency" json:"concurrency"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	RateLimit    float64       `yaml:"rate_limit" json:"rate_limit"`
	Burst        int           `yaml:"burst" json:"burst"`
	Retries      int           `yaml:"retries" json:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

type GatesConfig struct {
	EnforceReceipts     bool     `yaml:"enforce_receipts" json:"enforce_receipts"`
	EnforceToolFailures bool     `yaml:"enforce_tool_failures" json:"enforce_tool_failures"`
	EnforceEscalation   bool     `yaml:"enforce_escalation" json:"enforce_escalation"`
	ActionVerbs         []string `yaml:"action_verbs,omitempty" json:"action_verbs,omitempty"`
	Escalation          struct {
		Categories []string                 `yaml:"categories" json:"categories"`
		Patterns   []gate.EscalationPattern `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	} `yaml:"escalation" json:"escalation"`
}

type ReceiptsConfig struct {
	Strict     bool     `yaml:"strict" json:"strict"`
	Compliance []string `yaml:"compliance,omitempty" json:"compliance,omitempty"`
}

type DecisionConfig struct {
	MaxHighFailures int     `yaml:"max_high_failures" json:"max_high_failures"`
	MaxFailures     int     `yaml:"max_failures" json:"max_failures"`
	ShipPassRate    float64 `yaml:"ship_pass_rate" json:"ship_pass_rate"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with failkit config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project.ID) == "" {
		return configErr("project.id", "is required")
	}
	if c.Endpoint.Timeout < 0 {
		return configErr("endpoint.timeout", "must not be negative")
	}
	if c.Runner.Concurrency < 1 {
		return configErr("runner.concurrency", "must be at least 1")
	}
	if c.Runner.Timeout <= 0 {
		return configErr("runner.timeout", "must be positive")
	}
	if c.Runner.RateLimit < 0 {
		return configErr("runner.rate_limit", "must not be negative")
	}
	if c.Runner.Retries < 0 {
		return configErr("runner.retries", "must not be negative")
	}
	if err := c.validateEscalation(); err != nil {
		return err
	}
	if _, err := gate.New(c.GateConfig(receipt.Validator{})); err != nil {
		return Wrap("gates", err)
	}
	if _, err := receipt.ParseFrameworks(c.Receipts.Compliance); err != nil {
		return Wrap("receipts.compliance", err)
	}
	if c.Decision.MaxHighFailures < 1 {
		return configErr("decision.max_high_failures", "must be at least 1")
	}
	if c.Decision.MaxFailures < 1 {
		return configErr("decision.max_failures", "must be at least 1")
	}
	if c.Decision.ShipPassRate <= 0 || c.Decision.ShipPassRate > 1 {
		return configErr("decision.ship_pass_rate", "must be in (0, 1]")
	}
	for name, path := range c.Schemas {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(path) == "" {
			return configErr("schemas", "entries need a name and a path")
		}
	}
	for i, hook := range c.Notify.Webhooks {
		field := fmt.Sprintf("notify.webhooks[%d]", i)
		u, err := url.Parse(strings.TrimSpace(hook.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return configErr(field+".url", "must be an http(s) URL")
		}
		if hook.Timeout < 0 {
			return configErr(field+".timeout", "must not be negative")
		}
	}
	return nil
}

// validateEscalation rejects custom patterns the category list would silently
// switch off.
func (c *Config) validateEscalation() error {
	enabled := map[string]bool{}
	for _, cat := range c.Gates.Escalation.Categories {
		enabled[strings.ToLower(strings.TrimSpace(cat))] = true
	}
	for i, p := range c.Gates.Escalation.Patterns {
		field := fmt.Sprintf("gates.escalation.patterns[%d].category", i)
		cat := strings.ToLower(strings.TrimSpace(p.Category))
		if cat == "" {
			return configErr(field, "is required")
		}
		if len(enabled) > 0 && !enabled[cat] {
			return configErr(field, "%q is not listed in gates.escalation.categories", p.Category)
		}
	}
	return nil
}

// GateConfig translates the gates section for the gate pipeline.
func (c *Config) GateConfig(v receipt.Validator) gate.Config {
	return gate.Config{
		EnforceReceipts:      c.Gates.EnforceReceipts,
		EnforceToolFailures:  c.Gates.EnforceToolFailures,
		EnforceEscalation:    c.Gates.EnforceEscalation,
		ActionVerbs:          c.Gates.ActionVerbs,
		EscalationPatterns:   c.Gates.Escalation.Patterns,
		EscalationCategories: c.Gates.Escalation.Categories,
		Receipts:             v,
	}
}

// ReceiptOptions translates the receipts section for the validator.
func (c *Config) ReceiptOptions() (receipt.Options, error) {
	fws, err := receipt.ParseFrameworks(c.Receipts.Compliance)
	if err != nil {
		return receipt.Options{}, Wrap("receipts.compliance", err)
	}
	return receipt.Options{Strict: c.Receipts.Strict, Frameworks: fws}, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "failkit.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, "default"))).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("config: default template: %v", err))
	}
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	return ParseFor("", data)
}

// ParseFor is FromYAML with project.id defaulting to projectID.
func ParseFor(projectID string, data []byte) (*Config, error) {
	cfg := Default(projectID)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("invalid config yaml: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

const defaultTemplate = `project:
  id: %s

endpoint:
  url: http://localhost:8000/agent
  timeout: 30s

runner:
  concurrency: 4
  timeout: 30s
  rate_limit: 0
  burst: 1
  retries: 0
  retry_backoff: 500ms

gates:
  enforce_receipts: true
  enforce_tool_failures: true
  enforce_escalation: true
  escalation:
    # hostile is available but off by default
    categories: [financial, legal, employment, credentials]
    # custom patterns replace the built-in list; each category must be listed above
    # patterns: [{category: financial, pattern: "wire.*funds"}]

receipts:
  strict: false

decision:
  max_high_failures: 3
  max_failures: 5
  ship_pass_rate: 0.95

replay:
  dir: .failkit/replay
`
