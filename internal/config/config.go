package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"fleetline/internal/domain"
)

// Config models fleetline.yml. A loaded value is treated as immutable for the
// lifetime of the process.
type Config struct {
	Project struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"project" json:"project"`
	Capabilities []domain.Capability `yaml:"capabilities" json:"capabilities"`
	Sessions     struct {
		TimeoutMinutes int    `yaml:"timeout_minutes" json:"timeout_minutes"`
		SweepInterval  string `yaml:"sweep_interval" json:"sweep_interval"`
	} `yaml:"sessions" json:"sessions"`
	Agents struct {
		AssessmentWindow  int     `yaml:"assessment_window" json:"assessment_window"`
		TrendRecentWindow int     `yaml:"trend_recent_window" json:"trend_recent_window"`
		TrendPriorWindow  int     `yaml:"trend_prior_window" json:"trend_prior_window"`
		TrendThreshold    float64 `yaml:"trend_threshold" json:"trend_threshold"`
	} `yaml:"agents" json:"agents"`
	Acceptance struct {
		PassThreshold  float64 `yaml:"pass_threshold" json:"pass_threshold"`
		CriticalWeight float64 `yaml:"critical_weight" json:"critical_weight"`
	} `yaml:"acceptance" json:"acceptance"`
	Events struct {
		MaxAppendRetries int `yaml:"max_append_retries" json:"max_append_retries"`
	} `yaml:"events" json:"events"`
	Notifications struct {
		Webhooks []Webhook `yaml:"webhooks" json:"webhooks"`
		Redis    struct {
			Addr   string `yaml:"addr" json:"addr"`
			Stream string `yaml:"stream" json:"stream"`
			MaxLen int64  `yaml:"max_len" json:"max_len"`
		} `yaml:"redis" json:"redis"`
	} `yaml:"notifications" json:"notifications"`
}

type Webhook struct {
	URL            string   `yaml:"url" json:"url"`
	Kinds          []string `yaml:"kinds" json:"kinds"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Capabilities) == 0 {
		return fmt.Errorf("config.capabilities must list at least one capability")
	}
	seen := map[domain.Capability]bool{}
	for _, name := range c.Capabilities {
		if name == "" {
			return fmt.Errorf("config.capabilities contains an empty entry")
		}
		if seen[name] {
			return fmt.Errorf("config.capabilities lists %s twice", name)
		}
		seen[name] = true
	}
	if c.Sessions.TimeoutMinutes <= 0 {
		return fmt.Errorf("config.sessions.timeout_minutes must be positive")
	}
	if c.Sessions.SweepInterval != "" {
		d, err := time.ParseDuration(c.Sessions.SweepInterval)
		if err != nil {
			return fmt.Errorf("config.sessions.sweep_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.sessions.sweep_interval must be positive")
		}
	}
	if c.Agents.AssessmentWindow <= 0 {
		return fmt.Errorf("config.agents.assessment_window must be positive")
	}
	if c.Agents.TrendRecentWindow <= 0 || c.Agents.TrendPriorWindow <= 0 {
		return fmt.Errorf("config.agents trend windows must be positive")
	}
	if c.Agents.TrendRecentWindow+c.Agents.TrendPriorWindow > c.Agents.AssessmentWindow {
		return fmt.Errorf("config.agents trend windows exceed assessment_window")
	}
	if c.Agents.TrendThreshold < 0 {
		return fmt.Errorf("config.agents.trend_threshold must not be negative")
	}
	if c.Acceptance.PassThreshold < 0 || c.Acceptance.PassThreshold > 1 {
		return fmt.Errorf("config.acceptance.pass_threshold must be within [0,1]")
	}
	if c.Acceptance.CriticalWeight <= 0 || c.Acceptance.CriticalWeight > 1 {
		return fmt.Errorf("config.acceptance.critical_weight must be within (0,1]")
	}
	if c.Events.MaxAppendRetries <= 0 {
		return fmt.Errorf("config.events.max_append_retries must be positive")
	}
	for i, wh := range c.Notifications.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	if c.Notifications.Redis.Addr != "" && c.Notifications.Redis.Stream == "" {
		return fmt.Errorf("config.notifications.redis.stream is required when addr is set")
	}
	return nil
}

// HasCapability reports whether name belongs to the configured taxonomy.
func (c *Config) HasCapability(name domain.Capability) bool {
	for _, known := range c.Capabilities {
		if known == name {
			return true
		}
	}
	return false
}

// SweepInterval returns how often the timeout sweeper runs.
func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Sessions.SweepInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fleetline.yml")
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
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	cfg.Project.ID = ""
	cfg.Capabilities = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = append([]domain.Capability(nil), domain.DefaultCapabilities...)
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

const defaultTemplate = `project:
  id: %s

capabilities:
  - frontend
  - backend
  - database
  - devops
  - testing
  - security
  - documentation
  - architecture
  - data_science
  - mobile

sessions:
  timeout_minutes: 30
  sweep_interval: 30s

agents:
  assessment_window: 50
  trend_recent_window: 10
  trend_prior_window: 5
  trend_threshold: 0.5

acceptance:
  pass_threshold: 0.8
  critical_weight: 0.3

events:
  max_append_retries: 5

notifications:
  webhooks: []
  redis:
    addr: ""
    stream: fleetline:notifications
    max_len: 10000
`
