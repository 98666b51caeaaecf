package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"mixsniff/aggregate"
	"mixsniff/classify"
	"mixsniff/midi"
	"mixsniff/monitor"
)

// Duration is a time.Duration written as "500ms" in TOML
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// QueueConfig sizes the aggregator
type QueueConfig struct {
	Capacity   int      `toml:"capacity"`
	Grace      Duration `toml:"grace"`
	MaxNotices int      `toml:"max_notices,omitempty"`
}

// PolicyConfig maps kind names to decisions
type PolicyConfig struct {
	Default classify.Decision            `toml:"default"`
	Kinds   map[string]classify.Decision `toml:"kinds"`
}

// TriggerConfig is a request message sent periodically to an output port
type TriggerConfig struct {
	Name     string   `toml:"name"`
	Port     string   `toml:"port"`
	Message  string   `toml:"message"`
	Interval Duration `toml:"interval"`
}

// Config is the main configuration structure
type Config struct {
	Ports    []string        `toml:"ports"`
	MaxSysEx int             `toml:"max_sysex"`
	Theme    string          `toml:"theme,omitempty"`
	Queue    QueueConfig     `toml:"queue"`
	Policy   PolicyConfig    `toml:"policy"`
	Rules    []classify.Rule `toml:"rules"`
	Triggers []TriggerConfig `toml:"triggers,omitempty"`
}

// DefaultConfig returns a config for a 01V96 on any port whose name mentions it
func DefaultConfig() *Config {
	queue := aggregate.DefaultOptions()
	policy := classify.DefaultPolicy()
	kinds := make(map[string]classify.Decision, len(policy.Decisions))
	for k, d := range policy.Decisions {
		kinds[k.String()] = d
	}
	return &Config{
		Ports:    []string{"01V96", "YAMAHA"},
		MaxSysEx: midi.DefaultMaxSysEx,
		Queue: QueueConfig{
			Capacity:   queue.Capacity,
			Grace:      Duration{queue.Grace},
			MaxNotices: queue.MaxNotices,
		},
		Policy: PolicyConfig{
			Default: policy.Default,
			Kinds:   kinds,
		},
		Rules: classify.DefaultRules(),
		Triggers: []TriggerConfig{
			{
				Name:     "meter-request",
				Port:     "01V96",
				Message:  "F0 43 30 3E 0D 21 00 00 00 00 20 F7",
				Interval: Duration{500 * time.Millisecond},
			},
		},
	}
}

// ConfigDir returns the config directory path
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "mixsniff"), nil
}

// ConfigPath returns the full path to config.toml
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the config from the default path, or returns defaults if not found
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), nil
	}
	cfg, err := LoadFile(path)
	if err != nil && os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// LoadFile reads path over the defaults and validates the result. Keys
// missing from the file keep their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML over the defaults and validates it
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	defaults := DefaultConfig()

	// Tables decoded into an existing slice would inherit default fields
	cfg.Rules, cfg.Triggers = nil, nil
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, err
	}
	if !md.IsDefined("rules") {
		cfg.Rules = defaults.Rules
	}
	if !md.IsDefined("triggers") {
		cfg.Triggers = defaults.Triggers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config can drive a monitor
func (c *Config) Validate() error {
	if c.MaxSysEx <= 0 {
		return fmt.Errorf("max_sysex must be positive, got %d", c.MaxSysEx)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Queue.Grace.Duration < 0 {
		return fmt.Errorf("queue grace must not be negative")
	}
	for i, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rules[%d] invalid: %w", i, err)
		}
	}
	if _, err := c.ClassifyPolicy(); err != nil {
		return err
	}
	for i, t := range c.Triggers {
		if strings.TrimSpace(t.Port) == "" {
			return fmt.Errorf("triggers[%d] missing port", i)
		}
		if _, err := monitor.ParseMessage(t.Message); err != nil {
			return fmt.Errorf("triggers[%d] invalid: %w", i, err)
		}
	}
	return nil
}

// ClassifyPolicy builds the policy table
func (c *Config) ClassifyPolicy() (classify.Policy, error) {
	p := classify.Policy{Default: c.Policy.Default, Decisions: make(map[classify.Kind]classify.Decision)}
	for name, d := range c.Policy.Kinds {
		kind, err := classify.ParseKind(name)
		if err != nil {
			return classify.Policy{}, fmt.Errorf("policy: %w", err)
		}
		p.Decisions[kind] = d
	}
	return p, nil
}

// MonitorOptions converts the config into engine options
func (c *Config) MonitorOptions() monitor.Options {
	policy, err := c.ClassifyPolicy()
	if err != nil {
		policy = classify.DefaultPolicy()
	}
	return monitor.Options{
		Rules:    c.Rules,
		Policy:   policy,
		MaxSysEx: c.MaxSysEx,
		Queue: aggregate.Options{
			Capacity:   c.Queue.Capacity,
			Grace:      c.Queue.Grace.Duration,
			MaxNotices: c.Queue.MaxNotices,
		},
	}
}

// Trigger converts a config entry into an engine trigger
func (t TriggerConfig) Trigger() (monitor.Trigger, error) {
	msg, err := monitor.ParseMessage(t.Message)
	if err != nil {
		return monitor.Trigger{}, err
	}
	return monitor.Trigger{Name: t.Name, Message: msg, Interval: t.Interval.Duration}, nil
}

// Encode renders the config as TOML
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the config to the default path
func (c *Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes the config to path, creating its directory
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := c.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
