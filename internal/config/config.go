package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iambrandonn/helios/internal/adapter"
	"github.com/iambrandonn/helios/internal/fsutil"
	"github.com/iambrandonn/helios/internal/logging"
	"github.com/iambrandonn/helios/internal/protocol"
	"github.com/iambrandonn/helios/internal/supervisor"
	"github.com/iambrandonn/helios/internal/workspace"
)

// FileNames are the config file names searched for, in order of preference
var FileNames = []string{"helios.json", "helios.yaml", "helios.yml"}

// Environment variables that override file settings
const (
	EnvDBPath     = "HELIOS_DB_PATH"
	EnvLogLevel   = "HELIOS_LOG_LEVEL"
	EnvEncryptKey = "HELIOS_LARK_ENCRYPT_KEY"
)

// Config represents the helios configuration file
type Config struct {
	Version    string     `json:"version" yaml:"version"`
	StateDir   string     `json:"state_dir" yaml:"state_dir"`
	DBPath     string     `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	LogLevel   string     `json:"log_level" yaml:"log_level"`
	HITL       HITL       `json:"hitl" yaml:"hitl"`
	Supervisor Supervisor `json:"supervisor" yaml:"supervisor"`
	Output     Output     `json:"output" yaml:"output"`
	Providers  Providers  `json:"providers" yaml:"providers"`
	Callback   Callback   `json:"callback" yaml:"callback"`
}

// HITL contains interaction request settings
type HITL struct {
	DefaultTimeoutMinutes int `json:"default_timeout_minutes" yaml:"default_timeout_minutes"`
}

// Supervisor contains process launch settings
type Supervisor struct {
	PreferPTY   bool `json:"prefer_pty" yaml:"prefer_pty"`
	PTYCols     int  `json:"pty_cols" yaml:"pty_cols"`
	PTYRows     int  `json:"pty_rows" yaml:"pty_rows"`
	KillGraceMs int  `json:"kill_grace_ms" yaml:"kill_grace_ms"`
}

// Output contains paging limits for run output
type Output struct {
	DefaultLimit int `json:"default_limit" yaml:"default_limit"`
	MaxLimit     int `json:"max_limit" yaml:"max_limit"`
}

// Providers contains per-tool launch settings
type Providers struct {
	Codex      *ProviderConfig `json:"codex,omitempty" yaml:"codex,omitempty"`
	ClaudeCode *ProviderConfig `json:"claude_code,omitempty" yaml:"claude_code,omitempty"`
}

// ProviderConfig contains configuration for a single provider
type ProviderConfig struct {
	Cmd []string          `json:"cmd" yaml:"cmd"`
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Callback contains inbound callback verification settings
type Callback struct {
	EncryptKey string `json:"encrypt_key,omitempty" yaml:"encrypt_key,omitempty"`
	MaxSkewS   int    `json:"max_skew_s" yaml:"max_skew_s"`
}

// GenerateDefault creates a Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:  "1.0",
		StateDir: ".helios",
		LogLevel: "info",
		HITL: HITL{
			DefaultTimeoutMinutes: 15,
		},
		Supervisor: Supervisor{
			PreferPTY:   true,
			PTYCols:     160,
			PTYRows:     48,
			KillGraceMs: 5000,
		},
		Output: Output{
			DefaultLimit: 100,
			MaxLimit:     1000,
		},
		Providers: Providers{
			Codex:      &ProviderConfig{Cmd: []string{"codex"}},
			ClaudeCode: &ProviderConfig{Cmd: []string{"claude"}},
		},
		Callback: Callback{
			MaxSkewS: 300,
		},
	}
}

// Validate checks the configuration and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("configuration error: missing required field 'state_dir'\n\nHint: Point it at a directory helios may write to:\n  \"state_dir\": \".helios\"")
	}

	if c.HITL.DefaultTimeoutMinutes <= 0 {
		return fmt.Errorf("configuration error: invalid 'hitl.default_timeout_minutes' value: %d\n\nHint: Use a positive number of minutes:\n  \"hitl\": {\n    \"default_timeout_minutes\": 15\n  }", c.HITL.DefaultTimeoutMinutes)
	}

	if c.Supervisor.PTYCols < 0 || c.Supervisor.PTYCols > 65535 || c.Supervisor.PTYRows < 0 || c.Supervisor.PTYRows > 65535 {
		return fmt.Errorf("configuration error: invalid terminal size %dx%d\n\nHint: Use a size between 1 and 65535, or 0 for the default:\n  \"supervisor\": {\n    \"pty_cols\": 160,\n    \"pty_rows\": 48\n  }", c.Supervisor.PTYCols, c.Supervisor.PTYRows)
	}

	if c.Supervisor.KillGraceMs < 0 {
		return fmt.Errorf("configuration error: invalid 'supervisor.kill_grace_ms' value: %d\n\nHint: Use 0 for the default or a positive number of milliseconds", c.Supervisor.KillGraceMs)
	}

	if c.Output.DefaultLimit < 0 || c.Output.MaxLimit < 0 || (c.Output.MaxLimit > 0 && c.Output.DefaultLimit > c.Output.MaxLimit) {
		return fmt.Errorf("configuration error: invalid output limits (default %d, max %d)\n\nHint: default_limit must not exceed max_limit:\n  \"output\": {\n    \"default_limit\": 100,\n    \"max_limit\": 1000\n  }", c.Output.DefaultLimit, c.Output.MaxLimit)
	}

	providers := map[string]*ProviderConfig{
		string(protocol.ProviderCodex):      c.Providers.Codex,
		string(protocol.ProviderClaudeCode): c.Providers.ClaudeCode,
	}
	for name, p := range providers {
		if p == nil {
			continue
		}
		if err := p.Validate(name); err != nil {
			return err
		}
	}

	if c.Callback.MaxSkewS < 0 {
		return fmt.Errorf("configuration error: invalid 'callback.max_skew_s' value: %d\n\nHint: Use 0 for the default of 300 seconds", c.Callback.MaxSkewS)
	}

	if _, _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("configuration error: %v\n\nHint: Use one of debug, info, warn, error:\n  \"log_level\": \"info\"", err)
	}

	return nil
}

// Validate checks a provider configuration for errors
func (p *ProviderConfig) Validate(name string) error {
	if len(p.Cmd) == 0 || strings.TrimSpace(p.Cmd[0]) == "" {
		return fmt.Errorf("configuration error: provider '%s' has empty 'cmd' field\n\nHint: Specify the executable, optionally with fixed arguments:\n  \"cmd\": [\"%s\"]", name, defaultBinary(name))
	}
	return nil
}

func defaultBinary(provider string) string {
	for _, a := range adapter.Defaults() {
		if string(a.Provider) == provider {
			return a.Cmd[0]
		}
	}
	return provider
}

// ApplyEnv overrides settings from environment variables looked up with getenv
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvDBPath)); v != "" {
		c.DBPath = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	if v := getenv(EnvEncryptKey); v != "" {
		c.Callback.EncryptKey = v
	}
}

// StateRoot resolves state_dir relative to the directory holding the config file
func (c *Config) StateRoot(configPath string) string {
	if filepath.IsAbs(c.StateDir) {
		return c.StateDir
	}
	return filepath.Join(filepath.Dir(configPath), c.StateDir)
}

// DatabasePath returns db_path when set, otherwise the database inside the state root
func (c *Config) DatabasePath(configPath string) string {
	if c.DBPath == "" {
		return workspace.Layout{Root: c.StateRoot(configPath)}.DatabasePath()
	}
	if c.DBPath == ":memory:" || filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return filepath.Join(filepath.Dir(configPath), c.DBPath)
}

// HITLTimeout returns the default interaction timeout
func (c *Config) HITLTimeout() time.Duration {
	return time.Duration(c.HITL.DefaultTimeoutMinutes) * time.Minute
}

// MaxSkew returns the allowed callback clock skew
func (c *Config) MaxSkew() time.Duration {
	return time.Duration(c.Callback.MaxSkewS) * time.Second
}

// SupervisorOptions converts supervisor settings, keeping defaults for zero values
func (c *Config) SupervisorOptions() supervisor.Options {
	opts := supervisor.DefaultOptions()
	opts.PreferPTY = c.Supervisor.PreferPTY
	if c.Supervisor.PTYCols > 0 {
		opts.Cols = uint16(c.Supervisor.PTYCols)
	}
	if c.Supervisor.PTYRows > 0 {
		opts.Rows = uint16(c.Supervisor.PTYRows)
	}
	if c.Supervisor.KillGraceMs > 0 {
		opts.KillGrace = time.Duration(c.Supervisor.KillGraceMs) * time.Millisecond
	}
	return opts
}

// Adapters returns the provider overrides for the adapter registry
func (c *Config) Adapters() []adapter.Adapter {
	var out []adapter.Adapter
	if p := c.Providers.Codex; p != nil {
		out = append(out, adapter.Adapter{Provider: protocol.ProviderCodex, Cmd: p.Cmd, Env: p.Env})
	}
	if p := c.Providers.ClaudeCode; p != nil {
		out = append(out, adapter.Adapter{Provider: protocol.ProviderClaudeCode, Cmd: p.Cmd, Env: p.Env})
	}
	return out
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadFromFile loads a configuration from a JSON or YAML file, chosen by extension
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveToFile atomically writes the configuration with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	if !isYAML(path) {
		if err := fsutil.AtomicWriteJSON(path, c); err != nil {
			return fmt.Errorf("failed to write config file %s: %w", path, err)
		}
		return nil
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := fsutil.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// Find searches start and its parents for a config file. It returns "" when none exists.
func Find(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", start, err)
	}

	for {
		for _, name := range FileNames {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
