package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/helios/internal/protocol"
)

func TestGenerateDefault(t *testing.T) {
	cfg := GenerateDefault()

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, ".helios", cfg.StateDir)
	assert.Equal(t, 15*time.Minute, cfg.HITLTimeout())
	assert.Equal(t, 5*time.Minute, cfg.MaxSkew())
	assert.NoError(t, cfg.Validate())
}

func TestGenerateDefaultMatchesGoldenFile(t *testing.T) {
	golden, err := os.ReadFile(filepath.Join("testdata", "golden_config.json"))
	require.NoError(t, err)

	generated, err := json.MarshalIndent(GenerateDefault(), "", "  ")
	require.NoError(t, err)

	assert.JSONEq(t, string(golden), string(generated))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantHint string
	}{
		{"missing version", func(c *Config) { c.Version = "" }, "'version'"},
		{"missing state dir", func(c *Config) { c.StateDir = " " }, "'state_dir'"},
		{"zero timeout", func(c *Config) { c.HITL.DefaultTimeoutMinutes = 0 }, "default_timeout_minutes"},
		{"huge terminal", func(c *Config) { c.Supervisor.PTYCols = 70000 }, "terminal size"},
		{"negative grace", func(c *Config) { c.Supervisor.KillGraceMs = -1 }, "kill_grace_ms"},
		{"default above max", func(c *Config) { c.Output.DefaultLimit = 2000 }, "output limits"},
		{"empty provider cmd", func(c *Config) { c.Providers.Codex.Cmd = nil }, "provider 'codex'"},
		{"blank provider binary", func(c *Config) { c.Providers.ClaudeCode.Cmd = []string{""} }, "[\"claude\"]"},
		{"negative skew", func(c *Config) { c.Callback.MaxSkewS = -5 }, "max_skew_s"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GenerateDefault()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Hint:")
			assert.Contains(t, err.Error(), tt.wantHint)
		})
	}
}

func TestValidate_OmittedProviderUsesDefault(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Providers.Codex = nil

	require.NoError(t, cfg.Validate())
	adapters := cfg.Adapters()
	require.Len(t, adapters, 1)
	assert.Equal(t, protocol.ProviderClaudeCode, adapters[0].Provider)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"helios.json", "helios.yaml", "helios.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := GenerateDefault()
			cfg.Providers.Codex.Env = map[string]string{"CODEX_HOME": "/tmp/codex"}
			cfg.Callback.EncryptKey = "secret"

			require.NoError(t, cfg.SaveToFile(path))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

			loaded, err := LoadFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helios.yaml")
	data := `version: "1.0"
state_dir: /var/lib/helios
log_level: debug
hitl:
  default_timeout_minutes: 5
supervisor:
  prefer_pty: false
providers:
  codex:
    cmd: [codex, --full-auto]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/helios", cfg.StateDir)
	assert.Equal(t, 5*time.Minute, cfg.HITLTimeout())
	assert.False(t, cfg.Supervisor.PreferPTY)
	assert.Equal(t, []string{"codex", "--full-auto"}, cfg.Providers.Codex.Cmd)
	assert.Nil(t, cfg.Providers.ClaudeCode)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "helios.json")
	require.NoError(t, os.WriteFile(path, []byte("{invalid"), 0600))
	_, err = LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvDBPath:     "/data/helios.db",
		EnvLogLevel:   " debug ",
		EnvEncryptKey: "k",
	}
	cfg := GenerateDefault()
	cfg.ApplyEnv(func(key string) string { return env[key] })

	assert.Equal(t, "/data/helios.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "k", cfg.Callback.EncryptKey)

	untouched := GenerateDefault()
	untouched.ApplyEnv(func(string) string { return "" })
	assert.Equal(t, GenerateDefault(), untouched)
}

func TestPaths(t *testing.T) {
	cfg := GenerateDefault()
	configPath := filepath.Join("/srv", "project", "helios.json")

	assert.Equal(t, filepath.Join("/srv", "project", ".helios"), cfg.StateRoot(configPath))
	assert.Equal(t, filepath.Join("/srv", "project", ".helios", "state", "helios.db"), cfg.DatabasePath(configPath))

	cfg.DBPath = "db/h.db"
	assert.Equal(t, filepath.Join("/srv", "project", "db", "h.db"), cfg.DatabasePath(configPath))
	cfg.DBPath = ":memory:"
	assert.Equal(t, ":memory:", cfg.DatabasePath(configPath))

	cfg.StateDir = "/abs/state"
	assert.Equal(t, "/abs/state", cfg.StateRoot(configPath))
}

func TestSupervisorOptions(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Supervisor = Supervisor{PreferPTY: false, PTYCols: 80, KillGraceMs: 250}

	opts := cfg.SupervisorOptions()
	assert.False(t, opts.PreferPTY)
	assert.Equal(t, uint16(80), opts.Cols)
	assert.Equal(t, uint16(48), opts.Rows, "zero keeps the default")
	assert.Equal(t, 250*time.Millisecond, opts.KillGrace)
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0700))

	path, err := Find(nested)
	require.NoError(t, err)
	if path != "" {
		// An ancestor of the temp dir carries a config; nothing under root does.
		assert.NotContains(t, path, root)
	}

	want := filepath.Join(root, "helios.yaml")
	require.NoError(t, os.WriteFile(want, []byte("version: \"1.0\"\n"), 0600))

	path, err = Find(nested)
	require.NoError(t, err)
	assert.Equal(t, want, path)

	preferred := filepath.Join(root, "a", "helios.json")
	require.NoError(t, os.WriteFile(preferred, []byte("{}"), 0600))
	path, err = Find(nested)
	require.NoError(t, err)
	assert.Equal(t, preferred, path, "the nearest directory wins")
}
