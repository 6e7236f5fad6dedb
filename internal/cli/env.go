package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/helios/internal/app"
	"github.com/iambrandonn/helios/internal/config"
	"github.com/iambrandonn/helios/internal/logging"
)

// environment is what every command needs before touching the store
type environment struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger
}

// loadEnvironment resolves the config file, applies env overrides and builds a logger.
// With create set, a default helios.json is written to the working directory when none is found.
func loadEnvironment(cmd *cobra.Command, opts *globalOptions, create bool) (*environment, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath, create)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.Debug("loaded configuration", "path", cfgPath)
	return &environment{cfg: cfg, cfgPath: cfgPath, logger: logger}, nil
}

func loadConfig(explicit string, create bool) (*config.Config, string, error) {
	if explicit != "" {
		cfg, err := config.LoadFromFile(explicit)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", explicit, err)
		}
		return cfg, explicit, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get working directory: %w", err)
	}
	found, err := config.Find(cwd)
	if err != nil {
		return nil, "", err
	}
	if found != "" {
		cfg, err := config.LoadFromFile(found)
		if err != nil {
			return nil, "", err
		}
		return cfg, found, nil
	}

	cfg := config.GenerateDefault()
	path := filepath.Join(cwd, config.FileNames[0])
	if create {
		if err := cfg.SaveToFile(path); err != nil {
			return nil, "", fmt.Errorf("failed to save default config: %w", err)
		}
	}
	return cfg, path, nil
}

// open builds the services. Inspection commands pass inspect to leave live runs alone.
func (e *environment) open(ctx context.Context, inspect bool, tweak func(*app.Options)) (*app.App, error) {
	opts := app.FromConfig(e.cfg, e.cfgPath)
	opts.SkipRecover = inspect
	if tweak != nil {
		tweak(&opts)
	}
	return app.New(ctx, opts, e.logger)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
