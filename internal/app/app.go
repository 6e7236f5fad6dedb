// Package app assembles the helios services around one store and connects
// their lifecycle hooks to the card feed, tool-session summaries and the
// audit log.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iambrandonn/helios/internal/adapter"
	"github.com/iambrandonn/helios/internal/callback"
	"github.com/iambrandonn/helios/internal/config"
	"github.com/iambrandonn/helios/internal/eventlog"
	"github.com/iambrandonn/helios/internal/feed"
	"github.com/iambrandonn/helios/internal/interaction"
	"github.com/iambrandonn/helios/internal/metrics"
	"github.com/iambrandonn/helios/internal/protocol"
	"github.com/iambrandonn/helios/internal/runs"
	"github.com/iambrandonn/helios/internal/store"
	"github.com/iambrandonn/helios/internal/supervisor"
	"github.com/iambrandonn/helios/internal/workspace"
)

// Options configures an App
type Options struct {
	// StateRoot holds the database and audit log unless overridden below.
	StateRoot  string
	DBPath     string
	EventsPath string
	// DisableEvents skips the audit log.
	DisableEvents bool

	HITLTimeout        time.Duration
	Supervisor         supervisor.Options
	Adapters           []adapter.Adapter
	OutputDefaultLimit int
	OutputMaxLimit     int
	EncryptKey         string
	MaxSkew            time.Duration

	// Registerer receives the metrics; a private registry is used when nil.
	Registerer prometheus.Registerer
	// Launcher replaces the process supervisor.
	Launcher runs.Launcher
	Now      func() time.Time

	// SkipRecover leaves ACTIVE runs alone. Inspection commands set it so they
	// never end runs owned by another live process.
	SkipRecover bool

	// OnOutput, OnEnded and OnInteraction let a front end follow runs.
	OnOutput      func(ctx context.Context, out protocol.RunOutput)
	OnEnded       func(ctx context.Context, run *protocol.Run, term protocol.Termination)
	OnInteraction func(ctx context.Context, req *protocol.InteractionRequest)
}

// FromConfig derives options from a loaded configuration file at configPath
func FromConfig(cfg *config.Config, configPath string) Options {
	return Options{
		StateRoot:          cfg.StateRoot(configPath),
		DBPath:             cfg.DatabasePath(configPath),
		HITLTimeout:        cfg.HITLTimeout(),
		Supervisor:         cfg.SupervisorOptions(),
		Adapters:           cfg.Adapters(),
		OutputDefaultLimit: cfg.Output.DefaultLimit,
		OutputMaxLimit:     cfg.Output.MaxLimit,
		EncryptKey:         cfg.Callback.EncryptKey,
		MaxSkew:            cfg.MaxSkew(),
	}
}

// App holds the wired services
type App struct {
	Store        *store.Store
	Metrics      *metrics.Collector
	Interactions *interaction.Service
	Runs         *runs.Service
	Feed         *feed.Controller
	Callbacks    *callback.Processor
	Events       *eventlog.EventLog

	opts   Options
	logger *slog.Logger
}

// New opens the store, builds every service and ends runs orphaned by a previous process
func New(ctx context.Context, opts Options, logger *slog.Logger) (*App, error) {
	if opts.StateRoot == "" && (opts.DBPath == "" || (opts.EventsPath == "" && !opts.DisableEvents)) {
		return nil, errors.New("a state root or explicit database and events paths are required")
	}
	layout := workspace.Layout{Root: opts.StateRoot}
	if opts.StateRoot != "" {
		if err := workspace.Initialize(opts.StateRoot); err != nil {
			return nil, fmt.Errorf("failed to initialize state directory: %w", err)
		}
	}
	if opts.DBPath == "" {
		opts.DBPath = layout.DatabasePath()
	}
	if opts.EventsPath == "" {
		opts.EventsPath = layout.EventsPath()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	a := &App{opts: opts, logger: logger}

	st, err := store.Open(opts.DBPath)
	if err != nil {
		return nil, err
	}
	a.Store = st

	if !opts.DisableEvents {
		events, err := eventlog.NewEventLog(opts.EventsPath, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.Events = events
	}

	a.Metrics = metrics.NewCollector(opts.Registerer)

	a.Interactions = interaction.NewService(st, nil, interaction.Options{
		DefaultTimeout: opts.HITLTimeout,
		Metrics:        a.Metrics,
		Now:            opts.Now,
		Hooks: interaction.Hooks{
			OnCreated:  a.interactionCreated,
			OnResolved: a.interactionResolved,
			OnClosed:   a.interactionClosed,
		},
	}, logger)

	launcher := opts.Launcher
	if launcher == nil {
		launcher = supervisor.New(opts.Supervisor, logger)
	}
	a.Runs = runs.NewService(st, launcher, a.Interactions, runs.Options{
		Adapters:           adapter.NewRegistry(opts.Adapters...),
		Metrics:            a.Metrics,
		DefaultOutputLimit: opts.OutputDefaultLimit,
		MaxOutputLimit:     opts.OutputMaxLimit,
		Now:                opts.Now,
		Hooks: runs.Hooks{
			OnStarted: a.runStarted,
			OnOutput:  opts.OnOutput,
			OnEnded:   a.runEnded,
		},
	}, logger)

	a.Feed = feed.NewController(st, a.Interactions, feed.Options{Metrics: a.Metrics, Now: opts.Now}, logger)

	verifier := callback.NewVerifier(opts.EncryptKey, opts.MaxSkew)
	a.Callbacks = callback.NewProcessor(verifier, a.Interactions, logger)

	if !opts.SkipRecover {
		n, err := a.Runs.Recover(ctx)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to recover runs: %w", err)
		}
		if n > 0 {
			logger.Warn("ended runs orphaned by a previous process", "count", n)
		}
	}

	logger.Debug("services ready",
		"db", filepath.Clean(opts.DBPath),
		"events", !opts.DisableEvents)
	return a, nil
}

// HandleCardAction applies a card action and records it in the audit log
func (a *App) HandleCardAction(ctx context.Context, action protocol.CardAction) (*protocol.CardActionResponse, error) {
	resp, err := a.Feed.HandleCardAction(ctx, action)
	if err != nil {
		return nil, err
	}
	a.audit(eventlog.Record{
		Type:            eventlog.TypeCardAction,
		CollabSessionID: action.CollabSessionID,
		CardID:          action.CardID,
		Data: map[string]any{
			"action_id":       string(action.ActionID),
			"idempotency_key": action.IdempotencyKey,
			"ok":              resp.OK,
			"card_status":     string(resp.CardStatus),
		},
	})
	return resp, nil
}

// Close stops every live run and releases the store and audit log
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Runs != nil {
		if err := a.Runs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) runStarted(ctx context.Context, run *protocol.Run) {
	a.Feed.RunStarted(ctx, run)
	a.audit(eventlog.Record{
		Type:            eventlog.TypeRunStarted,
		RunID:           run.RunID,
		CollabSessionID: run.CollabSessionID,
		Data: map[string]any{
			"provider":        string(run.Provider),
			"tool_session_id": run.ToolSessionID,
			"command":         run.Command,
		},
	})
}

func (a *App) runEnded(ctx context.Context, run *protocol.Run, term protocol.Termination) {
	a.Feed.RunEnded(ctx, run, term)
	data := map[string]any{
		"kind":      string(term.Kind),
		"exit_code": term.ExitCode,
	}
	if term.Signal != "" {
		data["signal"] = term.Signal
	}
	a.audit(eventlog.Record{
		Type:            eventlog.TypeRunEnded,
		RunID:           run.RunID,
		CollabSessionID: run.CollabSessionID,
		Data:            data,
	})
	if a.opts.OnEnded != nil {
		a.opts.OnEnded(ctx, run, term)
	}
}

func (a *App) interactionCreated(ctx context.Context, req *protocol.InteractionRequest) {
	a.Feed.InteractionCreated(ctx, req)
	a.audit(eventlog.Record{
		Type:                 eventlog.TypeInteractionCreated,
		RunID:                req.RunID,
		InteractionRequestID: req.InteractionRequestID,
		CollabSessionID:      req.CollabSessionID,
		Data: map[string]any{
			"options":    len(req.Options),
			"expires_at": req.ExpiresAt,
		},
	})
	if a.opts.OnInteraction != nil {
		a.opts.OnInteraction(ctx, req)
	}
}

func (a *App) interactionResolved(ctx context.Context, req *protocol.InteractionRequest, res *interaction.Resolution) {
	a.Feed.InteractionChanged(ctx, req)

	actor := res.Actor
	if actor == "" {
		actor = string(res.Path)
	}
	a.Runs.Summarize(ctx, req.ToolSessionID, fmt.Sprintf("HITL resolved by %s: %s", actor, res.Answer.Value))

	a.audit(eventlog.Record{
		Type:                 eventlog.TypeInteractionResolved,
		RunID:                req.RunID,
		InteractionRequestID: req.InteractionRequestID,
		CollabSessionID:      req.CollabSessionID,
		Data: map[string]any{
			"path":          string(res.Path),
			"actor":         res.Actor,
			"answer_type":   string(res.Answer.Type),
			"written_bytes": res.WrittenBytes,
		},
	})
}

func (a *App) interactionClosed(ctx context.Context, req *protocol.InteractionRequest) {
	a.Feed.InteractionChanged(ctx, req)
	a.audit(eventlog.Record{
		Type:                 eventlog.TypeInteractionClosed,
		RunID:                req.RunID,
		InteractionRequestID: req.InteractionRequestID,
		CollabSessionID:      req.CollabSessionID,
		Data:                 map[string]any{"status": string(req.Status)},
	})
}

func (a *App) audit(rec eventlog.Record) {
	if a.Events == nil {
		return
	}
	if err := a.Events.Write(rec); err != nil {
		a.logger.Warn("failed to write audit record", "type", rec.Type, "error", err)
	}
}
