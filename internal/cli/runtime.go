package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/ranya-agent/internal/config"
	"github.com/harun/ranya-agent/internal/logger"
	"github.com/harun/ranya-agent/internal/observability"
	"github.com/harun/ranya-agent/internal/tracing"
	"github.com/harun/ranya-agent/pkg/agent"
	"github.com/harun/ranya-agent/pkg/coretools"
	"github.com/harun/ranya-agent/pkg/failover"
	"github.com/harun/ranya-agent/pkg/hooks"
	"github.com/harun/ranya-agent/pkg/llm"
	"github.com/harun/ranya-agent/pkg/moderation"
	"github.com/harun/ranya-agent/pkg/session"
	"github.com/harun/ranya-agent/pkg/session/sqlitestore"
	"github.com/harun/ranya-agent/pkg/toolexecutor"
)

const summarizerTimeout = 60 * time.Second

// runtime is the wired agent stack behind the chat command.
type runtime struct {
	cfg     *config.Config
	log     *logger.Logger
	logger  zerolog.Logger
	model   *modelSwitch
	audit   *observability.AuditLog
	store   session.Store
	cleanup *session.Cleanup
	runner  *agent.Runner
	metrics *http.Server
}

func setupLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,

		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
}

func openStore(cfg *config.Config, log zerolog.Logger) (session.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		return sqlitestore.New(cfg.StorePath(), log)
	default:
		return session.New(cfg.StorePath(), log)
	}
}

func buildModel(cfg *config.Config, log zerolog.Logger) (*llm.Client, error) {
	fo, err := failover.NewClient(failover.Config{
		Profiles: cfg.FailoverProfiles(),
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create failover client: %w", err)
	}

	model, err := llm.NewClient(llm.Config{
		Fetcher:   fo,
		Logger:    log,
		MaxTokens: cfg.AI.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}
	return model, nil
}

// modelSwitch forwards to the current model client, which is replaced
// when the profiles change on disk.
type modelSwitch struct {
	current atomic.Pointer[llm.Client]
}

func (m *modelSwitch) Complete(ctx context.Context, req llm.Request, timeout time.Duration) (*llm.Response, error) {
	return m.current.Load().Complete(ctx, req, timeout)
}

func (m *modelSwitch) Stream(ctx context.Context, req llm.Request, timeout time.Duration, onDelta func(string)) (*llm.Response, error) {
	return m.current.Load().Stream(ctx, req, timeout, onDelta)
}

func newRuntime(cfg *config.Config) (rt *runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := setupLogger(cfg)
	if err != nil {
		return nil, err
	}
	rt = &runtime{cfg: cfg, log: lg, logger: lg.Zerolog()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	for _, warning := range config.NewValidator().ValidateConfig(cfg) {
		rt.logger.Warn().Err(warning).Msg("Configuration warning")
	}

	if err := tracing.InitOpenTelemetry("ranya-agent"); err != nil {
		rt.logger.Warn().Err(err).Msg("Tracing disabled")
	}
	observability.EnsureRegistered()

	client, err := buildModel(cfg, rt.logger)
	if err != nil {
		return nil, err
	}
	model := &modelSwitch{}
	model.current.Store(client)
	rt.model = model

	compactionOpts, err := cfg.CompactionOptions(rt.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up compaction: %w", err)
	}
	if cfg.Compaction.Summarize {
		compactionOpts.Summarizer = agent.ModelSummarizer{Model: model, Timeout: summarizerTimeout}
	}

	hookManager, err := hooks.NewManager(cfg.HookSettings(rt.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create hook manager: %w", err)
	}
	if err := rt.openAudit(); err != nil {
		return nil, err
	}
	runLog := lg.Component("run")
	hookManager.OnAfterToolCall(func(ctx context.Context, ev agent.ToolResultEvent) error {
		rt.audit.RecordTool(ctx, ev.ConversationID, ev.Call.Name, ev.Result.Success, ev.Duration)
		return nil
	})
	hookManager.OnAgentEnd(func(ctx context.Context, o agent.Outcome) error {
		runLog.Info().
			Str("session_key", o.ConversationID).
			Str("state", string(o.State)).
			Int("tool_calls", o.ToolCalls).
			Dur("duration", o.Duration).
			Msg("Run finished")
		rt.audit.RecordRun(ctx, o.ConversationID, string(o.State), o.Success, o.ToolCalls)
		return nil
	})

	filter, err := moderation.New(cfg.Moderation)
	if err != nil {
		return nil, fmt.Errorf("failed to create content filter: %w", err)
	}
	filter.Register(hookManager)

	tools := toolexecutor.New(cfg.ToolSettings(rt.logger))
	if cfg.Tools.Workspace != "" {
		if err := coretools.RegisterCoreTools(tools, coretools.Options{WorkspaceRoot: cfg.Tools.Workspace}); err != nil {
			return nil, err
		}
	}

	rt.store, err = openStore(cfg, rt.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}

	if cfg.Store.PruneSchedule != "" {
		rt.cleanup = session.NewCleanup(rt.store, cfg.MaxIdle(), rt.logger)
		if err := rt.cleanup.StartSchedule(cfg.Store.PruneSchedule); err != nil {
			rt.cleanup = nil
			return nil, err
		}
	}

	settings := cfg.RunnerSettings()
	settings.Model = model
	settings.Tools = tools
	settings.Hooks = hookManager
	settings.Store = rt.store
	settings.Compaction = compactionOpts
	settings.Logger = rt.logger
	rt.runner, err = agent.NewRunner(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	if cfg.Metrics.Enabled {
		rt.serveMetrics(cfg.Metrics.Addr)
	}

	return rt, nil
}

// watchConfig swaps in new model profiles whenever the config file changes.
// Cooldowns start fresh with the new client.
func (rt *runtime) watchConfig(path string) error {
	return config.NewLoader(path).Watch(rt.reload)
}

func (rt *runtime) reload(cfg *config.Config, err error) {
	if err != nil {
		rt.logger.Warn().Err(err).Msg("Config reload failed, keeping current profiles")
		return
	}
	if err := cfg.Validate(); err != nil {
		rt.logger.Warn().Err(err).Msg("Reloaded config is invalid, keeping current profiles")
		return
	}
	client, err := buildModel(cfg, rt.logger)
	if err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to apply reloaded profiles")
		return
	}
	rt.model.current.Store(client)
	rt.logger.Info().Int("profiles", len(cfg.FailoverProfiles())).Msg("Model profiles reloaded")
}

func (rt *runtime) openAudit() error {
	path := rt.cfg.AuditPath()
	if path == "" {
		rt.audit = observability.NopAuditLog()
		return nil
	}
	audit, err := observability.NewAuditLog(path)
	if err != nil {
		return err
	}
	rt.audit = audit
	return nil
}

func (rt *runtime) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	rt.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := rt.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped")
		}
	}()
	rt.logger.Info().Str("addr", addr).Msg("Serving metrics")
}

// Close stops the runner and releases the store and log file.
func (rt *runtime) Close() error {
	if rt.runner != nil {
		rt.runner.Close()
	}
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = rt.metrics.Shutdown(ctx)
		cancel()
	}

	var errs []error
	if rt.cleanup != nil {
		errs = append(errs, rt.cleanup.Stop())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.audit != nil {
		errs = append(errs, rt.audit.Close())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	errs = append(errs, tracing.ShutdownOpenTelemetry(ctx))
	cancel()
	if rt.log != nil {
		errs = append(errs, rt.log.Close())
	}
	return errors.Join(errs...)
}
