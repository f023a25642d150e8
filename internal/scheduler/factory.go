package scheduler

import (
	"fmt"

	"github.com/sevir/capataz/internal/agent"
	"github.com/sevir/capataz/internal/completion"
	"github.com/sevir/capataz/internal/config"
	"github.com/sevir/capataz/internal/diaglog"
	"github.com/sevir/capataz/internal/logging"
)

// Resolver locates the configured agent executable on every call, so an
// install that happens while the scheduler runs is picked up.
func Resolver(cfg config.AgentConfig) ExecutableResolver {
	return func() (string, error) {
		return agent.LocateExecutable(cfg.Executable, cfg.SearchPaths)
	}
}

// Builder returns the command builder for the configured agent.
func Builder(cfg config.AgentConfig, executable string) (agent.OpenCodeBuilder, error) {
	extra, err := agent.ParseExtraArgs(cfg.ExtraArgs)
	if err != nil {
		return agent.OpenCodeBuilder{}, fmt.Errorf("agent.extra_args: %w", err)
	}
	serve, err := agent.ParseExtraArgs(cfg.ServeArgs)
	if err != nil {
		return agent.OpenCodeBuilder{}, fmt.Errorf("agent.serve_args: %w", err)
	}
	return agent.OpenCodeBuilder{
		Executable:      executable,
		ExtraArgs:       extra,
		ServeArgs:       serve,
		DefaultProvider: cfg.DefaultProvider,
		DefaultModel:    cfg.DefaultModel,
	}, nil
}

// Limits returns the configured completion caps. Zero values are kept.
func Limits(cfg config.CompletionConfig) *completion.Limits {
	return &completion.Limits{
		MaxContinuationAttempts: cfg.MaxContinuationAttempts,
		MaxPartialDowngrades:    cfg.MaxPartialDowngrades,
	}
}

// ProcessFactory creates one PTY-backed ProcessAdapter per task. Adapters
// from one factory share the diagnostic log and its session count.
func ProcessFactory(cfg *config.Config, log *logging.Logger) (AdapterFactory, error) {
	base, err := Builder(cfg.Agent, "")
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Get()
	}

	sessions := &agent.Sessions{}
	var diagnostics func() diaglog.Source
	if cfg.Diagnostics.Enabled && cfg.Diagnostics.LogDir != "" {
		dir := cfg.Diagnostics.LogDir
		diagnostics = func() diaglog.Source {
			return diaglog.NewFileWatcher(dir, log.WithComponent("diaglog"))
		}
	}

	return func(taskID, executable string, cb agent.Callbacks) agent.Adapter {
		builder := base
		builder.Executable = executable
		return agent.NewProcessAdapter(taskID, cb, agent.ProcessOptions{
			Builder:         builder,
			Launcher:        agent.PTYLauncher{},
			LogDir:          cfg.Agent.LogDir,
			StopGracePeriod: cfg.Agent.StopGracePeriod.Std(),
			WaitingDelay:    cfg.Agent.WaitingDelay.Std(),
			Limits:          Limits(cfg.Completion),
			Diagnostics:     diagnostics,
			Sessions:        sessions,
			Logger:          log.WithTask(taskID),
		})
	}, nil
}

// ServerFactory creates adapters that share one long-lived agent server.
func ServerFactory(cfg *config.Config, hub *agent.ServerHub, log *logging.Logger) AdapterFactory {
	if log == nil {
		log = logging.Get()
	}
	return func(taskID, _ string, cb agent.Callbacks) agent.Adapter {
		return agent.NewServerAdapter(taskID, hub, cb, agent.ServerOptions{
			WaitingDelay: cfg.Agent.WaitingDelay.Std(),
			Limits:       Limits(cfg.Completion),
			Logger:       log.WithTask(taskID),
		})
	}
}
