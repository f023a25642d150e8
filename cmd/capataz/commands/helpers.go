package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/sevir/capataz/internal/agent"
	"github.com/sevir/capataz/internal/config"
	"github.com/sevir/capataz/internal/logging"
	"github.com/sevir/capataz/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

// taskRuntime is a configured scheduler plus the agent server it may depend on.
type taskRuntime struct {
	sched *scheduler.Scheduler
	hub   *agent.ServerHub
	log   *logging.Logger
}

// newRuntime builds the scheduler for the configured transport. With the
// server transport it also starts the shared agent server.
func newRuntime(ctx context.Context, cfg *config.Config, maxConcurrent int) (*taskRuntime, error) {
	log := logging.Component("capataz")
	rt := &taskRuntime{log: log}

	var factory scheduler.AdapterFactory
	switch cfg.Agent.Transport {
	case "server":
		exe, err := agent.LocateExecutable(cfg.Agent.Executable, cfg.Agent.SearchPaths)
		if err != nil {
			return nil, err
		}
		builder, err := scheduler.Builder(cfg.Agent, exe)
		if err != nil {
			return nil, err
		}
		cmd, err := builder.ServeCommand("")
		if err != nil {
			return nil, err
		}
		rt.hub = agent.NewServerHub(cmd, agent.PipeLauncher{}, log.WithComponent("hub"))
		if err := rt.hub.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting agent server: %w", err)
		}
		factory = scheduler.ServerFactory(cfg, rt.hub, log.WithComponent("agent"))
	default:
		f, err := scheduler.ProcessFactory(cfg, log.WithComponent("agent"))
		if err != nil {
			return nil, err
		}
		factory = f
	}

	if maxConcurrent <= 0 {
		maxConcurrent = cfg.Scheduler.MaxConcurrentTasks
	}
	sched, err := scheduler.New(scheduler.Config{
		MaxConcurrentTasks: maxConcurrent,
		MaxQueueSize:       cfg.Scheduler.MaxQueueSize,
		Factory:            factory,
		Resolve:            scheduler.Resolver(cfg.Agent),
		Logger:             log.WithComponent("scheduler"),
	})
	if err != nil {
		if rt.hub != nil {
			_ = rt.hub.Stop()
		}
		return nil, err
	}
	rt.sched = sched
	return rt, nil
}

// close shuts the scheduler down, then the agent server.
func (rt *taskRuntime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := rt.sched.Shutdown(ctx)
	if rt.hub != nil {
		if herr := rt.hub.Stop(); herr != nil && err == nil {
			err = herr
		}
	}
	return err
}
