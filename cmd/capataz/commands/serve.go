package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sevir/capataz/internal/persona"
	"github.com/sevir/capataz/internal/server"
	"github.com/sevir/capataz/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP task API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "server host (default 127.0.0.1)")
	serveCmd.Flags().Int("port", 0, "server port (default 8765)")
	serveCmd.Flags().Int("max-concurrent", 0, "maximum tasks running at once")
	serveCmd.Flags().Int("max-queue", 0, "maximum queued tasks")
	_ = v.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = v.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = v.BindPFlag("scheduler.max_concurrent_tasks", serveCmd.Flags().Lookup("max-concurrent"))
	_ = v.BindPFlag("scheduler.max_queue_size", serveCmd.Flags().Lookup("max-queue"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, 0)
	if err != nil {
		return err
	}

	personas, err := persona.Load(cfg.Agent.PersonaDir)
	if err != nil {
		_ = rt.close()
		return err
	}

	srv := server.New(server.Config{
		Addr:      cfg.Address(),
		Scheduler: rt.sched,
		Store:     store.NewMemoryStore(0, 0),
		Personas:  personas,
		LogDir:    cfg.Agent.LogDir,
		Version:   buildVersion,
		Commit:    buildCommit,
		Logger:    rt.log.WithComponent("server"),
	})

	rt.log.InfoCtx("capataz starting", map[string]any{
		"version":        buildVersion,
		"address":        cfg.Address(),
		"transport":      cfg.Agent.Transport,
		"max_concurrent": cfg.Scheduler.MaxConcurrentTasks,
		"personas":       len(personas.List()),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		rt.log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		rt.log.Warnf("server shutdown: %v", serr)
	}
	if cerr := rt.close(); cerr != nil {
		rt.log.Warnf("scheduler shutdown: %v", cerr)
	}
	return err
}
