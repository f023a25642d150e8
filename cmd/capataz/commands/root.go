// Package commands implements the capataz CLI.
package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sevir/capataz/internal/config"
	"github.com/sevir/capataz/internal/logging"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

// v holds flag and CAPATAZ_* environment overrides on top of the config file.
var v = viper.New()

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "capataz",
	Short: "Supervise AI coding agents until they finish their tasks",
	Long: `capataz runs coding-agent CLIs as tasks, interprets their event stream
and keeps resuming a session until the agent reports completion.

Tasks run in the foreground with "capataz run" or through the HTTP API
started by "capataz serve".`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute(version, commit string) int {
	buildVersion, buildCommit = version, commit
	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "Error:", ee.err)
			}
			return ee.code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file (default is ~/.capataz/config.yaml)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "console log format: text or json")
	pf.String("executable", "", "agent executable name or path")
	pf.String("transport", "", "agent transport: pty or server")

	_ = v.BindPFlag("config", pf.Lookup("config"))
	_ = v.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("logging.format", pf.Lookup("log-format"))
	_ = v.BindPFlag("agent.executable", pf.Lookup("executable"))
	_ = v.BindPFlag("agent.transport", pf.Lookup("transport"))

	v.SetEnvPrefix("CAPATAZ")
	// CAPATAZ_SCHEDULER_MAX_CONCURRENT_TASKS for scheduler.max_concurrent_tasks
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, runCmd, logsCmd, configCmd, versionCmd)
}

// loadConfig reads the config file and applies flag and environment
// overrides. It does not touch the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) && v.GetString(key) != "" {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) && v.GetInt(key) != 0 {
			*dst = v.GetInt(key)
		}
	}
	// Zero is a meaningful cap here.
	limit := func(key string, dst *int) {
		if v.IsSet(key) && v.GetString(key) != "" {
			*dst = v.GetInt(key)
		}
	}

	str("agent.executable", &cfg.Agent.Executable)
	str("agent.transport", &cfg.Agent.Transport)
	str("agent.default_provider", &cfg.Agent.DefaultProvider)
	str("agent.default_model", &cfg.Agent.DefaultModel)
	str("agent.log_dir", &cfg.Agent.LogDir)
	str("agent.persona_dir", &cfg.Agent.PersonaDir)
	str("diagnostics.log_dir", &cfg.Diagnostics.LogDir)
	str("server.host", &cfg.Server.Host)
	num("server.port", &cfg.Server.Port)
	num("scheduler.max_concurrent_tasks", &cfg.Scheduler.MaxConcurrentTasks)
	num("scheduler.max_queue_size", &cfg.Scheduler.MaxQueueSize)
	limit("completion.max_continuation_attempts", &cfg.Completion.MaxContinuationAttempts)
	limit("completion.max_partial_downgrades", &cfg.Completion.MaxPartialDowngrades)
	str("logging.level", &cfg.Logging.Level)
	str("logging.format", &cfg.Logging.Format)
	str("logging.path", &cfg.Logging.Path)
}

// setupLogging initialises the global logger from cfg.
func setupLogging(cfg *config.Config) error {
	return logging.Init(logging.Config{
		Level:         cfg.Logging.Level,
		Path:          cfg.Logging.Path,
		Format:        cfg.Logging.Format,
		RetentionDays: cfg.Logging.RetentionDays,
	})
}
