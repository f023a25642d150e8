package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sevir/capataz/internal/agent"
	"github.com/sevir/capataz/internal/persona"
	"github.com/sevir/capataz/pkg/models"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one task in the foreground",
	Long: `Run one task and print the agent's messages as they arrive.

The exit status reflects the outcome: 0 success, 1 error, 2 partial,
3 blocked, 130 interrupted. Press Ctrl-C once to interrupt the agent and
twice to stop it immediately.`,
	Args: cobra.ArbitraryArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringP("workdir", "w", "", "working directory for the agent (default: current)")
	f.StringP("model", "m", "", "model as provider/model")
	f.StringP("session", "s", "", "resume an existing agent session")
	f.StringP("persona", "p", "", "persona preset to prepend to the prompt")
	f.Bool("json", false, "print the final result as JSON")
	f.BoolP("verbose", "v", false, "print progress, todos and debug events")
}

// exitCodeFor maps a session outcome to a process exit status.
func exitCodeFor(status models.ResultStatus) int {
	switch status {
	case models.ResultSuccess:
		return 0
	case models.ResultPartial:
		return 2
	case models.ResultBlocked:
		return 3
	case models.ResultInterrupted:
		return 130
	default:
		return 1
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}

	workDir, _ := cmd.Flags().GetString("workdir")
	model, _ := cmd.Flags().GetString("model")
	sessionID, _ := cmd.Flags().GetString("session")
	personaName, _ := cmd.Flags().GetString("persona")
	asJSON, _ := cmd.Flags().GetBool("json")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Keep the console for the agent; logs go to the log file only.
	if !v.IsSet("logging.level") {
		cfg.Logging.Level = "warn"
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	task := models.TaskConfig{Prompt: prompt, WorkDir: workDir, SessionID: sessionID}
	if provider, id, ok := strings.Cut(model, "/"); ok {
		task.ProviderID, task.ModelID = provider, id
	} else {
		task.ModelID = model
	}

	personas, err := persona.Load(cfg.Agent.PersonaDir)
	if err != nil {
		return err
	}
	if task, err = personas.Apply(personaName, task); err != nil {
		return err
	}
	if err := task.Validate(); err != nil {
		return err
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	rt, err := newRuntime(ctx, cfg, 1)
	if err != nil {
		return err
	}
	defer rt.close()

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	done := make(chan models.TaskResult, 1)

	cb := agent.Callbacks{
		OnMessage: func(content string) {
			fmt.Fprintln(out, content)
		},
		OnPermissionRequest: func(req models.PermissionRequest) {
			fmt.Fprintf(errOut, "[question] %s\n", req.Question)
			for i, opt := range req.Options {
				fmt.Fprintf(errOut, "  %d. %s\n", i+1, opt)
			}
		},
		OnAuthError: func(providerID, message string) {
			fmt.Fprintf(errOut, "[auth] %s: %s\n", providerID, message)
		},
		OnError: func(err error) {
			fmt.Fprintf(errOut, "[error] %v\n", err)
		},
		OnComplete: func(result models.TaskResult) {
			done <- result
		},
	}
	if verbose {
		cb.OnProgress = func(stage models.ProgressStage, message string) {
			fmt.Fprintf(errOut, "[%s] %s\n", stage, message)
		}
		cb.OnTodoUpdate = func(todos []models.TodoItem) {
			for _, t := range todos {
				fmt.Fprintf(errOut, "  [%s] %s\n", t.Status, t.Content)
			}
		}
		cb.OnDebug = func(category, message string, _ map[string]any) {
			fmt.Fprintf(errOut, "[debug:%s] %s\n", category, message)
		}
	}

	taskID := uuid.New().String()
	if _, err := rt.sched.Submit(taskID, task, cb); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interrupted := false
	for {
		select {
		case result := <-done:
			printResult(out, result, asJSON)
			return exitFor(result)
		case sig := <-sigCh:
			if sig == os.Interrupt && !interrupted {
				interrupted = true
				fmt.Fprintln(errOut, "interrupting agent, press Ctrl-C again to stop it")
				if err := rt.sched.Interrupt(taskID); err != nil {
					rt.log.Warnf("interrupt: %v", err)
				}
				continue
			}
			_ = rt.sched.Cancel(taskID)
			return &exitError{code: 130}
		}
	}
}

func exitFor(result models.TaskResult) error {
	code := exitCodeFor(result.Status)
	if code == 0 {
		return nil
	}
	return &exitError{code: code}
}

func printResult(w io.Writer, result models.TaskResult, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	fmt.Fprintf(w, "\n--- %s", result.Status)
	if result.SessionID != "" {
		fmt.Fprintf(w, " (session %s)", result.SessionID)
	}
	fmt.Fprintln(w, " ---")
	if c := result.Completion; c != nil {
		if c.Summary != "" {
			fmt.Fprintln(w, c.Summary)
		}
		if c.OriginalRequestSummary != "" {
			fmt.Fprintf(w, "Request: %s\n", c.OriginalRequestSummary)
		}
		if c.RemainingWork != "" {
			fmt.Fprintf(w, "Remaining: %s\n", c.RemainingWork)
		}
	}
	if result.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", result.Error)
	}
}
