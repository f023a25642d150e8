package agent

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/sevir/capataz/pkg/models"
)

// Command is a fully resolved agent invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// CommandBuilder turns a task configuration into a Command.
type CommandBuilder interface {
	Build(cfg models.TaskConfig) (Command, error)
}

// CommandBuilderFunc adapts a function to CommandBuilder.
type CommandBuilderFunc func(cfg models.TaskConfig) (Command, error)

func (f CommandBuilderFunc) Build(cfg models.TaskConfig) (Command, error) { return f(cfg) }

// OpenCodeBuilder builds "opencode run --format json" invocations.
type OpenCodeBuilder struct {
	Executable      string
	ExtraArgs       []string
	// ServeArgs replaces DefaultServeArgs when set.
	ServeArgs       []string
	DefaultProvider string
	DefaultModel    string
	Env             map[string]string
}

// ParseExtraArgs splits a shell-style argument string from configuration.
func ParseExtraArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	args, err := shellquote.Split(s)
	if err != nil {
		return nil, fmt.Errorf("parsing extra args %q: %w", s, err)
	}
	return args, nil
}

// Build implements CommandBuilder.
func (b OpenCodeBuilder) Build(cfg models.TaskConfig) (Command, error) {
	if b.Executable == "" {
		return Command{}, fmt.Errorf("%w: no executable configured", ErrExecutableNotFound)
	}
	if err := cfg.Validate(); err != nil {
		return Command{}, err
	}

	if cfg.ModelID == "" {
		cfg.ModelID = b.DefaultModel
		if cfg.ProviderID == "" {
			cfg.ProviderID = b.DefaultProvider
		}
	}

	args := []string{"run", "--format", "json"}
	if model := cfg.Model(); model != "" {
		args = append(args, "-m", model)
	}
	if cfg.SessionID != "" {
		args = append(args, "--session", cfg.SessionID)
	}
	args = append(args, b.ExtraArgs...)
	args = append(args, cfg.ExtraArgs...)
	// The message is the final positional argument.
	args = append(args, cfg.Prompt)

	return Command{
		Path: b.Executable,
		Args: args,
		Env:  mergeEnv(os.Environ(), b.Env, cfg.Env, map[string]string{"NO_COLOR": "1"}),
		Dir:  cfg.WorkDir,
	}, nil
}

// DefaultServeArgs starts the agent as a stdio server.
var DefaultServeArgs = []string{"serve", "--stdio", "--format", "json"}

// ServeCommand builds the long-lived server invocation used by ServerHub.
//
// Experimental: ServerHub speaks its own NDJSON hub protocol over the
// server's stdio. It writes prompt and abort requests and expects
// session_created, stream events and session_idle back. The agent CLI does
// not document such a mode, so the server side is usually a wrapper set up
// through ServeArgs. The pty transport is the supported one.
func (b OpenCodeBuilder) ServeCommand(workDir string) (Command, error) {
	if b.Executable == "" {
		return Command{}, fmt.Errorf("%w: no executable configured", ErrExecutableNotFound)
	}
	serve := b.ServeArgs
	if len(serve) == 0 {
		serve = DefaultServeArgs
	}
	args := append(append([]string(nil), serve...), b.ExtraArgs...)
	return Command{
		Path: b.Executable,
		Args: args,
		Env:  mergeEnv(os.Environ(), b.Env, map[string]string{"NO_COLOR": "1"}),
		Dir:  workDir,
	}, nil
}

// mergeEnv overlays maps on a base KEY=VALUE list; later maps win.
func mergeEnv(base []string, overlays ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	var order []string
	for _, kv := range base {
		k, v, _ := strings.Cut(kv, "=")
		if _, seen := merged[k]; !seen {
			order = append(order, k)
		}
		merged[k] = v
	}
	var extra []string
	for _, m := range overlays {
		for k, v := range m {
			if _, seen := merged[k]; !seen {
				extra = append(extra, k)
			}
			merged[k] = v
		}
	}
	sort.Strings(extra)
	order = append(order, extra...)

	env := make([]string, 0, len(order))
	for _, k := range order {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// LocateExecutable finds name on PATH or in one of searchPaths. A name that
// contains a path separator is checked as is.
func LocateExecutable(name string, searchPaths []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrExecutableNotFound)
	}
	if strings.ContainsRune(name, filepath.Separator) {
		if isExecutable(name) {
			return name, nil
		}
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	for _, dir := range searchPaths {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s (searched PATH and %d extra dirs)", ErrExecutableNotFound, name, len(searchPaths))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
