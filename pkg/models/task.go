// Package models defines the core domain types for the capataz orchestrator.
package models

import (
	"fmt"
	"time"
)

// TaskStatus represents where a submitted task sits in the scheduler.
type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "queued"
	TaskStatusRunning TaskStatus = "running"
)

// ResultStatus is the final outcome reported for a task session.
type ResultStatus string

const (
	// ResultSuccess means the agent finished (or simply answered a conversational prompt).
	ResultSuccess ResultStatus = "success"
	// ResultBlocked means the agent deliberately reported it could not proceed.
	ResultBlocked ResultStatus = "blocked"
	// ResultPartial means continuations were exhausted before the agent confirmed completion.
	ResultPartial ResultStatus = "partial"
	// ResultError means the agent crashed, failed to spawn or hit an out-of-band failure.
	ResultError ResultStatus = "error"
	// ResultInterrupted means the user stopped the session.
	ResultInterrupted ResultStatus = "interrupted"
)

// IsFailure reports whether the outcome should be surfaced as a failure.
func (s ResultStatus) IsFailure() bool {
	return s == ResultError || s == ResultBlocked
}

// TaskConfig is the immutable input for a task session.
type TaskConfig struct {
	Prompt     string            `json:"prompt" yaml:"prompt"`
	WorkDir    string            `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	SessionID  string            `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	ProviderID string            `json:"provider_id,omitempty" yaml:"provider_id,omitempty"`
	ModelID    string            `json:"model_id,omitempty" yaml:"model_id,omitempty"`
	ExtraArgs  []string          `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Validate checks the fields required to start a session.
func (c TaskConfig) Validate() error {
	if c.Prompt == "" && c.SessionID == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

// Model returns the provider-qualified model reference, e.g. "anthropic/claude-sonnet-4".
func (c TaskConfig) Model() string {
	switch {
	case c.ModelID == "":
		return ""
	case c.ProviderID == "":
		return c.ModelID
	default:
		return c.ProviderID + "/" + c.ModelID
	}
}

// TaskSession correlates a caller-assigned task with the agent's own session.
type TaskSession struct {
	TaskID      string    `json:"task_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Invocations int       `json:"invocations"`
	StartedAt   time.Time `json:"started_at"`
}

// TaskResult is delivered once when a session finishes.
type TaskResult struct {
	Status     ResultStatus      `json:"status"`
	SessionID  string            `json:"session_id,omitempty"`
	Error      string            `json:"error,omitempty"`
	Completion *CompleteTaskArgs `json:"completion,omitempty"`
}

// ProgressStage labels a progress notification.
type ProgressStage string

const (
	StageStarting   ProgressStage = "starting"
	StageConnecting ProgressStage = "connecting"
	StageWaiting    ProgressStage = "waiting"
	StageTool       ProgressStage = "tool"
	StageContinuing ProgressStage = "continuing"
)

// PermissionRequest describes something the agent needs the user to answer.
type PermissionRequest struct {
	ID       string   `json:"id"`
	TaskID   string   `json:"task_id"`
	Kind     string   `json:"kind"`
	ToolName string   `json:"tool_name,omitempty"`
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// Duration is a wrapper around time.Duration for JSON and YAML marshaling.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return nil
	}
	return d.parse(string(b[1 : len(b)-1]))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TruncateString shortens s to maxLen bytes, marking the cut with "...".
func TruncateString(s string, maxLen int) string {
	if maxLen <= 3 {
		return "..."
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
