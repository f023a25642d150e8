// Package stream turns the agent's terminal output into typed protocol messages.
package stream

import (
	"encoding/json"
	"time"
)

// Kind discriminates protocol messages.
type Kind string

const (
	KindStepStart  Kind = "step_start"
	KindText       Kind = "text"
	KindToolCall   Kind = "tool_call"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindStepFinish Kind = "step_finish"
	KindError      Kind = "error"

	// Emitted by the long-lived server transport only.
	KindSessionCreated Kind = "session_created"
	KindSessionIdle    Kind = "session_idle"
)

// FinishReason is why a step ended.
type FinishReason string

const (
	FinishStop    FinishReason = "stop"
	FinishEndTurn FinishReason = "end_turn"
	FinishToolUse FinishReason = "tool_use"
	FinishError   FinishReason = "error"
)

// IsTerminating reports whether the agent considers its turn over.
func (r FinishReason) IsTerminating() bool {
	return r == FinishStop || r == FinishEndTurn
}

// Message is one parsed protocol event.
type Message struct {
	Kind      Kind
	SessionID string
	// RequestID echoes the id of the request that opened a server session.
	RequestID string
	Timestamp time.Time

	// Text holds content for KindText. Delta marks an incremental fragment.
	Text  string
	Delta bool

	Tool   *ToolPart
	Finish *StepFinish
	Err    *ErrorPart

	Raw json.RawMessage
}

// IsTool reports whether the message records tool activity.
func (m Message) IsTool() bool {
	return m.Kind == KindToolCall || m.Kind == KindToolUse || m.Kind == KindToolResult
}

// ToolPart describes a tool invocation.
type ToolPart struct {
	CallID string
	Name   string
	Status string
	Title  string
	Input  map[string]any
	Output string
}

// StepFinish closes a step.
type StepFinish struct {
	Reason FinishReason
	Cost   float64
	Tokens TokenUsage
}

// TokenUsage is the token accounting reported with a finished step.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning"`
}

// ErrorPart is an error reported on the primary stream.
type ErrorPart struct {
	Name       string
	Message    string
	StatusCode int
	ProviderID string
}

func (e *ErrorPart) Error() string {
	if e.Name == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// wire shapes of the agent's JSON event lines.

type wireEvent struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp float64         `json:"timestamp"`
	SessionID string          `json:"sessionID"`
	Part      *wirePart       `json:"part"`
	Error     json.RawMessage `json:"error"`
	Text      string          `json:"text"`
	Delta     string          `json:"delta"`
}

type wirePart struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionID"`
	Text      string         `json:"text"`
	Delta     string         `json:"delta"`
	Tool      string         `json:"tool"`
	CallID    string         `json:"callID"`
	State     *wireToolState `json:"state"`
	Reason    string         `json:"reason"`
	Cost      float64        `json:"cost"`
	Tokens    TokenUsage     `json:"tokens"`
}

type wireToolState struct {
	Status string         `json:"status"`
	Title  string         `json:"title"`
	Input  map[string]any `json:"input"`
	Output any            `json:"output"`
}

type wireError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Data    struct {
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
		ProviderID string `json:"providerID"`
	} `json:"data"`
}
