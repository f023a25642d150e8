package agent

import "errors"

var (
	// ErrExecutableNotFound means the agent CLI could not be located.
	ErrExecutableNotFound = errors.New("agent executable not found")
	// ErrSpawnFailed means the agent process could not be started.
	ErrSpawnFailed = errors.New("failed to spawn agent process")
	// ErrAbnormalExit means the agent exited non-zero without reporting completion.
	ErrAbnormalExit = errors.New("agent exited abnormally")
	// ErrAgentError means the agent reported an error on its output stream.
	ErrAgentError = errors.New("agent reported an error")
	// ErrOutOfBand means the diagnostic log revealed a failure the stream never showed.
	ErrOutOfBand = errors.New("out-of-band agent failure")
	// ErrNotRunning is returned for operations that need a live process.
	ErrNotRunning = errors.New("agent is not running")
	// ErrAlreadyStarted is returned when Start is called on a busy adapter.
	ErrAlreadyStarted = errors.New("adapter already started")
	// ErrCancelled is returned by Start on an adapter cancelled beforehand.
	ErrCancelled = errors.New("session cancelled")
)
