package agent

import "errors"

var (
	// ErrNotRunning is returned when interacting with a stopped agent
	ErrNotRunning = errors.New("agent is not running")

	// ErrAlreadyRunning is returned when starting a running agent
	ErrAlreadyRunning = errors.New("agent is already running")

	// ErrNoExecutor is returned when a task arrives and no executor is set
	ErrNoExecutor = errors.New("no task executor configured")
)
