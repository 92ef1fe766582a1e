package workflow

import "errors"

var (
	// ErrInstanceNotFound is returned when an instance id does not resolve
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrNotRunning is returned when pausing a non-running instance
	ErrNotRunning = errors.New("instance is not running")

	// ErrNotPaused is returned when resuming a non-paused instance
	ErrNotPaused = errors.New("instance is not paused")

	// ErrTerminalInstance is returned when mutating a finished instance
	ErrTerminalInstance = errors.New("instance is in a terminal state")

	// ErrHumanTaskNotFound is returned when a human task id does not resolve
	ErrHumanTaskNotFound = errors.New("human task not found")

	// ErrNoSnapshotForResume is returned when resume finds no snapshot
	ErrNoSnapshotForResume = errors.New("no snapshot available for resume")

	// ErrUnknownHandler is returned for unregistered handler ids
	ErrUnknownHandler = errors.New("unknown handler")

	// ErrEngineClosed is returned after the engine has shut down
	ErrEngineClosed = errors.New("workflow engine is closed")
)
