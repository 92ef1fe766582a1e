package hive

import "errors"

var (
	// ErrObjectiveNotFound is returned when an objective id does not resolve
	ErrObjectiveNotFound = errors.New("objective not found")

	// ErrNoTeamAvailable is returned when no team can take an objective
	ErrNoTeamAvailable = errors.New("no capable team available")

	// ErrProposalNotFound is returned when a proposal id does not resolve
	ErrProposalNotFound = errors.New("consensus proposal not found")

	// ErrQueenStopped is returned when submitting to a stopped scheduler
	ErrQueenStopped = errors.New("scheduler is not running")

	// ErrTooManyAgents is returned when the registry exceeds the agent cap
	ErrTooManyAgents = errors.New("maximum agent count exceeded")
)
