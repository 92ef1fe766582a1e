package team

import "errors"

var (
	// ErrTeamNotFound is returned when a team id does not resolve
	ErrTeamNotFound = errors.New("team not found")

	// ErrTaskNotFound is returned when a task id does not resolve
	ErrTaskNotFound = errors.New("task not found")

	// ErrAgentInTeam is returned when adding an agent that already has a team
	ErrAgentInTeam = errors.New("agent is already a member of a team")

	// ErrNotMember is returned when removing an agent that is not a member
	ErrNotMember = errors.New("agent is not a member of the team")

	// ErrTeamDisbanded is returned when mutating a disbanded team
	ErrTeamDisbanded = errors.New("team is disbanded")

	// ErrTerminalTask is returned when mutating a task in a terminal state
	ErrTerminalTask = errors.New("task is in a terminal state")

	// ErrNoMembers is returned when coordination needs members and has none
	ErrNoMembers = errors.New("team has no members")
)
