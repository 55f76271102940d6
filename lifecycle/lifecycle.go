// Package lifecycle holds the stream status state machine shared by the
// controller, the sweeper and the agent webhooks.
package lifecycle

import (
	"errors"
	"fmt"
)

type Status string

const (
	Inactive  Status = "INACTIVE"
	Starting  Status = "STARTING"
	Streaming Status = "STREAMING"
	Stopping  Status = "STOPPING"
	Error     Status = "ERROR"
)

var AllStatuses = []Status{Inactive, Starting, Streaming, Stopping, Error}

func (s Status) Valid() bool {
	switch s {
	case Inactive, Starting, Streaming, Stopping, Error:
		return true
	}
	return false
}

// HoldsVps reports whether a stream in this status must have a VPS assigned.
func HoldsVps(s Status) bool {
	return s == Starting || s == Streaming || s == Stopping
}

// HoldsSlot reports whether a stream in this status counts against its
// VPS's current_streams.
func HoldsSlot(s Status) bool {
	return s == Starting || s == Streaming
}

var (
	VpsStatuses  = []Status{Starting, Streaming, Stopping}
	SlotStatuses = []Status{Starting, Streaming}
)

type Trigger int

const (
	StartRequest Trigger = iota
	StopRequest
	ScheduledStop
	KillAll
	AgentStreaming
	AgentStopped
	AgentCompleted
	AgentFailed
	SweepStuckStopping
	SweepStuckStarting
)

func (t Trigger) String() string {
	return [...]string{
		"start_request",
		"stop_request",
		"scheduled_stop",
		"kill_all",
		"agent_streaming",
		"agent_stopped",
		"agent_completed",
		"agent_failed",
		"sweep_stuck_stopping",
		"sweep_stuck_starting",
	}[t]
}

var (
	ErrInvalidTransition = errors.New("invalid stream status transition")
	// ErrConflict means the row changed between read and conditional write.
	ErrConflict = errors.New("stream status changed concurrently")
)

type edge struct {
	from    Status
	trigger Trigger
}

var transitions = map[edge]Status{
	{Inactive, StartRequest}: Starting,
	{Error, StartRequest}:    Starting,

	{Starting, AgentStreaming}: Streaming,

	{Starting, StopRequest}:    Stopping,
	{Streaming, StopRequest}:   Stopping,
	{Starting, ScheduledStop}:  Stopping,
	{Streaming, ScheduledStop}: Stopping,
	{Starting, KillAll}:        Stopping,
	{Streaming, KillAll}:       Stopping,

	{Stopping, AgentStopped}:  Inactive,
	{Starting, AgentStopped}:  Inactive,
	{Streaming, AgentStopped}: Inactive,

	{Starting, AgentCompleted}:  Inactive,
	{Streaming, AgentCompleted}: Inactive,

	{Starting, AgentFailed}:  Error,
	{Streaming, AgentFailed}: Error,
	{Stopping, AgentFailed}:  Error,

	{Stopping, SweepStuckStopping}: Inactive,
	{Starting, SweepStuckStarting}: Error,
}

// Next returns the status reached from "from" when "t" fires.
func Next(from Status, t Trigger) (Status, error) {
	if to, ok := transitions[edge{from, t}]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, t)
}

// IsNoop reports an agent confirmation that repeats the current state, such
// as a second "streaming" report.
func IsNoop(from Status, t Trigger) bool {
	switch t {
	case AgentStreaming:
		return from == Streaming
	case AgentStopped, AgentCompleted:
		return from == Inactive
	case AgentFailed:
		return from == Error
	}
	return false
}
