package lifecycle

import (
	"errors"
	"testing"
)

func TestNext(t *testing.T) {
	cases := []struct {
		from    Status
		trigger Trigger
		to      Status
		ok      bool
	}{
		{Inactive, StartRequest, Starting, true},
		{Error, StartRequest, Starting, true},
		{Starting, StartRequest, Starting, false},
		{Streaming, StartRequest, Streaming, false},
		{Starting, AgentStreaming, Streaming, true},
		{Inactive, AgentStreaming, Inactive, false},
		{Stopping, AgentStreaming, Stopping, false},
		{Starting, StopRequest, Stopping, true},
		{Streaming, StopRequest, Stopping, true},
		{Inactive, StopRequest, Inactive, false},
		{Stopping, StopRequest, Stopping, false},
		{Streaming, ScheduledStop, Stopping, true},
		{Streaming, KillAll, Stopping, true},
		{Stopping, AgentStopped, Inactive, true},
		{Streaming, AgentCompleted, Inactive, true},
		{Streaming, AgentFailed, Error, true},
		{Inactive, AgentFailed, Inactive, false},
		{Stopping, SweepStuckStopping, Inactive, true},
		{Streaming, SweepStuckStopping, Streaming, false},
		{Starting, SweepStuckStarting, Error, true},
		{Stopping, SweepStuckStarting, Stopping, false},
	}
	for _, c := range cases {
		to, err := Next(c.from, c.trigger)
		if c.ok && err != nil {
			t.Errorf("%s on %s: unexpected error %v", c.from, c.trigger, err)
		}
		if !c.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s on %s: expected ErrInvalidTransition, got %v", c.from, c.trigger, err)
		}
		if to != c.to {
			t.Errorf("%s on %s: got %s, want %s", c.from, c.trigger, to, c.to)
		}
	}
}

// Every reachable status must agree with the VPS-holding invariant.
func TestTransitionsKeepVpsInvariant(t *testing.T) {
	for e, to := range transitions {
		if !to.Valid() || !e.from.Valid() {
			t.Fatalf("invalid status in table: %v -> %v", e, to)
		}
		if e.trigger == StartRequest && !HoldsVps(to) {
			t.Errorf("start must lead to a VPS-holding status, got %s", to)
		}
	}
	for _, s := range AllStatuses {
		if HoldsSlot(s) && !HoldsVps(s) {
			t.Errorf("%s holds a slot but no VPS", s)
		}
	}
	if HoldsVps(Inactive) || HoldsVps(Error) {
		t.Error("terminal statuses must not hold a VPS")
	}
}

func TestIsNoop(t *testing.T) {
	if !IsNoop(Streaming, AgentStreaming) {
		t.Error("repeated streaming report should be a no-op")
	}
	if IsNoop(Starting, AgentStreaming) {
		t.Error("first streaming report is not a no-op")
	}
	if !IsNoop(Inactive, AgentStopped) {
		t.Error("stop confirmation on inactive stream should be a no-op")
	}
}
