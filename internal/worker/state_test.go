package worker

import (
	"testing"

	"github.com/danmuck/forged/internal/testutil/testlog"
)

func TestTransitionTable(t *testing.T) {
	testlog.Start(t)

	legal := map[[2]State]bool{
		{StateIdle, StateInFlight}:    true,
		{StateIdle, StateStopped}:     true,
		{StateInFlight, StateIdle}:    true,
		{StateInFlight, StateFailed}:  true,
		{StateInFlight, StateStopped}: true,
		{StateFailed, StateStopped}:   true,
	}

	states := []State{StateIdle, StateInFlight, StateFailed, StateStopped}
	for _, from := range states {
		for _, to := range states {
			want := legal[[2]State{from, to}]
			if got := canTransition(from, to); got != want {
				t.Fatalf("transition %s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}
