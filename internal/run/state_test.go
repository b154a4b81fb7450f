package run

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StatePending, "pending"},
		{StateRunning, "running"},
		{StateCancelling, "cancelling"},
		{StateCompleted, "completed"},
		{StateFailed, "failed"},
		{State(99), "unknown(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	if StatePending.Terminal() || StateRunning.Terminal() || StateCancelling.Terminal() {
		t.Error("non-terminal states reported terminal")
	}
	if !StateCompleted.Terminal() || !StateFailed.Terminal() {
		t.Error("terminal states reported non-terminal")
	}
}

func TestStateCanTransition(t *testing.T) {
	tests := []struct {
		from State
		to   State
		want bool
	}{
		{StatePending, StateRunning, true},
		{StatePending, StateFailed, true},
		{StatePending, StateCompleted, false},
		{StatePending, StateCancelling, false},
		{StateRunning, StateCancelling, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StatePending, false},
		{StateCancelling, StateCompleted, true},
		{StateCancelling, StateFailed, true},
		{StateCancelling, StateRunning, false},
		{StateCompleted, StateRunning, false},
		{StateFailed, StatePending, false},
	}

	for _, tt := range tests {
		if got := tt.from.canTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
