package intent

import "testing"

func TestOpen(t *testing.T) {
	cases := []struct {
		state State
		want  bool
	}{
		{StatePending, true},
		{StateAwaitingCommit, true},
		{StateCompleted, false},
		{StateAbandoned, false},
	}
	for _, c := range cases {
		in := Intent{State: c.state}
		if got := in.Open(); got != c.want {
			t.Errorf("%s: got %v, want %v", c.state, got, c.want)
		}
	}
}
