package answer

import "testing"

func TestMutable(t *testing.T) {
	cases := []struct {
		name         string
		answer       Answer
		questionOpen bool
		want         bool
	}{
		{"plain answer on open question", Answer{}, true, true},
		{"question closed", Answer{}, false, false},
		{"best answer", Answer{IsBest: true}, true, false},
		{"deleted answer", Answer{Deleted: true}, true, false},
		{"best on closed question", Answer{IsBest: true}, false, false},
	}
	for _, c := range cases {
		if got := c.answer.Mutable(c.questionOpen); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}
