package logging

import "testing"

func TestHasFmtVerb(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"plain message", false},
		{"value is %d", true},
		{"loaded %s from %s", true},
		{"100%% done", false},
		{"%", false},
	}
	for _, tc := range cases {
		if got := hasFmtVerb(tc.in); got != tc.want {
			t.Errorf("hasFmtVerb(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestShutdownFlag(t *testing.T) {
	if IsShuttingDown() {
		t.Fatal("shutdown flag set before SetShuttingDown")
	}
	SetShuttingDown()
	if !IsShuttingDown() {
		t.Error("shutdown flag not set")
	}
}
