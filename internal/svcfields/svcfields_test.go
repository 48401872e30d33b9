package svcfields

import "testing"

func TestSubsystemJoinsParts(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{nil, ""},
		{[]string{"coordinator"}, "coordinator"},
		{[]string{"coordinator", "", "scheduler"}, "coordinator.scheduler"},
		{[]string{".api.", " http ", "router"}, "api.http.router"},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}

func TestEnsureLoggerFallsBack(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatal("expected fallback logger")
	}
	if WithSubsystem(nil, "store") == nil {
		t.Fatal("expected logger for nil base")
	}
}
