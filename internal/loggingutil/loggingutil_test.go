package loggingutil

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{parts: nil, want: ""},
		{parts: []string{"client", "ha"}, want: "client.ha"},
		{parts: []string{" .unixrpc. ", "", "server"}, want: "unixrpc.server"},
		{parts: []string{"", " "}, want: ""},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q)=%q want %q", tc.parts, got, tc.want)
		}
	}
}

func TestEnsureLoggerNeverNil(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatal("expected noop logger for nil input")
	}
	if WithSubsystem(nil, "client.ha") == nil {
		t.Fatal("expected logger from WithSubsystem(nil)")
	}
}
