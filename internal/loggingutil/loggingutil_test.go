package loggingutil

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	cases := map[string][]string{
		"lock.manager":       {"lock", "", "manager"},
		"cli.lockedCommand":  {".cli.", "lockedCommand"},
		"":                   {"", " . "},
		"wait.service.index": {"wait", "service", "index"},
	}
	for want, parts := range cases {
		if got := Subsystem(parts...); got != want {
			t.Fatalf("Subsystem(%q) = %q, want %q", parts, got, want)
		}
	}
}

func TestEnsureLoggerFallsBackToNoop(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatal("expected noop logger")
	}
	if WithSubsystem(nil, "kv.consul") == nil {
		t.Fatal("expected logger for nil base")
	}
	// Logging through the noop logger must not panic.
	WithSubsystem(nil, "kv.consul").Info("kv.consul.ready", "address", "127.0.0.1:8500")
}
