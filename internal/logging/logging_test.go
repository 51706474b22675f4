package logging

import "testing"

func TestLookupLevelPrefersProjectVar(t *testing.T) {
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("MOTIONLINK_LOG_LEVEL", "debug")
	if got := lookupLevel(); got != "debug" {
		t.Fatalf("lookupLevel() = %q, want %q", got, "debug")
	}
}

func TestLookupLevelFallsBackToLogLevel(t *testing.T) {
	t.Setenv("MOTIONLINK_LOG_LEVEL", "")
	t.Setenv("LOG_LEVEL", "warn")
	if got := lookupLevel(); got != "warn" {
		t.Fatalf("lookupLevel() = %q, want %q", got, "warn")
	}
}
