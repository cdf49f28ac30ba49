package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("SCANPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("SCANPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	def := 2 * time.Second
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", def},
		{"1500ms", 1500 * time.Millisecond},
		{"-1s", def},
		{"soon", def},
	}
	for _, tt := range tests {
		t.Setenv("SCANPIPE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("SCANPIPE_TEST_DURATION", def); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestGetEnvDefault(t *testing.T) {
	t.Setenv("SCANPIPE_TEST_STRING", "  ")
	if got := GetEnvDefault("SCANPIPE_TEST_STRING", "fallback"); got != "fallback" {
		t.Errorf("expected fallback for blank value, got %q", got)
	}
	t.Setenv("SCANPIPE_TEST_STRING", " value ")
	if got := GetEnvDefault("SCANPIPE_TEST_STRING", "fallback"); got != "value" {
		t.Errorf("expected trimmed value, got %q", got)
	}
}
