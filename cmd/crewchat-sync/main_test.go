package main

import (
	"reflect"
	"testing"
	"time"
)

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"t1", []string{"t1"}},
		{"t1,t2", []string{"t1", "t2"}},
		{" t1 , ,t2, ", []string{"t1", "t2"}},
	}
	for _, tc := range cases {
		if got := splitCSV(tc.raw); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("splitCSV(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("CREWCHAT_SYNC_TEST_STR", "  value  ")
	if got := envOrDefault("CREWCHAT_SYNC_TEST_STR", "dflt"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := envOrDefault("CREWCHAT_SYNC_TEST_STR_UNSET", "dflt"); got != "dflt" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CREWCHAT_SYNC_TEST_DURATION", "whenever")
	if got := durationEnv("CREWCHAT_SYNC_TEST_DURATION", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}
