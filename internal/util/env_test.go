package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"off", true, false},
		{"0", true, false},
		{"", true, true},
		{"maybe", false, false},
	}
	for _, tc := range cases {
		t.Setenv("MEALPIPE_TEST_BOOL", tc.value)
		if got := ParseBoolEnv("MEALPIPE_TEST_BOOL", tc.def); got != tc.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v; want %v", tc.value, tc.def, got, tc.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("MEALPIPE_TEST_INT", "42")
	if got := ParseIntEnv("MEALPIPE_TEST_INT", 7); got != 42 {
		t.Errorf("ParseIntEnv = %d; want 42", got)
	}
	t.Setenv("MEALPIPE_TEST_INT", "not a number")
	if got := ParseIntEnv("MEALPIPE_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv fallback = %d; want 7", got)
	}
	t.Setenv("MEALPIPE_TEST_INT", "")
	if got := ParseIntEnv("MEALPIPE_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv empty = %d; want 7", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("MEALPIPE_TEST_DURATION", "90s")
	if got := ParseDurationEnv("MEALPIPE_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Errorf("ParseDurationEnv = %v; want 90s", got)
	}
	t.Setenv("MEALPIPE_TEST_DURATION", "soon")
	if got := ParseDurationEnv("MEALPIPE_TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("ParseDurationEnv fallback = %v; want 1m", got)
	}
}
