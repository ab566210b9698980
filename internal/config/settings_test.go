package config

import (
	"testing"
	"time"
)

type mapSettings map[string]string

func (m mapSettings) GetSetting(key string) (string, error) {
	return m[key], nil
}

func TestLoader_TypedGetters(t *testing.T) {
	loader := NewLoader(mapSettings{
		"maintenance.schedule":   `"@hourly"`,
		"maintenance.enabled":    "false",
		"history.retention_days": "3",
		"watcher.debounce_ms":    "100",
		"broken.int":             "nope",
		"plain.string":           "raw",
	})

	if got := loader.String("maintenance.schedule", "@daily"); got != "@hourly" {
		t.Fatalf("expected quoted JSON string to be unquoted, got %q", got)
	}
	if got := loader.String("plain.string", ""); got != "raw" {
		t.Fatalf("expected raw string, got %q", got)
	}
	if got := loader.String("missing", "fallback"); got != "fallback" {
		t.Fatalf("expected default for missing key, got %q", got)
	}
	if loader.Bool("maintenance.enabled", true) {
		t.Fatal("expected explicit false to win over default")
	}
	if !loader.Bool("missing", true) {
		t.Fatal("expected default true for missing key")
	}
	if got := loader.Int("broken.int", 7); got != 7 {
		t.Fatalf("expected default for invalid int, got %d", got)
	}
	if got := loader.DurationDays("history.retention_days", 7); got != 72*time.Hour {
		t.Fatalf("expected 72h, got %s", got)
	}
	if got := loader.DurationMillis("watcher.debounce_ms", 250); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %s", got)
	}
}

func TestLoader_NilSafe(t *testing.T) {
	var loader *Loader
	if got := loader.Int("any", 5); got != 5 {
		t.Fatalf("expected default from nil loader, got %d", got)
	}
}

func TestSetGlobalTimeouts_NilRestoresDefaults(t *testing.T) {
	SetGlobalTimeouts(&TimeoutConfig{BusyTimeout: time.Second})
	SetGlobalTimeouts(nil)
	if got := GetTimeouts().BusyTimeout; got != 5*time.Second {
		t.Fatalf("expected default busy timeout, got %s", got)
	}
}
