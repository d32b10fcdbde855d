package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const testMasterKeyHex = "3031323334353637383961626364656630313233343536373839616263646566"

func TestLoader_ParseEnvironment(t *testing.T) {

	t.Run("applies defaults when variables are missing", func(t *testing.T) {
		unset := []string{
			"ASSISTANT_HTTP_PORT",
			"ASSISTANT_SQLITE_DSN",
			"ASSISTANT_SESSION_TTL",
			"ASSISTANT_JOB_WORKERS",
			"ASSISTANT_JOB_MAX_ATTEMPTS",
			"ASSISTANT_AI_PARSE_PER_HOUR",
			"ASSISTANT_AI_PARSE_PER_DAY",
			"ASSISTANT_TRANSCRIBE_PER_HOUR",
			"ASSISTANT_TRANSCRIBE_PER_DAY",
			"ASSISTANT_WORKING_HOURS_START",
			"ASSISTANT_WORKING_HOURS_END",
			"ASSISTANT_TIMEZONE",
			"ASSISTANT_LOG_LEVEL",
			"ASSISTANT_FALLBACK_ENABLED",
			"ASSISTANT_REFRESH_INTERVAL",
			"ASSISTANT_REFRESH_LOOKAHEAD",
		}
		for _, key := range unset {
			if err := os.Unsetenv(key); err != nil {
				t.Fatalf("failed to unset %s: %v", key, err)
			}
		}

		t.Setenv("ASSISTANT_SERVICE_TOKEN", "service-token")
		t.Setenv("ASSISTANT_VAULT_MASTER_KEY", testMasterKeyHex)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}

		if cfg.HTTPPort != 8080 {
			t.Fatalf("expected default HTTP port 8080, got %d", cfg.HTTPPort)
		}
		if cfg.SQLiteDSN != "file:assistant.db" {
			t.Fatalf("unexpected default DSN: %q", cfg.SQLiteDSN)
		}
		if cfg.SessionTTL != 30*time.Minute {
			t.Fatalf("expected default session TTL 30m, got %s", cfg.SessionTTL)
		}
		if cfg.WorkingHoursStart != 9 || cfg.WorkingHoursEnd != 18 {
			t.Fatalf("unexpected working hours: %d-%d", cfg.WorkingHoursStart, cfg.WorkingHoursEnd)
		}
		if !cfg.FallbackEnabled {
			t.Fatal("expected fallback to default on")
		}
		if len(cfg.VaultMasterKey) != 32 {
			t.Fatalf("expected a 32-byte master key, got %d bytes", len(cfg.VaultMasterKey))
		}
	})

	t.Run("errors when required values are missing", func(t *testing.T) {
		for _, key := range []string{
			"ASSISTANT_SERVICE_TOKEN",
			"ASSISTANT_VAULT_MASTER_KEY",
		} {
			if err := os.Unsetenv(key); err != nil {
				t.Fatalf("failed to unset %s: %v", key, err)
			}
		}

		_, err := Load()
		if err == nil {
			t.Fatalf("expected error when required values are missing")
		}
		expected := "required environment variables are not set: ASSISTANT_SERVICE_TOKEN, ASSISTANT_VAULT_MASTER_KEY"
		if err.Error() != expected {
			t.Fatalf("unexpected error message: %q", err.Error())
		}
	})

	t.Run("rejects a master key of the wrong size", func(t *testing.T) {
		t.Setenv("ASSISTANT_SERVICE_TOKEN", "service-token")
		t.Setenv("ASSISTANT_VAULT_MASTER_KEY", "abcd1234")

		_, err := Load()
		if err == nil {
			t.Fatalf("expected error for a short master key")
		}
		if !strings.Contains(err.Error(), "ASSISTANT_VAULT_MASTER_KEY") {
			t.Fatalf("unexpected error message: %q", err.Error())
		}
	})

	t.Run("parses duration and numeric fields", func(t *testing.T) {
		t.Setenv("ASSISTANT_SERVICE_TOKEN", "service-token")
		t.Setenv("ASSISTANT_VAULT_MASTER_KEY", testMasterKeyHex)
		t.Setenv("ASSISTANT_HTTP_PORT", "9090")
		t.Setenv("ASSISTANT_SQLITE_DSN", "file:/tmp/assistant.db")
		t.Setenv("ASSISTANT_SESSION_TTL", "45m")
		t.Setenv("ASSISTANT_JOB_WORKERS", "4")
		t.Setenv("ASSISTANT_JOB_MAX_ATTEMPTS", "3")
		t.Setenv("ASSISTANT_WORKING_HOURS_START", "8")
		t.Setenv("ASSISTANT_WORKING_HOURS_END", "17")
		t.Setenv("ASSISTANT_TIMEZONE", "Europe/Berlin")
		t.Setenv("ASSISTANT_FALLBACK_ENABLED", "false")
		t.Setenv("ASSISTANT_REFRESH_INTERVAL", "5m")
		t.Setenv("ASSISTANT_AI_PARSE_PER_HOUR", "10")
		t.Setenv("ASSISTANT_TRANSCRIBE_PER_DAY", "40")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}

		if cfg.SessionTTL != 45*time.Minute {
			t.Fatalf("expected session TTL 45m, got %s", cfg.SessionTTL)
		}
		if cfg.HTTPPort != 9090 {
			t.Fatalf("expected HTTP port 9090, got %d", cfg.HTTPPort)
		}
		if cfg.SQLiteDSN != "file:/tmp/assistant.db" {
			t.Fatalf("unexpected DSN: %q", cfg.SQLiteDSN)
		}
		if cfg.JobWorkers != 4 || cfg.JobMaxAttempts != 3 {
			t.Fatalf("unexpected job settings: workers=%d attempts=%d", cfg.JobWorkers, cfg.JobMaxAttempts)
		}
		if cfg.WorkingHoursStart != 8 || cfg.WorkingHoursEnd != 17 {
			t.Fatalf("unexpected working hours: %d-%d", cfg.WorkingHoursStart, cfg.WorkingHoursEnd)
		}
		if cfg.Timezone != "Europe/Berlin" {
			t.Fatalf("unexpected timezone: %q", cfg.Timezone)
		}
		if cfg.FallbackEnabled {
			t.Fatal("expected fallback disabled")
		}
		if cfg.RefreshInterval != 5*time.Minute {
			t.Fatalf("unexpected refresh interval: %s", cfg.RefreshInterval)
		}
		if cfg.AIParsePerHour != 10 || cfg.AIParsePerDay != 0 {
			t.Fatalf("unexpected AI parse quotas: %d/%d", cfg.AIParsePerHour, cfg.AIParsePerDay)
		}
		if cfg.TranscribePerDay != 40 {
			t.Fatalf("unexpected transcribe daily quota: %d", cfg.TranscribePerDay)
		}
	})

	t.Run("rejects an inverted working window", func(t *testing.T) {
		t.Setenv("ASSISTANT_SERVICE_TOKEN", "service-token")
		t.Setenv("ASSISTANT_VAULT_MASTER_KEY", testMasterKeyHex)
		t.Setenv("ASSISTANT_WORKING_HOURS_START", "18")
		t.Setenv("ASSISTANT_WORKING_HOURS_END", "9")

		_, err := Load()
		if err == nil {
			t.Fatalf("expected error for an inverted working window")
		}
	})
}
