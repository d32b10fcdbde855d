package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures environment driven configuration values for the assistant
// service.
type Config struct {
	HTTPPort     int
	SQLiteDSN    string
	ServiceToken string
	// VaultMasterKey is the 32-byte credential sealing key, supplied as
	// 64 hex characters in ASSISTANT_VAULT_MASTER_KEY.
	VaultMasterKey []byte
	SessionTTL     time.Duration

	JobWorkers     int
	JobMaxAttempts int

	// Quota overrides; zero keeps the built-in default for that window.
	AIParsePerHour    int64
	AIParsePerDay     int64
	TranscribePerHour int64
	TranscribePerDay  int64

	WorkingHoursStart int
	WorkingHoursEnd   int
	Timezone          string

	LogLevel string

	OpenAIModel    string
	AnthropicModel string
	// FallbackEnabled routes model parsing to the Anthropic adapter when
	// the OpenAI call fails.
	FallbackEnabled bool

	RefreshInterval  time.Duration
	RefreshLookahead time.Duration
}

// Load parses configuration values from the current process environment.
//
// The loader applies defaults for optional fields while validating required
// values; all missing and invalid entries are reported in one error.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:          8080,
		SQLiteDSN:         "file:assistant.db",
		SessionTTL:        30 * time.Minute,
		JobWorkers:        2,
		JobMaxAttempts:    5,
		WorkingHoursStart: 9,
		WorkingHoursEnd:   18,
		Timezone:          "UTC",
		LogLevel:          "info",
		FallbackEnabled:   true,
		RefreshInterval:   15 * time.Minute,
		RefreshLookahead:  time.Hour,
	}

	missing := make([]string, 0, 2)
	invalid := make([]string, 0, 2)

	if portValue := strings.TrimSpace(os.Getenv("ASSISTANT_HTTP_PORT")); portValue != "" {
		port, err := strconv.Atoi(portValue)
		if err != nil || port <= 0 {
			invalid = append(invalid, "ASSISTANT_HTTP_PORT")
		} else {
			cfg.HTTPPort = port
		}
	}

	if dsn := strings.TrimSpace(os.Getenv("ASSISTANT_SQLITE_DSN")); dsn != "" {
		cfg.SQLiteDSN = dsn
	}

	if token := strings.TrimSpace(os.Getenv("ASSISTANT_SERVICE_TOKEN")); token == "" {
		missing = append(missing, "ASSISTANT_SERVICE_TOKEN")
	} else {
		cfg.ServiceToken = token
	}

	if keyValue := strings.TrimSpace(os.Getenv("ASSISTANT_VAULT_MASTER_KEY")); keyValue == "" {
		missing = append(missing, "ASSISTANT_VAULT_MASTER_KEY")
	} else {
		key, err := hex.DecodeString(keyValue)
		if err != nil || len(key) != 32 {
			invalid = append(invalid, "ASSISTANT_VAULT_MASTER_KEY")
		} else {
			cfg.VaultMasterKey = key
		}
	}

	if ttlValue := strings.TrimSpace(os.Getenv("ASSISTANT_SESSION_TTL")); ttlValue != "" {
		ttl, err := time.ParseDuration(ttlValue)
		if err != nil || ttl <= 0 {
			invalid = append(invalid, "ASSISTANT_SESSION_TTL")
		} else {
			cfg.SessionTTL = ttl
		}
	}

	if workersValue := strings.TrimSpace(os.Getenv("ASSISTANT_JOB_WORKERS")); workersValue != "" {
		workers, err := strconv.Atoi(workersValue)
		if err != nil || workers <= 0 {
			invalid = append(invalid, "ASSISTANT_JOB_WORKERS")
		} else {
			cfg.JobWorkers = workers
		}
	}

	if attemptsValue := strings.TrimSpace(os.Getenv("ASSISTANT_JOB_MAX_ATTEMPTS")); attemptsValue != "" {
		attempts, err := strconv.Atoi(attemptsValue)
		if err != nil || attempts <= 0 {
			invalid = append(invalid, "ASSISTANT_JOB_MAX_ATTEMPTS")
		} else {
			cfg.JobMaxAttempts = attempts
		}
	}

	quotaFields := []struct {
		key    string
		target *int64
	}{
		{"ASSISTANT_AI_PARSE_PER_HOUR", &cfg.AIParsePerHour},
		{"ASSISTANT_AI_PARSE_PER_DAY", &cfg.AIParsePerDay},
		{"ASSISTANT_TRANSCRIBE_PER_HOUR", &cfg.TranscribePerHour},
		{"ASSISTANT_TRANSCRIBE_PER_DAY", &cfg.TranscribePerDay},
	}
	for _, field := range quotaFields {
		value := strings.TrimSpace(os.Getenv(field.key))
		if value == "" {
			continue
		}
		quota, err := strconv.ParseInt(value, 10, 64)
		if err != nil || quota < 0 {
			invalid = append(invalid, field.key)
		} else {
			*field.target = quota
		}
	}

	if startValue := strings.TrimSpace(os.Getenv("ASSISTANT_WORKING_HOURS_START")); startValue != "" {
		start, err := strconv.Atoi(startValue)
		if err != nil || start < 0 || start > 23 {
			invalid = append(invalid, "ASSISTANT_WORKING_HOURS_START")
		} else {
			cfg.WorkingHoursStart = start
		}
	}

	if endValue := strings.TrimSpace(os.Getenv("ASSISTANT_WORKING_HOURS_END")); endValue != "" {
		end, err := strconv.Atoi(endValue)
		if err != nil || end < 1 || end > 24 {
			invalid = append(invalid, "ASSISTANT_WORKING_HOURS_END")
		} else {
			cfg.WorkingHoursEnd = end
		}
	}

	if tz := strings.TrimSpace(os.Getenv("ASSISTANT_TIMEZONE")); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			invalid = append(invalid, "ASSISTANT_TIMEZONE")
		} else {
			cfg.Timezone = tz
		}
	}

	if level := strings.TrimSpace(os.Getenv("ASSISTANT_LOG_LEVEL")); level != "" {
		cfg.LogLevel = level
	}

	if model := strings.TrimSpace(os.Getenv("ASSISTANT_OPENAI_MODEL")); model != "" {
		cfg.OpenAIModel = model
	}
	if model := strings.TrimSpace(os.Getenv("ASSISTANT_ANTHROPIC_MODEL")); model != "" {
		cfg.AnthropicModel = model
	}

	if fallbackValue := strings.TrimSpace(os.Getenv("ASSISTANT_FALLBACK_ENABLED")); fallbackValue != "" {
		enabled, err := strconv.ParseBool(fallbackValue)
		if err != nil {
			invalid = append(invalid, "ASSISTANT_FALLBACK_ENABLED")
		} else {
			cfg.FallbackEnabled = enabled
		}
	}

	if intervalValue := strings.TrimSpace(os.Getenv("ASSISTANT_REFRESH_INTERVAL")); intervalValue != "" {
		interval, err := time.ParseDuration(intervalValue)
		if err != nil || interval <= 0 {
			invalid = append(invalid, "ASSISTANT_REFRESH_INTERVAL")
		} else {
			cfg.RefreshInterval = interval
		}
	}

	if lookaheadValue := strings.TrimSpace(os.Getenv("ASSISTANT_REFRESH_LOOKAHEAD")); lookaheadValue != "" {
		lookahead, err := time.ParseDuration(lookaheadValue)
		if err != nil || lookahead <= 0 {
			invalid = append(invalid, "ASSISTANT_REFRESH_LOOKAHEAD")
		} else {
			cfg.RefreshLookahead = lookahead
		}
	}

	if cfg.WorkingHoursEnd <= cfg.WorkingHoursStart {
		invalid = append(invalid, "ASSISTANT_WORKING_HOURS_END")
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("required environment variables are not set: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("environment variables have invalid values: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}
