// Package config reads the process environment into a typed configuration.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	// Asia/Seoul must resolve in minimal containers.
	_ "time/tzdata"
)

// Sink kinds accepted in CALENDAR_SINK.
const (
	SinkGoogle = "google"
	SinkCalDAV = "caldav"
	SinkLog    = "log"
)

// Mode selects which variables Validate requires.
type Mode int

const (
	// ModeRun needs the message source, the oracle and the calendar sink.
	ModeRun Mode = iota
	// ModeAnalyze needs only the message source.
	ModeAnalyze
)

const (
	defaultTimezone  = "Asia/Seoul"
	defaultLookback  = 24 * time.Hour
	defaultStateFile = "chatcal-state.json"
	defaultModel     = "gpt-4o-mini"
	defaultCalDAV    = "https://caldav.icloud.com"
)

// ConfigurationError lists every missing or invalid variable. It is fatal.
type ConfigurationError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return "configuration error: " + strings.Join(parts, "; ")
}

// Config is the environment configuration of one process.
type Config struct {
	DiscordToken    string
	DiscordGuildIDs []string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	Sink string

	GoogleCalendarID   string
	GoogleCredentials  string
	GoogleClientID     string
	GoogleClientSecret string
	GoogleAccount      string

	CalDAVEndpoint     string
	CalDAVUsername     string
	CalDAVPassword     string
	CalDAVCalendarName string

	Location  *time.Location
	Lookback  time.Duration
	RulesFile string
	StateFile string
	LogLevel  string

	invalid []string
}

// Load reads the configuration from the process environment.
func Load() *Config {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv. Unparseable values are
// recorded and reported by Validate.
func LoadFrom(getenv func(string) string) *Config {
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := &Config{
		DiscordToken:       get("DISCORD_TOKEN"),
		DiscordGuildIDs:    splitList(get("DISCORD_GUILD_IDS")),
		OpenAIAPIKey:       get("OPENAI_API_KEY"),
		OpenAIBaseURL:      get("OPENAI_BASE_URL"),
		OpenAIModel:        withDefault(get("OPENAI_MODEL"), defaultModel),
		Sink:               strings.ToLower(withDefault(get("CALENDAR_SINK"), SinkGoogle)),
		GoogleCalendarID:   withDefault(get("GOOGLE_CALENDAR_ID"), "primary"),
		GoogleCredentials:  get("GOOGLE_CREDENTIALS"),
		GoogleClientID:     get("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: get("GOOGLE_CLIENT_SECRET"),
		GoogleAccount:      get("GOOGLE_ACCOUNT"),
		CalDAVEndpoint:     withDefault(get("CALDAV_ENDPOINT"), defaultCalDAV),
		CalDAVUsername:     get("CALDAV_USERNAME"),
		CalDAVPassword:     get("CALDAV_PASSWORD"),
		CalDAVCalendarName: get("CALDAV_CALENDAR_NAME"),
		RulesFile:          get("RULES_FILE"),
		StateFile:          withDefault(get("STATE_FILE"), defaultStateFile),
		LogLevel:           withDefault(get("LOG_LEVEL"), "info"),
		Lookback:           defaultLookback,
	}

	tz := withDefault(get("PRIMARY_TIMEZONE"), defaultTimezone)
	loc, err := time.LoadLocation(tz)
	if err != nil {
		cfg.invalid = append(cfg.invalid, fmt.Sprintf("PRIMARY_TIMEZONE (%q)", tz))
		loc = time.UTC
	}
	cfg.Location = loc

	if raw := get("LOOKBACK"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			cfg.invalid = append(cfg.invalid, fmt.Sprintf("LOOKBACK (%q)", raw))
		} else {
			cfg.Lookback = d
		}
	}

	switch cfg.Sink {
	case SinkGoogle, SinkCalDAV, SinkLog:
	default:
		cfg.invalid = append(cfg.invalid, fmt.Sprintf("CALENDAR_SINK (%q)", cfg.Sink))
	}
	return cfg
}

// Validate reports every variable the mode requires but the environment
// does not provide.
func (c *Config) Validate(mode Mode) error {
	missing := map[string]bool{}
	require := func(key, val string) {
		if val == "" {
			missing[key] = true
		}
	}

	require("DISCORD_TOKEN", c.DiscordToken)

	if mode == ModeRun {
		require("OPENAI_API_KEY", c.OpenAIAPIKey)
		switch c.Sink {
		case SinkGoogle:
			if c.GoogleCredentials == "" {
				require("GOOGLE_CLIENT_ID", c.GoogleClientID)
				require("GOOGLE_CLIENT_SECRET", c.GoogleClientSecret)
			}
		case SinkCalDAV:
			require("CALDAV_USERNAME", c.CalDAVUsername)
			require("CALDAV_PASSWORD", c.CalDAVPassword)
			require("CALDAV_CALENDAR_NAME", c.CalDAVCalendarName)
		}
	}

	if len(missing) == 0 && len(c.invalid) == 0 {
		return nil
	}
	keys := make([]string, 0, len(missing))
	for k := range missing {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &ConfigurationError{Missing: keys, Invalid: c.invalid}
}

func withDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
