package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Tier is one weighted group of relevance tokens.
type Tier struct {
	Name   string   `yaml:"name"`
	Weight int      `yaml:"weight"`
	Tokens []string `yaml:"tokens"`
}

// Scoring configures the relevance pre-filter.
type Scoring struct {
	// Threshold is the minimum total score for a candidate to be accepted.
	Threshold int    `yaml:"threshold"`
	Tiers     []Tier `yaml:"tiers"`
	// ClockBonus is added once when any of ClockPatterns matches.
	ClockBonus    int      `yaml:"clock_bonus"`
	ClockPatterns []string `yaml:"clock_patterns"`
	// Exclusions force rejection regardless of score.
	Exclusions []string `yaml:"exclusions"`
}

// Grouping configures the context grouper.
type Grouping struct {
	WindowMinutes int `yaml:"window_minutes"`
	MaxMembers    int `yaml:"max_members"`
}

// Classification configures the oracle orchestrator.
type Classification struct {
	BatchSize           int     `yaml:"batch_size"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	BatchDelayMillis    int     `yaml:"batch_delay_millis"`
	Temperature         float64 `yaml:"temperature"`
	MaxTokens           int     `yaml:"max_tokens"`
	// Exclusions are known false-positive shapes applied to accepted candidates.
	Exclusions []string `yaml:"exclusions"`
}

// Temporal configures the time-expression resolver.
type Temporal struct {
	DefaultHour         int `yaml:"default_hour"`
	DefaultMinute       int `yaml:"default_minute"`
	DurationMinutes     int `yaml:"duration_minutes"`
	EarlyMorningEndHour int `yaml:"early_morning_end_hour"`
	// EarlyMorningPolicy is "pull_back" or "literal".
	EarlyMorningPolicy string `yaml:"early_morning_policy"`
	NextWeekAnchor     string `yaml:"next_week_anchor"`
}

// Events configures event materialization.
type Events struct {
	ReminderMinutes   []int  `yaml:"reminder_minutes"`
	DedupContentRunes int    `yaml:"dedup_content_runes"`
	GenericLabel      string `yaml:"generic_label"`
}

// Rules is the complete tuning document.
type Rules struct {
	Scoring        Scoring        `yaml:"scoring"`
	Grouping       Grouping       `yaml:"grouping"`
	Classification Classification `yaml:"classification"`
	Temporal       Temporal       `yaml:"temporal"`
	Events         Events         `yaml:"events"`
}

// Default returns the embedded default rules.
func Default() *Rules {
	var r Rules
	if err := yaml.Unmarshal(defaultYAML, &r); err != nil {
		panic(fmt.Sprintf("rules: embedded default.yaml is invalid: %v", err))
	}
	r.Normalize()
	return &r
}

// Load returns the default rules overlaid with the YAML file at path.
// An empty path yields the defaults.
func Load(path string) (*Rules, error) {
	r := Default()
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("rules file %s does not exist", path)
		}
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	r.Normalize()

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled override files still behave correctly.
func (r *Rules) Normalize() {
	if r.Scoring.Threshold <= 0 {
		r.Scoring.Threshold = 8
	}
	if r.Grouping.WindowMinutes <= 0 {
		r.Grouping.WindowMinutes = 5
	}
	if r.Grouping.MaxMembers <= 0 {
		r.Grouping.MaxMembers = 5
	}
	if r.Classification.BatchSize <= 0 {
		r.Classification.BatchSize = 10
	}
	if r.Classification.ConfidenceThreshold <= 0 || r.Classification.ConfidenceThreshold > 1 {
		r.Classification.ConfidenceThreshold = 0.7
	}
	if r.Classification.BatchDelayMillis < 0 {
		r.Classification.BatchDelayMillis = 0
	}
	if r.Classification.MaxTokens <= 0 {
		r.Classification.MaxTokens = 2000
	}
	if r.Temporal.DefaultHour < 0 || r.Temporal.DefaultHour > 23 {
		r.Temporal.DefaultHour = 18
	}
	if r.Temporal.DefaultMinute < 0 || r.Temporal.DefaultMinute > 59 {
		r.Temporal.DefaultMinute = 0
	}
	if r.Temporal.DurationMinutes <= 0 {
		r.Temporal.DurationMinutes = 60
	}
	if r.Temporal.EarlyMorningEndHour < 0 || r.Temporal.EarlyMorningEndHour > 12 {
		r.Temporal.EarlyMorningEndHour = 6
	}
	switch r.Temporal.EarlyMorningPolicy {
	case "pull_back", "literal":
	default:
		r.Temporal.EarlyMorningPolicy = "pull_back"
	}
	if _, ok := ParseWeekday(r.Temporal.NextWeekAnchor); !ok {
		r.Temporal.NextWeekAnchor = "monday"
	}
	if r.Events.DedupContentRunes <= 0 {
		r.Events.DedupContentRunes = 50
	}
	if strings.TrimSpace(r.Events.GenericLabel) == "" {
		r.Events.GenericLabel = "일정"
	}
}

// Validate compiles every pattern so that a broken override file is reported
// before a run starts.
func (r *Rules) Validate() error {
	sets := map[string][]string{
		"scoring.clock_patterns":     r.Scoring.ClockPatterns,
		"scoring.exclusions":         r.Scoring.Exclusions,
		"classification.exclusions": r.Classification.Exclusions,
	}
	for name, patterns := range sets {
		if _, err := Compile(patterns); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	for _, t := range r.Scoring.Tiers {
		if t.Weight <= 0 {
			return fmt.Errorf("tier %q must have a positive weight", t.Name)
		}
	}
	return nil
}

// GroupWindow returns the grouping window as a duration.
func (r *Rules) GroupWindow() time.Duration {
	return time.Duration(r.Grouping.WindowMinutes) * time.Minute
}

// BatchDelay returns the delay between oracle batches.
func (c Classification) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMillis) * time.Millisecond
}

// Compile compiles patterns in order.
func Compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// ParseWeekday parses an English weekday name.
func ParseWeekday(s string) (time.Weekday, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday":
		return time.Sunday, true
	case "monday":
		return time.Monday, true
	case "tuesday":
		return time.Tuesday, true
	case "wednesday":
		return time.Wednesday, true
	case "thursday":
		return time.Thursday, true
	case "friday":
		return time.Friday, true
	case "saturday":
		return time.Saturday, true
	}
	return time.Sunday, false
}
