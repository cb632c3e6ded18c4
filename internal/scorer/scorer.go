// Package scorer implements the cheap, deterministic relevance pre-filter
// that decides whether a context group is worth an oracle call.
package scorer

import (
	"fmt"
	"regexp"
	"strings"

	"chatcal/internal/models"
	"chatcal/internal/rules"
)

// ClockTier is the tier name recorded for a clock-time pattern match.
const ClockTier = "clock"

// Result is the outcome of scoring one text.
type Result struct {
	Accepted bool
	Score    int
	Signals  []models.Signal
	Reasons  []string
	// Excluded holds the hard-exclusion pattern that forced rejection, if any.
	Excluded string
}

// Scorer scores text against weighted token tiers.
// It is safe for concurrent use.
type Scorer struct {
	threshold  int
	tiers      []rules.Tier
	clockBonus int
	clock      []*regexp.Regexp
	exclusions []*regexp.Regexp
}

// New builds a Scorer from the scoring rules.
func New(cfg rules.Scoring) (*Scorer, error) {
	clock, err := rules.Compile(cfg.ClockPatterns)
	if err != nil {
		return nil, fmt.Errorf("failed to compile clock patterns: %w", err)
	}
	exclusions, err := rules.Compile(cfg.Exclusions)
	if err != nil {
		return nil, fmt.Errorf("failed to compile exclusion patterns: %w", err)
	}

	tiers := make([]rules.Tier, len(cfg.Tiers))
	for i, t := range cfg.Tiers {
		tokens := make([]string, 0, len(t.Tokens))
		for _, tok := range t.Tokens {
			if tok = strings.ToLower(strings.TrimSpace(tok)); tok != "" {
				tokens = append(tokens, tok)
			}
		}
		tiers[i] = rules.Tier{Name: t.Name, Weight: t.Weight, Tokens: tokens}
	}

	return &Scorer{
		threshold:  cfg.Threshold,
		tiers:      tiers,
		clockBonus: cfg.ClockBonus,
		clock:      clock,
		exclusions: exclusions,
	}, nil
}

// Threshold returns the accept threshold.
func (s *Scorer) Threshold() int { return s.threshold }

// Score evaluates text. Matching is case-insensitive; every token counts at
// most once no matter how often it appears.
func (s *Scorer) Score(text string) Result {
	text = strings.ToLower(text)

	var res Result
	for _, re := range s.exclusions {
		if re.MatchString(text) {
			res.Excluded = re.String()
			res.Reasons = append(res.Reasons, fmt.Sprintf("excluded by %q", res.Excluded))
			break
		}
	}

	for _, tier := range s.tiers {
		for _, tok := range tier.Tokens {
			if !strings.Contains(text, tok) {
				continue
			}
			res.Score += tier.Weight
			res.Signals = append(res.Signals, models.Signal{Tier: tier.Name, Token: tok})
			res.Reasons = append(res.Reasons, fmt.Sprintf("%s '%s' (+%d)", tier.Name, tok, tier.Weight))
		}
	}

	if m := s.firstClockMatch(text); m != "" {
		res.Score += s.clockBonus
		res.Signals = append(res.Signals, models.Signal{Tier: ClockTier, Token: m})
		res.Reasons = append(res.Reasons, fmt.Sprintf("%s '%s' (+%d)", ClockTier, m, s.clockBonus))
	}

	res.Accepted = res.Excluded == "" && res.Score >= s.threshold
	return res
}

// HasSignal reports whether text contains at least one relevance token or a
// clock-time expression. Exclusions are ignored; the grouper uses this only
// to decide which messages may start a group.
func (s *Scorer) HasSignal(text string) bool {
	text = strings.ToLower(text)
	for _, tier := range s.tiers {
		for _, tok := range tier.Tokens {
			if strings.Contains(text, tok) {
				return true
			}
		}
	}
	return s.firstClockMatch(text) != ""
}

// firstClockMatch returns the first clock-time match. A pattern with a
// capture group reports the group, so trailing context stays out of reasons.
func (s *Scorer) firstClockMatch(text string) string {
	for _, re := range s.clock {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if len(m) > 1 && m[1] != "" {
			return strings.TrimSpace(m[1])
		}
		if t := strings.TrimSpace(m[0]); t != "" {
			return t
		}
	}
	return ""
}

// Rejection is a group the scorer turned away.
type Rejection struct {
	Group  models.ContextGroup
	Result Result
}

// ScoreGroups scores every group's combined text and splits them into
// accepted candidates and rejections, preserving input order.
func (s *Scorer) ScoreGroups(groups []models.ContextGroup) ([]models.ScoredCandidate, []Rejection) {
	var accepted []models.ScoredCandidate
	var rejected []Rejection
	for _, g := range groups {
		res := s.Score(g.CombinedText)
		if !res.Accepted {
			rejected = append(rejected, Rejection{Group: g, Result: res})
			continue
		}
		accepted = append(accepted, models.ScoredCandidate{
			Group:   g,
			Score:   res.Score,
			Signals: res.Signals,
			Reasons: res.Reasons,
		})
	}
	return accepted, rejected
}
