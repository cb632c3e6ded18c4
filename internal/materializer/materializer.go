// Package materializer turns accepted schedule candidates into sink-ready
// calendar events, resolving their time and suppressing duplicates.
package materializer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"chatcal/internal/models"
	"chatcal/internal/rules"
)

// uidNamespace scopes event UIDs derived from dedup keys.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://chatcal/events"))

// Resolver maps a when-text to an absolute time range.
type Resolver interface {
	Resolve(whenText string, authoredAt time.Time) (time.Time, time.Time, error)
}

// Kind is the outcome class of one materialization.
type Kind int

const (
	Emitted Kind = iota
	Duplicate
	Unresolved
)

func (k Kind) String() string {
	switch k {
	case Emitted:
		return "emitted"
	case Duplicate:
		return "duplicate"
	case Unresolved:
		return "unresolved"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Outcome is the result of materializing one candidate. Event is set for
// Emitted and Duplicate; Err is set for Unresolved.
type Outcome struct {
	Kind     Kind
	DedupKey string
	Event    *models.ResolvedEvent
	Err      error
}

// Options configures event construction.
type Options struct {
	// DedupContentRunes is how much of the content feeds the dedup key.
	DedupContentRunes int
	// GenericLabel titles events whose "what" was not extracted.
	GenericLabel    string
	ReminderMinutes []int
}

// OptionsFromRules converts the events tuning section into Options.
func OptionsFromRules(e rules.Events) Options {
	return Options{
		DedupContentRunes: e.DedupContentRunes,
		GenericLabel:      e.GenericLabel,
		ReminderMinutes:   e.ReminderMinutes,
	}
}

// Materializer builds events for a single run. Its seen set is per run and it
// is not safe for concurrent use.
type Materializer struct {
	logger   *slog.Logger
	resolver Resolver
	opts     Options
	seen     map[string]struct{}
}

// New returns a Materializer with an empty seen set.
func New(logger *slog.Logger, resolver Resolver, opts Options) *Materializer {
	if opts.DedupContentRunes <= 0 {
		opts.DedupContentRunes = 50
	}
	if opts.GenericLabel == "" {
		opts.GenericLabel = "일정"
	}
	return &Materializer{
		logger:   logger,
		resolver: resolver,
		opts:     opts,
		seen:     make(map[string]struct{}),
	}
}

// DedupKey fingerprints a candidate by the leading runes of its content, its
// author and its authoring instant.
func DedupKey(content, author string, authoredAt time.Time, contentRunes int) string {
	h := sha256.New()
	h.Write([]byte(truncateRunes(content, contentRunes)))
	h.Write([]byte{0})
	h.Write([]byte(author))
	h.Write([]byte{0})
	h.Write([]byte(authoredAt.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(h.Sum(nil))
}

// Materialize resolves the candidate's time and builds its event. A candidate
// whose dedup key was already seen in this run yields Duplicate.
func (m *Materializer) Materialize(c models.ScheduleCandidate) Outcome {
	key := DedupKey(c.Content, c.AuthorID, c.AuthoredAt, m.opts.DedupContentRunes)

	start, end, err := m.resolver.Resolve(c.WhenText, c.AuthoredAt)
	if err != nil {
		m.logger.Warn("Could not resolve event time", "group", c.SourceGroupID, "when", c.WhenText, "error", err)
		return Outcome{Kind: Unresolved, DedupKey: key, Err: err}
	}

	resolved := &models.ResolvedEvent{
		Candidate: c,
		StartTime: start,
		EndTime:   end,
		DedupKey:  key,
		Event:     m.buildEvent(c, start, end, key),
	}

	if _, ok := m.seen[key]; ok {
		m.logger.Debug("Skipping duplicate candidate", "group", c.SourceGroupID, "dedup_key", key)
		return Outcome{Kind: Duplicate, DedupKey: key, Event: resolved}
	}
	m.seen[key] = struct{}{}

	return Outcome{Kind: Emitted, DedupKey: key, Event: resolved}
}

// Title returns "[type] what", or "[type] <generic label>" when no "what"
// was extracted.
func (m *Materializer) Title(c models.ScheduleCandidate) string {
	what := strings.TrimSpace(c.WhatText)
	if what == "" {
		what = m.opts.GenericLabel
	}
	return fmt.Sprintf("[%s] %s", c.ScheduleType, what)
}

func (m *Materializer) buildEvent(c models.ScheduleCandidate, start, end time.Time, key string) *models.Event {
	reminders := make([]int, len(m.opts.ReminderMinutes))
	copy(reminders, m.opts.ReminderMinutes)

	return &models.Event{
		UID:             uuid.NewSHA1(uidNamespace, []byte(key)).String(),
		Title:           m.Title(c),
		Description:     describe(c, key),
		Location:        strings.TrimSpace(c.WhereText),
		StartTime:       start,
		EndTime:         end,
		ReminderMinutes: reminders,
		SourceTag:       key,
	}
}

func describe(c models.ScheduleCandidate, key string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "원본 메시지: %s\n", c.Content)
	fmt.Fprintf(&b, "작성자: %s\n", c.Author)
	fmt.Fprintf(&b, "채널: %s\n", c.Channel)
	fmt.Fprintf(&b, "작성 시간: %s\n", c.AuthoredAt.Format("2006-01-02 15:04 MST"))
	if c.MessageCount > 1 {
		fmt.Fprintf(&b, "맥락 그룹: %d개 메시지\n", c.MessageCount)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "언제: %s\n", orDash(c.WhenText))
	fmt.Fprintf(&b, "무엇: %s\n", orDash(c.WhatText))
	fmt.Fprintf(&b, "어디: %s\n", orDash(c.WhereText))
	fmt.Fprintf(&b, "신뢰도: %.2f\n", c.Confidence)
	if c.Reason != "" {
		fmt.Fprintf(&b, "분류 이유: %s\n", c.Reason)
	}
	fmt.Fprintf(&b, "\nchatcal:%s", key)
	return b.String()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
