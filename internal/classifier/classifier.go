// Package classifier sends scored candidates to a language-model oracle in
// batches and turns its verdicts into schedule candidates.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"chatcal/internal/models"
	"chatcal/internal/rules"
)

// Oracle answers one classification prompt.
type Oracle interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Options configures an Orchestrator.
type Options struct {
	BatchSize           int
	ConfidenceThreshold float64
	// BatchDelay is the minimum spacing between oracle calls.
	BatchDelay time.Duration
	Exclusions []*regexp.Regexp
	// Location is used to render timestamps in the prompt.
	Location *time.Location
	Now      func() time.Time
}

// OptionsFromRules converts the classification tuning section into Options.
func OptionsFromRules(c rules.Classification, loc *time.Location) (Options, error) {
	exclusions, err := rules.Compile(c.Exclusions)
	if err != nil {
		return Options{}, fmt.Errorf("failed to compile classification exclusions: %w", err)
	}
	return Options{
		BatchSize:           c.BatchSize,
		ConfidenceThreshold: c.ConfidenceThreshold,
		BatchDelay:          c.BatchDelay(),
		Exclusions:          exclusions,
		Location:            loc,
	}, nil
}

// Rejection is a candidate the orchestrator refused, with the reason.
type Rejection struct {
	Candidate models.ScoredCandidate
	Reason    string
}

// NonSchedule is an item the oracle explicitly judged not to be a schedule.
type NonSchedule struct {
	MessageID string
	Content   string
	Reason    string
}

// Result collects the outcome of one Classify call.
type Result struct {
	Schedules    []models.ScheduleCandidate
	Rejected     []Rejection
	NonSchedules []NonSchedule
	// Batches is the number of oracle calls attempted.
	Batches int
	// FailedBatches counts batches skipped after a transport or parse failure.
	FailedBatches int
}

// Orchestrator batches candidates for the oracle.
type Orchestrator struct {
	logger *slog.Logger
	oracle Oracle
	opts   Options
}

// New returns an Orchestrator.
func New(logger *slog.Logger, oracle Oracle, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{logger: logger, oracle: oracle, opts: opts}
}

// Classify sends candidates to the oracle in batches of BatchSize, one batch
// at a time and in input order. A batch whose call or reply fails is skipped
// without retry. If ctx is cancelled between batches the partial result is
// returned together with ctx.Err().
func (o *Orchestrator) Classify(ctx context.Context, candidates []models.ScoredCandidate) (*Result, error) {
	result := &Result{}
	if len(candidates) == 0 {
		return result, nil
	}

	limit := rate.Inf
	if o.opts.BatchDelay > 0 {
		limit = rate.Every(o.opts.BatchDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	for start := 0; start < len(candidates); start += o.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			return result, err
		}

		end := min(start+o.opts.BatchSize, len(candidates))
		batch := candidates[start:end]
		result.Batches++

		if err := o.classifyBatch(ctx, batch, result); err != nil {
			result.FailedBatches++
			o.logger.Warn("Skipping classification batch",
				"batch", result.Batches, "size", len(batch), "error", err)
			for _, c := range batch {
				result.Rejected = append(result.Rejected, Rejection{Candidate: c, Reason: "batch failed: " + err.Error()})
			}
			continue
		}
		o.logger.Debug("Classified batch", "batch", result.Batches, "size", len(batch))
	}
	return result, nil
}

func (o *Orchestrator) classifyBatch(ctx context.Context, batch []models.ScoredCandidate, result *Result) error {
	prompt := BuildPrompt(o.opts.Now().In(o.opts.Location), batch)

	raw, err := o.oracle.Complete(ctx, SystemPrompt, prompt)
	if err != nil {
		var te *models.TransportError
		if errors.As(err, &te) {
			return err
		}
		return &models.TransportError{Op: "oracle completion", Err: err}
	}

	resp, err := parseResponse(raw)
	if err != nil {
		return err
	}

	byID := make(map[string]models.ScoredCandidate, len(batch))
	for _, c := range batch {
		byID[c.Group.ID] = c
	}
	decided := make(map[string]bool, len(batch))

	for _, item := range resp.Schedules {
		id := strings.TrimSpace(string(item.MessageID))
		c, ok := byID[id]
		if !ok {
			o.logger.Warn("Oracle returned unknown message id", "message_id", id)
			result.Rejected = append(result.Rejected, Rejection{
				Candidate: models.ScoredCandidate{Group: models.ContextGroup{ID: id, CombinedText: item.Content}},
				Reason:    "unknown message id",
			})
			continue
		}
		if decided[id] {
			o.logger.Warn("Oracle classified message twice", "message_id", id)
			result.Rejected = append(result.Rejected, Rejection{Candidate: c, Reason: "duplicate classification"})
			continue
		}
		decided[id] = true

		sc := toCandidate(c.Group, item)
		if reason, ok := o.gate(sc); !ok {
			o.logger.Debug("Rejected classified candidate", "group", id, "reason", reason)
			result.Rejected = append(result.Rejected, Rejection{Candidate: c, Reason: reason})
			continue
		}
		result.Schedules = append(result.Schedules, sc)
	}

	nonReasons := make(map[string]string)
	for _, item := range resp.NonSchedules {
		id := strings.TrimSpace(string(item.MessageID))
		result.NonSchedules = append(result.NonSchedules, NonSchedule{MessageID: id, Content: item.Content, Reason: item.Reason})
		if _, ok := nonReasons[id]; !ok {
			nonReasons[id] = item.Reason
		}
	}

	for _, c := range batch {
		if decided[c.Group.ID] {
			continue
		}
		reason := "not classified as a schedule"
		if r, ok := nonReasons[c.Group.ID]; ok && r != "" {
			reason = "oracle: " + r
		}
		result.Rejected = append(result.Rejected, Rejection{Candidate: c, Reason: reason})
	}
	return nil
}

// gate applies the confidence range and threshold and then the exclusion
// patterns. Confidence must be a number in [0,1].
func (o *Orchestrator) gate(sc models.ScheduleCandidate) (string, bool) {
	if c := sc.Confidence; math.IsNaN(c) || math.IsInf(c, 0) || c < 0 || c > 1 {
		return fmt.Sprintf("confidence %v outside [0,1]", c), false
	}
	if sc.Confidence < o.opts.ConfidenceThreshold {
		return fmt.Sprintf("confidence %.2f below threshold %.2f", sc.Confidence, o.opts.ConfidenceThreshold), false
	}
	text := strings.ToLower(sc.Content)
	for _, re := range o.opts.Exclusions {
		if re.MatchString(text) {
			return fmt.Sprintf("matched exclusion %q", re.String()), false
		}
	}
	return "", true
}

func toCandidate(g models.ContextGroup, item scheduleItem) models.ScheduleCandidate {
	return models.ScheduleCandidate{
		SourceGroupID: g.ID,
		Content:       g.CombinedText,
		AuthorID:      g.AuthorID,
		Author:        displayName(g.AuthorName, g.AuthorID),
		Channel:       displayName(g.ChannelName, g.ChannelID),
		AuthoredAt:    g.RepresentativeTimestamp,
		ScheduleType:  models.ParseScheduleType(item.ScheduleType),
		Confidence:    float64(item.Confidence),
		WhenText:      strings.TrimSpace(item.ExtractedInfo.When),
		WhatText:      strings.TrimSpace(item.ExtractedInfo.What),
		WhereText:     strings.TrimSpace(item.ExtractedInfo.Where),
		Reason:        item.Reason,
		MessageCount:  g.MessageCount,
	}
}
