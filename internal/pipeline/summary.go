package pipeline

import (
	"fmt"
	"io"
	"time"

	"chatcal/internal/models"
	"chatcal/internal/scorer"
)

// Summary aggregates the counts of one run. It is owned by that run alone.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Channels        int
	ChannelsSkipped int
	ChannelsFailed  int

	Ingested       int
	Grouped        int
	ScoredAccepted int
	ScoredRejected int

	Batches            int
	FailedBatches      int
	ClassifiedAccepted int
	ClassifiedRejected int

	// Resolved counts candidates whose time resolved, duplicates included.
	Resolved      int
	Unresolved    int
	Duplicates    int
	SinkSucceeded int
	SinkFailed    int

	// Aborted is set when the run was cancelled before it completed.
	Aborted bool

	Events            []EventRecord
	UnresolvedDetails []Detail
	Rejected          []Detail
}

// EventRecord describes one event created (or, in a dry run, planned).
type EventRecord struct {
	Title    string
	Start    time.Time
	DedupKey string
	SinkID   string
}

// Detail explains why a group went no further.
type Detail struct {
	GroupID string
	Text    string
	Reason  string
}

// Duration returns the wall time of the run.
func (s *Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// ScheduleRatio is the share of scored candidates the oracle accepted.
func (s *Summary) ScheduleRatio() float64 {
	if s.ScoredAccepted == 0 {
		return 0
	}
	return float64(s.ClassifiedAccepted) / float64(s.ScoredAccepted)
}

// Write prints a human-readable report.
func (s *Summary) Write(w io.Writer) {
	fmt.Fprintf(w, "Run %s (%s)\n", s.RunID, s.Duration().Round(time.Millisecond))
	if s.Aborted {
		fmt.Fprintln(w, "  run was cancelled; partial results were flushed")
	}
	fmt.Fprintf(w, "  channels:            %d (skipped %d, failed %d)\n", s.Channels, s.ChannelsSkipped, s.ChannelsFailed)
	fmt.Fprintf(w, "  ingested:            %d\n", s.Ingested)
	fmt.Fprintf(w, "  grouped:             %d\n", s.Grouped)
	fmt.Fprintf(w, "  scored accepted:     %d\n", s.ScoredAccepted)
	fmt.Fprintf(w, "  classified accepted: %d (batches %d, failed %d)\n", s.ClassifiedAccepted, s.Batches, s.FailedBatches)
	if s.ScoredAccepted > 0 {
		fmt.Fprintf(w, "  schedule ratio:      %.1f%%\n", s.ScheduleRatio()*100)
	}
	fmt.Fprintf(w, "  resolved:            %d\n", s.Resolved)
	fmt.Fprintf(w, "  sink succeeded:      %d\n", s.SinkSucceeded)
	fmt.Fprintf(w, "  sink failed:         %d\n", s.SinkFailed)
	fmt.Fprintf(w, "  duplicates:          %d\n", s.Duplicates)
	fmt.Fprintf(w, "  unresolved:          %d\n", s.Unresolved)

	for _, e := range s.Events {
		fmt.Fprintf(w, "  + %s  %s\n", e.Start.Format("2006-01-02 15:04"), e.Title)
	}
	for _, d := range s.UnresolvedDetails {
		fmt.Fprintf(w, "  ? %s %q: %s\n", d.GroupID, d.Text, d.Reason)
	}
}

// Analysis is the result of a scoring-only pass.
type Analysis struct {
	Summary  *Summary
	Accepted []models.ScoredCandidate
	Rejected []scorer.Rejection
}

// Write prints the accepted candidates with their scores and reasons.
func (a *Analysis) Write(w io.Writer) {
	s := a.Summary
	fmt.Fprintf(w, "Analysis %s: %d messages, %d groups, %d accepted, %d rejected\n",
		s.RunID, s.Ingested, s.Grouped, s.ScoredAccepted, s.ScoredRejected)
	for _, c := range a.Accepted {
		g := c.Group
		fmt.Fprintf(w, "\n[%d] %s #%s %s (%d msgs)\n", c.Score, g.RepresentativeTimestamp.Format("2006-01-02 15:04"), g.ChannelName, g.AuthorName, g.MessageCount)
		fmt.Fprintf(w, "    %s\n", g.CombinedText)
		for _, reason := range c.Reasons {
			fmt.Fprintf(w, "    - %s\n", reason)
		}
	}
}
