// Package pipeline runs one pass from chat history to calendar events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chatcal/internal/classifier"
	"chatcal/internal/grouper"
	"chatcal/internal/materializer"
	"chatcal/internal/models"
	"chatcal/internal/rules"
	"chatcal/internal/scorer"
	"chatcal/internal/temporal"
)

// Source reads chat history.
type Source interface {
	Channels(ctx context.Context) ([]models.Channel, error)
	CanRead(ctx context.Context, ch models.Channel) (bool, error)
	// Messages returns the messages authored in (after, before], oldest first.
	Messages(ctx context.Context, ch models.Channel, after, before time.Time) ([]models.RawMessage, error)
}

// Sink creates calendar events and returns the sink-assigned ID.
type Sink interface {
	CreateEvent(ctx context.Context, event *models.Event) (string, error)
}

// Classifier decides which scored candidates are schedules.
type Classifier interface {
	Classify(ctx context.Context, candidates []models.ScoredCandidate) (*classifier.Result, error)
}

// Observer is told about every finished run.
type Observer interface {
	ObserveRun(s *Summary)
}

// Options configures a Runner.
type Options struct {
	Location *time.Location
	// Lookback is how far back from now messages are read.
	Lookback time.Duration
	DryRun   bool
	// FetchConcurrency bounds concurrent channel reads.
	FetchConcurrency int
	// FlushTimeout bounds sink delivery after the run was cancelled.
	FlushTimeout time.Duration
	Now          func() time.Time
}

// Runner wires the pipeline stages together. A Runner may be reused for
// successive runs; every run gets its own Summary and materializer.
type Runner struct {
	logger     *slog.Logger
	source     Source
	classifier Classifier
	sink       Sink
	ledger     *Ledger
	rules      *rules.Rules
	scorer     *scorer.Scorer
	resolver   *temporal.Resolver
	observer   Observer
	opts       Options
}

// NewRunner creates a new Runner. classifier and sink may be nil when only
// Analyze is used.
func NewRunner(logger *slog.Logger, source Source, cls Classifier, sink Sink, ledger *Ledger, r *rules.Rules, opts Options) (*Runner, error) {
	sc, err := scorer.New(r.Scoring)
	if err != nil {
		return nil, fmt.Errorf("failed to build scorer: %w", err)
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 4
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if ledger == nil {
		ledger, _ = LoadLedger("")
	}

	return &Runner{
		logger:     logger,
		source:     source,
		classifier: cls,
		sink:       sink,
		ledger:     ledger,
		rules:      r,
		scorer:     sc,
		resolver:   temporal.New(temporal.OptionsFromRules(r.Temporal, opts.Location)),
		opts:       opts,
	}, nil
}

// SetObserver registers o to receive every finished run summary.
func (r *Runner) SetObserver(o Observer) { r.observer = o }

// Run performs a full pipeline pass. It always returns a summary, even when
// the run failed or was cancelled part way.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	s := newSummary(r.opts.Now())
	log := r.logger.With("run", s.RunID)
	log.Info("Starting pipeline run.", "dry_run", r.opts.DryRun, "lookback", r.opts.Lookback)
	defer r.finish(s)

	if r.classifier == nil || r.sink == nil {
		return s, errors.New("runner has no classifier or sink")
	}

	groups, err := r.ingest(ctx, log, s)
	if err != nil {
		return s, err
	}

	accepted, rejected := r.scorer.ScoreGroups(groups)
	s.ScoredAccepted = len(accepted)
	s.ScoredRejected = len(rejected)
	log.Info("Scored context groups.", "accepted", len(accepted), "rejected", len(rejected))

	res, classifyErr := r.classifier.Classify(ctx, accepted)
	if res != nil {
		s.Batches = res.Batches
		s.FailedBatches = res.FailedBatches
		s.ClassifiedAccepted = len(res.Schedules)
		s.ClassifiedRejected = len(res.Rejected)
		for _, rej := range res.Rejected {
			s.Rejected = append(s.Rejected, Detail{GroupID: rej.Candidate.Group.ID, Text: rej.Candidate.Group.CombinedText, Reason: rej.Reason})
		}
	}

	deliverCtx := ctx
	if classifyErr != nil {
		if ctx.Err() == nil {
			return s, fmt.Errorf("classification failed: %w", classifyErr)
		}
		// Flush what was already classified before giving up.
		s.Aborted = true
		log.Warn("Run cancelled during classification, flushing partial results.", "schedules", s.ClassifiedAccepted)
		var cancel context.CancelFunc
		deliverCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), r.opts.FlushTimeout)
		defer cancel()
	}

	if res != nil {
		r.deliver(deliverCtx, log, s, res.Schedules)
	}

	if !r.opts.DryRun {
		if err := r.ledger.Save(); err != nil {
			log.Error("Failed to save ledger", "error", err)
		}
	}

	log.Info("Pipeline run finished.",
		"ingested", s.Ingested, "grouped", s.Grouped, "scored_accepted", s.ScoredAccepted,
		"classified_accepted", s.ClassifiedAccepted, "resolved", s.Resolved,
		"sink_succeeded", s.SinkSucceeded, "sink_failed", s.SinkFailed,
		"duplicates", s.Duplicates, "unresolved", s.Unresolved)

	if classifyErr != nil {
		return s, classifyErr
	}
	return s, nil
}

// Analyze reads and scores messages without calling the oracle or the sink.
func (r *Runner) Analyze(ctx context.Context) (*Analysis, error) {
	s := newSummary(r.opts.Now())
	log := r.logger.With("run", s.RunID)
	log.Info("Starting analysis.", "lookback", r.opts.Lookback)

	groups, err := r.ingest(ctx, log, s)
	if err != nil {
		s.FinishedAt = r.opts.Now()
		return &Analysis{Summary: s}, err
	}

	accepted, rejected := r.scorer.ScoreGroups(groups)
	s.ScoredAccepted = len(accepted)
	s.ScoredRejected = len(rejected)
	s.FinishedAt = r.opts.Now()

	return &Analysis{Summary: s, Accepted: accepted, Rejected: rejected}, nil
}

// ingest lists readable channels, fetches their messages concurrently and
// groups them.
func (r *Runner) ingest(ctx context.Context, log *slog.Logger, s *Summary) ([]models.ContextGroup, error) {
	channels, err := r.source.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	s.Channels = len(channels)

	before := s.StartedAt
	after := before.Add(-r.opts.Lookback)

	perChannel := make([][]models.RawMessage, len(channels))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.FetchConcurrency)
	for i, ch := range channels {
		g.Go(func() error {
			ok, err := r.source.CanRead(gctx, ch)
			if err != nil {
				log.Error("Could not check channel permissions", "channel", ch.Name, "error", err)
				mu.Lock()
				s.ChannelsFailed++
				mu.Unlock()
				return nil
			}
			if !ok {
				log.Debug("Skipping unreadable channel", "channel", ch.Name)
				mu.Lock()
				s.ChannelsSkipped++
				mu.Unlock()
				return nil
			}

			msgs, err := r.source.Messages(gctx, ch, after, before)
			if err != nil {
				log.Error("Could not fetch messages for a channel", "channel", ch.Name, "error", err)
				mu.Lock()
				s.ChannelsFailed++
				mu.Unlock()
				return nil
			}
			log.Debug("Fetched channel messages", "channel", ch.Name, "count", len(msgs))
			perChannel[i] = msgs
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		s.Aborted = true
		return nil, err
	}

	var all []models.RawMessage
	for _, msgs := range perChannel {
		all = append(all, msgs...)
	}
	s.Ingested = len(all)
	log.Info("Fetched messages.", "channels", len(channels), "messages", len(all))

	groups := grouper.Group(all, grouper.Options{
		Window:     r.rules.GroupWindow(),
		MaxMembers: r.rules.Grouping.MaxMembers,
	}, r.scorer)
	s.Grouped = len(groups)
	return groups, nil
}

// deliver materializes every schedule and hands new events to the sink.
func (r *Runner) deliver(ctx context.Context, log *slog.Logger, s *Summary, schedules []models.ScheduleCandidate) {
	mat := materializer.New(log, r.resolver, materializer.OptionsFromRules(r.rules.Events))

	for _, sc := range schedules {
		out := mat.Materialize(sc)
		switch out.Kind {
		case materializer.Unresolved:
			s.Unresolved++
			s.UnresolvedDetails = append(s.UnresolvedDetails, Detail{GroupID: sc.SourceGroupID, Text: sc.WhenText, Reason: out.Err.Error()})
			continue
		case materializer.Duplicate:
			s.Resolved++
			s.Duplicates++
			continue
		}
		s.Resolved++

		ev := out.Event
		if id, ok := r.ledger.Lookup(out.DedupKey); ok {
			log.Debug("Event already delivered, skipping.", "title", ev.Event.Title, "sink_id", id)
			s.Duplicates++
			continue
		}

		if r.opts.DryRun {
			log.Info("[DRY RUN] Would create calendar event", "title", ev.Event.Title, "start", ev.StartTime)
			s.Events = append(s.Events, EventRecord{Title: ev.Event.Title, Start: ev.StartTime, DedupKey: out.DedupKey})
			continue
		}

		if err := ctx.Err(); err != nil {
			log.Error("Skipping event delivery", "title", ev.Event.Title, "error", err)
			s.SinkFailed++
			continue
		}

		id, err := r.sink.CreateEvent(ctx, ev.Event)
		if err != nil {
			log.Error("Failed to create calendar event", "title", ev.Event.Title, "error", err)
			s.SinkFailed++
			continue
		}
		r.ledger.Record(out.DedupKey, id)
		s.SinkSucceeded++
		s.Events = append(s.Events, EventRecord{Title: ev.Event.Title, Start: ev.StartTime, DedupKey: out.DedupKey, SinkID: id})
		log.Info("Created calendar event.", "title", ev.Event.Title, "start", ev.StartTime, "sink_id", id)
	}
}

func (r *Runner) finish(s *Summary) {
	s.FinishedAt = r.opts.Now()
	if r.observer != nil {
		r.observer.ObserveRun(s)
	}
}

func newSummary(now time.Time) *Summary {
	return &Summary{RunID: uuid.NewString(), StartedAt: now}
}
