package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatcal/internal/caldav"
	"chatcal/internal/classifier"
	"chatcal/internal/config"
	"chatcal/internal/discord"
	"chatcal/internal/google"
	"chatcal/internal/openai"
	"chatcal/internal/pipeline"
	"chatcal/internal/rules"
)

const (
	fetchConcurrency = 4
	flushTimeout     = 30 * time.Second
)

// buildRunner assembles the full pipeline from the configuration.
func buildRunner(ctx context.Context, logger *slog.Logger, cfg *config.Config, dryRun bool) (*pipeline.Runner, *pipeline.Ledger, error) {
	r, err := rules.Load(cfg.RulesFile)
	if err != nil {
		return nil, nil, err
	}

	source, err := newSource(logger, cfg)
	if err != nil {
		return nil, nil, err
	}

	clsOpts, err := classifier.OptionsFromRules(r.Classification, cfg.Location)
	if err != nil {
		return nil, nil, err
	}
	oracle := openai.NewOracle(openai.Config{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.OpenAIModel,
		Temperature: r.Classification.Temperature,
		MaxTokens:   r.Classification.MaxTokens,
	})
	cls := classifier.New(logger, oracle, clsOpts)

	sink, err := newSink(ctx, logger, cfg, dryRun)
	if err != nil {
		return nil, nil, err
	}

	ledger, err := pipeline.LoadLedger(cfg.StateFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	runner, err := pipeline.NewRunner(logger, source, cls, sink, ledger, r, runnerOptions(cfg, dryRun))
	if err != nil {
		return nil, nil, err
	}
	return runner, ledger, nil
}

func runnerOptions(cfg *config.Config, dryRun bool) pipeline.Options {
	return pipeline.Options{
		Location:         cfg.Location,
		Lookback:         cfg.Lookback,
		DryRun:           dryRun,
		FetchConcurrency: fetchConcurrency,
		FlushTimeout:     flushTimeout,
	}
}

func newSource(logger *slog.Logger, cfg *config.Config) (*discord.Source, error) {
	source, err := discord.NewClient(logger, cfg.DiscordToken, cfg.DiscordGuildIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord client: %w", err)
	}
	return source, nil
}

// newSink connects the configured calendar. Dry runs never touch the
// calendar, so they get the log sink.
func newSink(ctx context.Context, logger *slog.Logger, cfg *config.Config, dryRun bool) (pipeline.Sink, error) {
	if dryRun || cfg.Sink == config.SinkLog {
		return pipeline.NewLogSink(logger), nil
	}

	switch cfg.Sink {
	case config.SinkCalDAV:
		client, err := caldav.NewClient(ctx, logger, cfg.CalDAVEndpoint, cfg.CalDAVUsername, cfg.CalDAVPassword, cfg.CalDAVCalendarName)
		if err != nil {
			return nil, fmt.Errorf("failed to create caldav client: %w", err)
		}
		return client, nil
	default:
		if cfg.GoogleCredentials != "" {
			client, err := google.NewServiceAccountClient(ctx, logger, cfg.GoogleCredentials, cfg.GoogleCalendarID)
			if err != nil {
				return nil, fmt.Errorf("failed to create google client: %w", err)
			}
			return client, nil
		}

		account, err := googleAccount(cfg)
		if err != nil {
			return nil, err
		}
		client, err := google.NewClient(ctx, logger, cfg.GoogleClientID, cfg.GoogleClientSecret, account, cfg.GoogleCalendarID)
		if err != nil {
			return nil, fmt.Errorf("failed to create google client for account %s: %w", account, err)
		}
		return client, nil
	}
}

// googleAccount picks GOOGLE_ACCOUNT, or the only saved token when unset.
func googleAccount(cfg *config.Config) (string, error) {
	if cfg.GoogleAccount != "" {
		return cfg.GoogleAccount, nil
	}
	accounts, err := google.GetTokenAccounts(".")
	if err != nil {
		return "", fmt.Errorf("could not find any google accounts, did you run auth command? %w", err)
	}
	switch len(accounts) {
	case 0:
		return "", fmt.Errorf("no google accounts found. Run the 'auth' command first")
	case 1:
		return accounts[0], nil
	default:
		return "", fmt.Errorf("found %d google accounts %v, set GOOGLE_ACCOUNT to pick one", len(accounts), accounts)
	}
}
