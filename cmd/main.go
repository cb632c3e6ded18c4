package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"chatcal/internal/config"
	"chatcal/internal/google"
	"chatcal/internal/metrics"
	"chatcal/internal/pipeline"
	"chatcal/internal/rules"
	"chatcal/internal/temporal"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "chatcal",
		Usage: "Turn schedule talk in Discord channels into calendar events.",
		Commands: []*cli.Command{
			authCommand(),
			runCommand(),
			scoreCommand(),
			resolveCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg := config.Load()
			logger := setupLogger(cfg.LogLevel)
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.GoogleClientID, cfg.GoogleClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Print("Enter a name for this account (e.g., 'band', 'personal'): ")
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			tokenFile := google.TokenFile(accountName)

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)

			client, err := google.NewClient(c.Context, logger, cfg.GoogleClientID, cfg.GoogleClientSecret, accountName, cfg.GoogleCalendarID)
			if err != nil {
				return fmt.Errorf("failed to create google client: %w", err)
			}
			calendars, err := client.DiscoverCalendars(c.Context)
			if err != nil {
				logger.Warn("Could not list calendars", "error", err)
				return nil
			}
			fmt.Println("Writable calendars (set GOOGLE_CALENDAR_ID to one of these):")
			for _, cal := range calendars {
				marker := ""
				if cal.Primary {
					marker = " (primary)"
				}
				fmt.Printf("  %s  %s%s\n", cal.ID, cal.Summary, marker)
			}
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Read recent messages, classify them and create calendar events.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "Log the events that would be created without calling the calendar."},
			&cli.StringFlag{Name: "watch", Usage: "Run on a cron schedule (e.g. '*/30 * * * *') instead of once."},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Serve Prometheus metrics on this address (e.g. ':9090')."},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Load()
			logger := setupLogger(cfg.LogLevel)
			if err := cfg.Validate(config.ModeRun); err != nil {
				return err
			}

			dryRun := c.Bool("dry-run")
			if dryRun {
				logger.Info("Performing a dry run. No events will be created.")
			}

			runner, ledger, err := buildRunner(c.Context, logger, cfg, dryRun)
			if err != nil {
				return err
			}
			logger.Info("Loaded ledger.", "file", cfg.StateFile, "entries", ledger.Len())

			if addr := c.String("metrics-addr"); addr != "" {
				m := metrics.New(nil)
				runner.SetObserver(m)
				srv := serveMetrics(logger, addr, m)
				defer shutdown(logger, srv)
			}

			if spec := c.String("watch"); spec != "" {
				return watch(c.Context, logger, cfg, runner, spec)
			}

			logger.Info("Running a single pipeline pass.")
			summary, err := runner.Run(c.Context)
			summary.Write(os.Stdout)
			if err != nil {
				return fmt.Errorf("pipeline run failed: %w", err)
			}
			return nil
		},
	}
}

func scoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "score",
		Usage: "Read and score recent messages without calling the oracle or the calendar.",
		Action: func(c *cli.Context) error {
			cfg := config.Load()
			logger := setupLogger(cfg.LogLevel)
			if err := cfg.Validate(config.ModeAnalyze); err != nil {
				return err
			}

			r, err := rules.Load(cfg.RulesFile)
			if err != nil {
				return err
			}
			source, err := newSource(logger, cfg)
			if err != nil {
				return err
			}
			runner, err := pipeline.NewRunner(logger, source, nil, nil, nil, r, runnerOptions(cfg, true))
			if err != nil {
				return err
			}

			analysis, err := runner.Analyze(c.Context)
			analysis.Write(os.Stdout)
			if err != nil {
				return fmt.Errorf("analysis failed: %w", err)
			}
			return nil
		},
	}
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Show how a time expression resolves, e.g. chatcal resolve '내일 2시 반'.",
		ArgsUsage: "<time expression>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "at", Usage: "Authoring time as RFC3339 (defaults to now)."},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Load()
			if err := cfg.Validate(config.ModeAnalyze); err != nil {
				var cfgErr *config.ConfigurationError
				// Only an invalid timezone matters here.
				if errors.As(err, &cfgErr) && len(cfgErr.Invalid) > 0 {
					return err
				}
			}
			if c.NArg() == 0 {
				return errors.New("a time expression is required")
			}
			whenText := strings.Join(c.Args().Slice(), " ")

			authoredAt := time.Now().In(cfg.Location)
			if at := c.String("at"); at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at value %q: %w", at, err)
				}
				authoredAt = t.In(cfg.Location)
			}

			r, err := rules.Load(cfg.RulesFile)
			if err != nil {
				return err
			}
			resolver := temporal.New(temporal.OptionsFromRules(r.Temporal, cfg.Location))

			res, err := resolver.Explain(whenText, authoredAt)
			if err != nil {
				return err
			}
			fmt.Printf("written: %s\n", authoredAt.Format(time.RFC3339))
			fmt.Printf("start:   %s\n", res.Start.Format(time.RFC3339))
			fmt.Printf("end:     %s\n", res.End.Format(time.RFC3339))
			fmt.Printf("rules:   date=%s clock=%s early_morning_shift=%t\n", res.DateRule, res.ClockRule, res.EarlyMorningShift)
			return nil
		},
	}
}

// watch runs the pipeline on a cron schedule until ctx is cancelled. Runs
// never overlap.
func watch(ctx context.Context, logger *slog.Logger, cfg *config.Config, runner *pipeline.Runner, spec string) error {
	cl := cronLogger{logger: logger}
	scheduler := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	_, err := scheduler.AddFunc(spec, func() {
		summary, err := runner.Run(ctx)
		if err != nil {
			logger.Error("Pipeline run failed", "run", summary.RunID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid --watch schedule %q: %w", spec, err)
	}

	logger.Info("Starting watcher.", "schedule", spec)
	scheduler.Start()
	<-ctx.Done()
	logger.Info("Stopping watcher, waiting for the current run.")
	<-scheduler.Stop().Done()
	return nil
}

func serveMetrics(logger *slog.Logger, addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("Serving metrics.", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

func shutdown(logger *slog.Logger, srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Metrics server shutdown failed", "error", err)
	}
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
