// Command backfill replays stored activities through the notification
// engine, or republishes them to the intake queue with --publish. Activities
// that already have a notification are skipped, so overlapping runs are safe.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/labnotify/internal/config"
	"github.com/lalithlochan/labnotify/internal/db"
	"github.com/lalithlochan/labnotify/internal/dispatch"
	"github.com/lalithlochan/labnotify/internal/mail"
	"github.com/lalithlochan/labnotify/internal/notify"
	"github.com/lalithlochan/labnotify/internal/observ"
	"github.com/lalithlochan/labnotify/internal/ratelimit"
	"github.com/lalithlochan/labnotify/internal/render"
	"github.com/lalithlochan/labnotify/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	since    time.Time
	until    time.Time
	pageSize int
	workers  int
	publish  bool
	email    bool
}

func parseFlags(args []string, now time.Time) (options, error) {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	since := fs.String("since", "", "start of the range, RFC3339 or YYYY-MM-DD (required)")
	until := fs.String("until", "", "end of the range, exclusive (default now)")
	pageSize := fs.Int("page-size", 200, "activities fetched per page")
	workers := fs.Int("workers", 4, "pages processed concurrently")
	publish := fs.Bool("publish", false, "send activities to ACTIVITY_QUEUE_URL instead of processing inline")
	email := fs.Bool("email", false, "deliver emails for notifications created inline")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{pageSize: *pageSize, workers: *workers, publish: *publish, email: *email, until: now}
	if *since == "" {
		return opts, errors.New("--since is required")
	}
	var err error
	if opts.since, err = parseTime(*since); err != nil {
		return opts, fmt.Errorf("invalid --since: %w", err)
	}
	if *until != "" {
		if opts.until, err = parseTime(*until); err != nil {
			return opts, fmt.Errorf("invalid --until: %w", err)
		}
	}
	if !opts.since.Before(opts.until) {
		return opts, fmt.Errorf("--since %s must be before --until %s", opts.since.Format(time.RFC3339), opts.until.Format(time.RFC3339))
	}
	if opts.pageSize <= 0 || opts.workers <= 0 {
		return opts, errors.New("--page-size and --workers must be positive")
	}
	if opts.publish && opts.email {
		return opts, errors.New("--email has no effect with --publish")
	}
	return opts, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func run() error {
	opts, err := parseFlags(os.Args[1:], time.Now().UTC())
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "labnotify-backfill")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		AppName:  "labnotify-backfill",
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	repo := db.NewRepository(database, logger)

	var sink pageSink
	var dispatcher *dispatch.Dispatcher
	switch {
	case opts.publish:
		if cfg.ActivityQueueURL == "" {
			return errors.New("--publish needs ACTIVITY_QUEUE_URL")
		}
		client, err := sqs.NewClient(ctx, sqs.Config{Region: cfg.SQSRegion, Endpoint: cfg.AWSEndpoint})
		if err != nil {
			return err
		}
		sink = publishSink(sqs.NewProducer(client, cfg.ActivityQueueURL, "backfill", logger))
	default:
		var engineOpts []notify.Option
		if opts.email {
			dispatcher, err = newDispatcher(ctx, cfg, logger)
			if err != nil {
				return err
			}
			engineOpts = append(engineOpts, notify.WithDispatcher(dispatcher))
		}
		sink = replaySink(notify.NewEngine(repo, repo, logger.Named("engine"), engineOpts...))
	}

	logger.Info("backfill starting",
		zap.Time("since", opts.since),
		zap.Time("until", opts.until),
		zap.Bool("publish", opts.publish),
		zap.Bool("email", opts.email),
	)

	start := time.Now()
	totals, err := backfill(ctx, repo, sink, opts, logger)

	if dispatcher != nil {
		dispatcher.Stop()
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.QueueTimeout+cfg.QueueGracePeriod)
		defer cancel()
		if derr := dispatcher.Drain(drainCtx); derr != nil {
			logger.Warn("email jobs still running at exit", zap.Any("stats", dispatcher.Stats()))
		}
	}

	logger.Info("backfill finished",
		zap.Int("pages", totals.Pages),
		zap.Int("created", totals.Created),
		zap.Int("skipped", totals.Skipped),
		zap.Int("failed", totals.Failed),
		zap.Int("published", totals.Published),
		zap.Duration("took", time.Since(start).Round(time.Millisecond)),
	)
	return err
}

func newDispatcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dispatch.Dispatcher, error) {
	mailCfg, err := mail.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load mail config: %w", err)
	}
	transport, err := mail.NewTransport(ctx, mailCfg, logger.Named("mail"))
	if err != nil {
		return nil, fmt.Errorf("failed to create mail transport: %w", err)
	}

	renderer := render.New(nil, logger.Named("render"))
	if cfg.TemplateDir != "" {
		renderer = render.NewFromDir(cfg.TemplateDir, logger.Named("render"))
	}
	limiter := ratelimit.New(ratelimit.Config{Max: cfg.RateLimitMax, Window: cfg.RateLimitWindow}, logger.Named("ratelimit"))
	mailer := dispatch.NewMailer(transport, renderer, limiter, dispatch.MailerConfig{
		From:       mailCfg.From,
		MaxRetries: cfg.MailMaxRetries,
	}, logger.Named("mailer"))

	d := dispatch.New(mailer, dispatch.Config{
		Concurrency:       cfg.QueueConcurrency,
		Timeout:           cfg.QueueTimeout,
		GracePeriod:       cfg.QueueGracePeriod,
		RateLimitRequeues: cfg.QueueRateLimitRequeues,
	}, logger.Named("dispatcher"))
	d.Start()
	return d, nil
}

type activitySource interface {
	ListActivitiesBetween(ctx context.Context, since, until time.Time, after *uuid.UUID, limit int) ([]*db.Activity, error)
}

type totals struct {
	Pages     int
	Created   int
	Skipped   int
	Failed    int
	Published int
}

// pageSink handles one page and reports what it did.
type pageSink func(ctx context.Context, page []*db.Activity) (totals, error)

func replaySink(engine *notify.Engine) pageSink {
	return func(ctx context.Context, page []*db.Activity) (totals, error) {
		res, err := engine.Replay(ctx, page)
		return totals{Created: res.Created, Skipped: res.Skipped, Failed: res.Failed}, err
	}
}

func publishSink(p *sqs.Producer) pageSink {
	return func(ctx context.Context, page []*db.Activity) (totals, error) {
		sent, err := p.PublishBatch(ctx, page)
		return totals{Published: sent, Failed: len(page) - sent}, err
	}
}

// backfill pages through the range with a keyset cursor and hands pages to
// at most opts.workers concurrent sinks.
func backfill(ctx context.Context, src activitySource, sink pageSink, opts options, logger *zap.Logger) (totals, error) {
	var (
		mu  sync.Mutex
		sum totals
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)

	var cursor *uuid.UUID
	for {
		page, err := src.ListActivitiesBetween(gctx, opts.since, opts.until, cursor, opts.pageSize)
		if err != nil {
			_ = g.Wait()
			return sum, fmt.Errorf("list activities: %w", err)
		}
		if len(page) == 0 {
			break
		}

		last := page[len(page)-1].ID
		cursor = &last
		pageNo := sum.Pages + 1
		sum.Pages++

		g.Go(func() error {
			t, err := sink(gctx, page)
			mu.Lock()
			sum.Created += t.Created
			sum.Skipped += t.Skipped
			sum.Failed += t.Failed
			sum.Published += t.Published
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("page %d: %w", pageNo, err)
			}
			logger.Debug("page done", zap.Int("page", pageNo), zap.Int("activities", len(page)))
			return nil
		})

		if len(page) < opts.pageSize {
			break
		}
	}

	err := g.Wait()
	return sum, err
}
