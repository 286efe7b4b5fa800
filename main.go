package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "jarvis-rss",
		Short:        "Classify digest posts and publish them as category feeds",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(renderCmd())
	rootCmd.AddCommand(statsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// setupLogger installs the default logger: text for local runs, JSON otherwise
func setupLogger(env string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var logger *slog.Logger
	switch env {
	case "dev", "prod":
		logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	slog.SetDefault(logger)
	return logger
}

func loadConfig() (*Config, *slog.Logger, error) {
	setupLogger("local", verbose)

	cfg, err := Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	return cfg, setupLogger(cfg.Env, verbose), nil
}

func runCmd() *cobra.Command {
	var noRender bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch digests, classify new posts and regenerate feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := newHistoryStore(cfg.History)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer func() { _ = store.Close() }()

			source, err := newDigestSource(cfg.Source)
			if err != nil {
				return fmt.Errorf("digest source: %w", err)
			}

			completer, err := newAnthropicClient(cfg.Classifier)
			if err != nil {
				return fmt.Errorf("classifier: %w", err)
			}

			pipeline := NewPipeline(
				source,
				NewExtractor(logger),
				NewClassifier(completer, cfg.Classifier.PreviewChars, cfg.Classifier.Timeout, logger),
				store,
				PipelineOptions{
					TitlePattern: regexp.MustCompile(cfg.Source.TitlePattern),
					BatchSize:    cfg.Classifier.BatchSize,
					Workers:      cfg.Classifier.Concurrency,
					Retention:    cfg.History.Retention(),
				},
				logger,
			)

			report, err := pipeline.Run(cmd.Context())
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)

			if noRender {
				return nil
			}
			return renderFromStore(cmd.Context(), store, cfg.Feeds, time.Now())
		},
	}

	cmd.Flags().BoolVar(&noRender, "no-render", false, "skip feed regeneration")
	return cmd
}

func renderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Regenerate feeds from the stored history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := newHistoryStore(cfg.History)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer func() { _ = store.Close() }()

			return renderFromStore(cmd.Context(), store, cfg.Feeds, time.Now())
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show history size, day span and category distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := newHistoryStore(cfg.History)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer func() { _ = store.Close() }()

			cache, err := store.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			printStats(cmd.OutOrStdout(), cache)
			return nil
		},
	}
}

func renderFromStore(ctx context.Context, store HistoryStore, cfg FeedsConfig, now time.Time) error {
	opts, err := cfg.Options()
	if err != nil {
		return err
	}

	cache, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	var posts []Post
	if cache != nil {
		posts = cache.Posts
	}

	written, err := WriteFeeds(posts, opts, now)
	if err != nil {
		return err
	}

	slog.Info("Feeds regenerated", "count", len(written), "dir", opts.OutDir, "posts", len(posts))
	return nil
}

func printReport(w io.Writer, r *RunReport) {
	_, _ = fmt.Fprintf(w, "Run %s\n", r.RunID)
	_, _ = fmt.Fprintf(w, "  digests:    %d fetched, %d accepted\n", r.Fetched, r.Accepted)
	_, _ = fmt.Fprintf(w, "  posts:      %d extracted, %d new, %d classified\n", r.Extracted, r.New, r.Classified)
	if r.ShortCircuited {
		_, _ = fmt.Fprintln(w, "  nothing new, history unchanged")
	}
	if r.FailedBatches > 0 || r.Defaulted > 0 {
		_, _ = fmt.Fprintf(w, "  degraded:   %d failed batches, %d defaulted labels\n", r.FailedBatches, r.Defaulted)
	}
	_, _ = fmt.Fprintf(w, "  history:    %d posts\n", r.Total)
	printDistribution(w, r.Distribution)
}

func printStats(w io.Writer, cache *Cache) {
	if cache == nil || len(cache.Posts) == 0 {
		_, _ = fmt.Fprintln(w, "History is empty")
		return
	}

	newest, oldest := cache.Posts[0].PublishedAt, cache.Posts[0].PublishedAt
	for _, p := range cache.Posts {
		if p.PublishedAt.After(newest) {
			newest = p.PublishedAt
		}
		if p.PublishedAt.Before(oldest) {
			oldest = p.PublishedAt
		}
	}

	_, _ = fmt.Fprintf(w, "Posts:   %d\n", len(cache.Posts))
	_, _ = fmt.Fprintf(w, "Updated: %s\n", cache.UpdatedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Span:    %s to %s (%d days)\n",
		oldest.Format(dayLayout), newest.Format(dayLayout), len(groupByDay(cache.Posts, time.UTC)))
	printDistribution(w, countByCategory(cache.Posts))
}

func printDistribution(w io.Writer, dist map[Category]int) {
	for _, c := range Categories {
		_, _ = fmt.Fprintf(w, "  %-10s  %d\n", c.Title()+":", dist[c])
	}
}
