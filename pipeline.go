package main

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
)

type stage int

const (
	stageIdle stage = iota
	stageFetching
	stageExtracting
	stageDeduplicating
	stageClassifying
	stageMerging
	stagePersisted
)

func (s stage) String() string {
	switch s {
	case stageIdle:
		return "idle"
	case stageFetching:
		return "fetching"
	case stageExtracting:
		return "extracting"
	case stageDeduplicating:
		return "deduplicating"
	case stageClassifying:
		return "classifying"
	case stageMerging:
		return "merging"
	case stagePersisted:
		return "persisted"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Pipeline runs one fetch, extract, classify and persist cycle
type Pipeline struct {
	source       DigestSource
	extractor    *Extractor
	classifier   *Classifier
	store        HistoryStore
	titlePattern *regexp.Regexp
	batchSize    int
	workers      int
	retention    time.Duration
	logger       *slog.Logger
	now          func() time.Time

	stage stage
}

// PipelineOptions holds the tunables of a Pipeline
type PipelineOptions struct {
	TitlePattern *regexp.Regexp
	BatchSize    int
	Workers      int
	// Retention matches the store's window so the report counts what is
	// kept. Zero keeps everything.
	Retention time.Duration
}

// NewPipeline wires the components of a run together
func NewPipeline(source DigestSource, extractor *Extractor, classifier *Classifier, store HistoryStore, opts PipelineOptions, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	pattern := opts.TitlePattern
	if pattern == nil {
		pattern = regexp.MustCompile(`(?i)^(twitter|x)\s+digest`)
	}

	return &Pipeline{
		source:       source,
		extractor:    extractor,
		classifier:   classifier,
		store:        store,
		titlePattern: pattern,
		batchSize:    opts.BatchSize,
		workers:      opts.Workers,
		retention:    opts.Retention,
		logger:       logger,
		now:          time.Now,
	}
}

func (p *Pipeline) enter(logger *slog.Logger, s stage) {
	p.stage = s
	logger.Info("Pipeline stage", "stage", s.String())
}

// Run executes a single pass. Only fetch and save failures are returned;
// classification failures are absorbed and counted in the report.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{RunID: uuid.NewString()}
	logger := p.logger.With("run_id", report.RunID)
	defer func() { p.stage = stageIdle }()

	var existing []Post
	cache, err := p.store.Load(ctx)
	switch {
	case err != nil:
		logger.Warn("Failed to load history, starting empty", "error", err)
		cache = &Cache{}
	case cache == nil:
		logger.Info("No history found, starting empty")
		cache = &Cache{}
	default:
		existing = cache.Posts
	}

	p.enter(logger, stageFetching)
	digests, err := p.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch digests: %w", err)
	}
	accepted := filterDigests(digests, p.titlePattern)
	report.Fetched, report.Accepted = len(digests), len(accepted)
	logger.Info("Fetched digests", "digests", report.Fetched, "accepted", report.Accepted)

	p.enter(logger, stageExtracting)
	var extracted []Post
	for _, d := range accepted {
		for post := range p.extractor.Extract(d) {
			extracted = append(extracted, post)
		}
	}
	report.Extracted = len(extracted)

	p.enter(logger, stageDeduplicating)
	fresh := newPosts(extracted, cache.IDs())
	report.New = len(fresh)
	logger.Info("Deduplicated posts", "extracted", report.Extracted, "new", report.New)

	if len(fresh) == 0 {
		report.ShortCircuited = true
		report.Total = len(existing)
		report.Distribution = countByCategory(existing)
		logger.Info("Nothing new to classify")
		return report, nil
	}

	p.enter(logger, stageClassifying)
	classified, outcomes := p.classifier.ClassifyAll(ctx, fresh, p.batchSize, p.workers)
	report.Classified = len(classified)
	for _, o := range outcomes {
		if o.Failed {
			report.FailedBatches++
		}
		report.Defaulted += o.Defaulted
	}
	if report.FailedBatches > 0 {
		logger.Warn("Some classifier batches failed", "failed_batches", report.FailedBatches, "batches", len(outcomes))
	}

	// Batches cut short by an interrupt were defaulted, not classified
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	p.enter(logger, stageMerging)
	now := p.now()
	merged := retain(Merge(existing, classified), now, p.retention)

	if err := p.store.Save(ctx, merged, now); err != nil {
		return nil, fmt.Errorf("save history: %w", err)
	}
	p.enter(logger, stagePersisted)

	report.Total = len(merged)
	report.Distribution = countByCategory(merged)
	logger.Info("Run complete",
		"new", report.New,
		"classified", report.Classified,
		"defaulted", report.Defaulted,
		"total", report.Total)

	return report, nil
}

// newPosts returns posts whose id is neither known nor repeated earlier in the run
func newPosts(posts []Post, known map[string]struct{}) []Post {
	seen := make(map[string]struct{}, len(posts))
	var fresh []Post
	for _, p := range posts {
		if _, ok := known[p.ID]; ok {
			continue
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		fresh = append(fresh, p)
	}
	return fresh
}
