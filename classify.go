package main

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// MaxBatchSize bounds how many posts go into a single classifier call
const MaxBatchSize = 10

// Classifier labels posts through a Completer, defaulting to the catch-all
// category whenever the service fails or answers something unusable
type Classifier struct {
	completer    Completer
	previewChars int
	timeout      time.Duration
	logger       *slog.Logger
}

// NewClassifier creates a Classifier. previewChars caps how much of each post
// is sent; timeout bounds each external call.
func NewClassifier(completer Completer, previewChars int, timeout time.Duration, logger *slog.Logger) *Classifier {
	if previewChars <= 0 {
		previewChars = 280
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		completer:    completer,
		previewChars: previewChars,
		timeout:      timeout,
		logger:       logger,
	}
}

// Classify returns the batch with a category on every post, same length and
// order as the input. It issues exactly one external call and never fails.
func (c *Classifier) Classify(ctx context.Context, batch []Post) ([]Post, BatchOutcome) {
	if len(batch) == 0 {
		return nil, BatchOutcome{}
	}

	out := make([]Post, len(batch))
	copy(out, batch)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.completer.Complete(callCtx, buildClassificationPrompt(batch, c.previewChars))
	if err != nil {
		c.logger.Warn("Classifier call failed, defaulting batch", "error", err, "size", len(batch), "category", DefaultCategory)
		for i := range out {
			out[i].Category = DefaultCategory
		}
		return out, BatchOutcome{Failed: true, Defaulted: len(out)}
	}

	labels, defaulted := parseLabels(resp, len(batch))
	for i := range out {
		out[i].Category = labels[i]
	}

	if defaulted > 0 {
		c.logger.Debug("Classifier output needed defaults", "defaulted", defaulted, "size", len(batch))
	}

	return out, BatchOutcome{Defaulted: defaulted}
}

// ClassifyAll splits posts into batches and classifies them. With workers > 1
// batches run concurrently; results are reassembled in input order.
func (c *Classifier) ClassifyAll(ctx context.Context, posts []Post, batchSize, workers int) ([]Post, []BatchOutcome) {
	batches := splitBatches(posts, batchSize)
	results := make([][]Post, len(batches))
	outcomes := make([]BatchOutcome, len(batches))

	if workers <= 1 || len(batches) == 1 {
		for i, batch := range batches {
			results[i], outcomes[i] = c.Classify(ctx, batch)
		}
		return flattenBatches(results, len(posts)), outcomes
	}

	type batchJob struct {
		index int
		posts []Post
	}
	type batchResult struct {
		index   int
		posts   []Post
		outcome BatchOutcome
	}

	workChan := make(chan batchJob, len(batches))
	resultChan := make(chan batchResult, len(batches))
	var wg sync.WaitGroup

	for range min(workers, len(batches)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range workChan {
				classified, outcome := c.Classify(ctx, job.posts)
				resultChan <- batchResult{index: job.index, posts: classified, outcome: outcome}
			}
		}()
	}

	for i, batch := range batches {
		workChan <- batchJob{index: i, posts: batch}
	}
	close(workChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for res := range resultChan {
		results[res.index] = res.posts
		outcomes[res.index] = res.outcome
	}

	return flattenBatches(results, len(posts)), outcomes
}

func splitBatches(posts []Post, size int) [][]Post {
	if size <= 0 || size > MaxBatchSize {
		size = MaxBatchSize
	}

	var batches [][]Post
	for start := 0; start < len(posts); start += size {
		end := min(start+size, len(posts))
		batches = append(batches, posts[start:end])
	}
	return batches
}

func flattenBatches(batches [][]Post, total int) []Post {
	out := make([]Post, 0, total)
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}

func buildClassificationPrompt(batch []Post, previewChars int) string {
	var sb strings.Builder

	sb.WriteString("Classify each of the following social media posts into exactly one category.\n\n")
	sb.WriteString("Categories:\n")
	for _, cat := range Categories {
		fmt.Fprintf(&sb, "- %s: %s\n", cat, categoryHints[cat])
	}

	sb.WriteString("\nPosts:\n")
	for i, p := range batch {
		preview := truncateRunes(strings.ReplaceAll(p.Content, "\n", " "), previewChars)
		fmt.Fprintf(&sb, "%d. @%s: %s\n", i+1, p.Handle, preview)
	}

	fmt.Fprintf(&sb, "\nReply with exactly %d lines, one category label per post, in the same order as the posts. ", len(batch))
	sb.WriteString("Use only the labels listed above. Return ONLY the labels, no other text.")

	return sb.String()
}

var labelPrefixRegex = regexp.MustCompile(`^\s*(?:\d+\s*[.):\-]\s*|[-*•]\s*)`)

// parseLabels reads one label per non-empty line, skipping code fence lines
// whatever their language tag. Unknown labels and missing lines become the
// catch-all; the second return value counts them.
func parseLabels(resp string, n int) ([]Category, int) {
	var lines []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "```") {
			continue
		}
		line = labelPrefixRegex.ReplaceAllString(line, "")
		if line != "" {
			lines = append(lines, line)
		}
	}

	labels := make([]Category, n)
	defaulted := 0
	for i := range labels {
		if i >= len(lines) {
			labels[i] = DefaultCategory
			defaulted++
			continue
		}

		cat, ok := parseCategory(lines[i])
		if !ok {
			defaulted++
		}
		labels[i] = cat
	}

	return labels, defaulted
}
