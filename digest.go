package main

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

const (
	defaultReaderURL = "https://readwise.io/api/v3/list/"
	maxReaderPages   = 20
)

// DigestSource produces candidate digest documents
type DigestSource interface {
	Fetch(ctx context.Context) ([]Digest, error)
}

// newDigestSource builds the source selected by cfg.Kind
func newDigestSource(cfg SourceConfig) (DigestSource, error) {
	fetcher := newHTTPFetcher(cfg.Timeout, cfg.UserAgent)

	switch cfg.Kind {
	case SourceKindFeed:
		if cfg.URL == "" {
			return nil, fmt.Errorf("source.url is required for kind %q", cfg.Kind)
		}
		return &feedSource{url: cfg.URL, fetcher: fetcher, parser: gofeed.NewParser()}, nil
	case SourceKindReader:
		if cfg.Token == "" {
			return nil, fmt.Errorf("%w: READER_TOKEN is not set", errMissingCredentials)
		}
		return &readerSource{
			url:      cmp.Or(cfg.URL, defaultReaderURL),
			token:    cfg.Token,
			lookback: cfg.Lookback,
			fetcher:  fetcher,
			now:      time.Now,
		}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// feedSource reads digests from an RSS/Atom feed, one item per digest
type feedSource struct {
	url     string
	fetcher *httpFetcher
	parser  *gofeed.Parser
}

func (s *feedSource) Fetch(ctx context.Context) ([]Digest, error) {
	data, err := s.fetcher.get(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", s.url, err)
	}

	feed, err := s.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	fetchedAt := time.Now().UTC()
	digests := make([]Digest, 0, len(feed.Items))
	for _, item := range feed.Items {
		published, undated := fetchedAt, false
		switch {
		case item.PublishedParsed != nil:
			published = item.PublishedParsed.UTC()
		case item.UpdatedParsed != nil:
			published = item.UpdatedParsed.UTC()
		default:
			undated = true
		}

		digests = append(digests, Digest{
			Title:       strings.TrimSpace(item.Title),
			RawHTML:     cmp.Or(item.Content, item.Description),
			PublishedAt: published,
			Source:      cmp.Or(item.Link, item.GUID, s.url),
			Undated:     undated,
		})
	}

	slog.Debug("Parsed digest feed", "url", s.url, "items", len(digests))
	return digests, nil
}

// readerSource pages through a read-later service's document list
type readerSource struct {
	url      string
	token    string
	lookback time.Duration
	fetcher  *httpFetcher
	now      func() time.Time
}

type readerPage struct {
	Count          int              `json:"count"`
	NextPageCursor string           `json:"nextPageCursor"`
	Results        []readerDocument `json:"results"`
}

type readerDocument struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	HTMLContent   string          `json:"html_content"`
	PublishedDate json.RawMessage `json:"published_date"`
	CreatedAt     string          `json:"created_at"`
	SourceURL     string          `json:"source_url"`
}

func (s *readerSource) Fetch(ctx context.Context) ([]Digest, error) {
	header := http.Header{}
	header.Set("Authorization", "Token "+s.token)

	var (
		digests []Digest
		cursor  string
	)

	for page := 0; page < maxReaderPages; page++ {
		data, err := s.fetcher.get(ctx, s.pageURL(cursor), header)
		if err != nil {
			return nil, fmt.Errorf("fetch reader page %d: %w", page, err)
		}

		var resp readerPage
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode reader page: %w", err)
		}

		fetchedAt := s.now().UTC()
		for _, doc := range resp.Results {
			published, ok := readerPublishedAt(doc)
			if !ok {
				published = fetchedAt
			}
			digests = append(digests, Digest{
				Title:       strings.TrimSpace(doc.Title),
				RawHTML:     doc.HTMLContent,
				PublishedAt: published,
				Source:      cmp.Or(doc.SourceURL, doc.ID),
				Undated:     !ok,
			})
		}

		slog.Debug("Fetched reader page", "page", page, "documents", len(resp.Results))

		if resp.NextPageCursor == "" {
			return digests, nil
		}
		cursor = resp.NextPageCursor
	}

	slog.Warn("Reader page limit reached, remaining documents skipped", "pages", maxReaderPages)
	return digests, nil
}

func (s *readerSource) pageURL(cursor string) string {
	q := url.Values{}
	q.Set("withHtmlContent", "true")
	if s.lookback > 0 {
		q.Set("updatedAfter", s.now().Add(-s.lookback).UTC().Format(time.RFC3339))
	}
	if cursor != "" {
		q.Set("pageCursor", cursor)
	}

	sep := "?"
	if strings.Contains(s.url, "?") {
		sep = "&"
	}
	return s.url + sep + q.Encode()
}

// readerPublishedAt accepts unix milliseconds or one of several date layouts,
// falling back to the document's creation time. It reports false when the
// document carries no usable date.
func readerPublishedAt(doc readerDocument) (time.Time, bool) {
	raw := strings.TrimSpace(string(doc.PublishedDate))
	if raw != "" && raw != "null" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}

		var s string
		if err := json.Unmarshal(doc.PublishedDate, &s); err == nil {
			if t, err := parseDate(s); err == nil {
				return t, true
			}
		}
	}

	if t, err := parseDate(doc.CreatedAt); err == nil {
		return t, true
	}
	return time.Time{}, false
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty date")
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date format: %q", value)
}

// filterDigests keeps digests whose title matches pattern and whose markup is
// not blank
func filterDigests(digests []Digest, pattern *regexp.Regexp) []Digest {
	var accepted []Digest
	for _, d := range digests {
		if !pattern.MatchString(d.Title) {
			continue
		}
		if strings.TrimSpace(d.RawHTML) == "" {
			slog.Debug("Skipping digest without markup", "title", d.Title, "source", d.Source)
			continue
		}
		accepted = append(accepted, d)
	}
	return accepted
}
