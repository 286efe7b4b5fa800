package main

import (
	"fmt"
	"html"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/feeds"
)

// ScopeAll renders every category into one feed
const ScopeAll = "all"

const (
	FormatRSS  = "rss"
	FormatAtom = "atom"
	FormatJSON = "json"
)

const dayLayout = "2006-01-02"

// FeedOptions controls feed metadata and output
type FeedOptions struct {
	Title    string
	Link     string
	OutDir   string
	Format   string
	MaxDays  int
	Location *time.Location
}

// Scopes lists every feed that WriteFeeds produces
func Scopes() []string {
	scopes := make([]string, 0, len(Categories)+1)
	for _, c := range Categories {
		scopes = append(scopes, string(c))
	}
	return append(scopes, ScopeAll)
}

type dayGroup struct {
	day   string
	posts []Post
}

// RenderFeed builds the feed for scope with one item per calendar day, newest
// day first. The output only depends on posts, scope and opts, except for the
// feed's Updated field which is set to now.
func RenderFeed(posts []Post, scope string, opts FeedOptions, now time.Time) *feeds.Feed {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	groups := groupByDay(filterScope(posts, scope), loc)
	if opts.MaxDays > 0 && len(groups) > opts.MaxDays {
		groups = groups[:opts.MaxDays]
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s: %s", opts.Title, scopeTitle(scope)),
		Description: fmt.Sprintf("Daily digest of %s posts", strings.ToLower(scopeTitle(scope))),
		Link:        &feeds.Link{Href: opts.Link, Rel: "self", Type: "text/html"},
		Id:          scopeLink(opts.Link, scope, ""),
		Updated:     now,
	}

	for _, g := range groups {
		newest := newestPost(g.posts)
		if newest.After(feed.Created) {
			feed.Created = newest
		}

		link := scopeLink(opts.Link, scope, g.day)
		feed.Items = append(feed.Items, &feeds.Item{
			Title:       fmt.Sprintf("%s posts for %s (%d)", scopeTitle(scope), g.day, len(g.posts)),
			Link:        &feeds.Link{Href: link, Rel: "alternate", Type: "text/html"},
			Id:          link,
			Description: renderDay(g.posts, scope),
			Created:     newest,
		})
	}

	slog.Debug("Rendered feed", "scope", scope, "days", len(feed.Items))
	return feed
}

func filterScope(posts []Post, scope string) []Post {
	if scope == ScopeAll {
		return posts
	}

	var filtered []Post
	for _, p := range posts {
		if postCategory(p) == Category(scope) {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

// groupByDay buckets posts by local calendar day, keeping their relative order
// inside a day, and returns the days newest first
func groupByDay(posts []Post, loc *time.Location) []dayGroup {
	index := make(map[string]int)
	var groups []dayGroup

	for _, p := range posts {
		day := p.PublishedAt.In(loc).Format(dayLayout)
		i, ok := index[day]
		if !ok {
			i = len(groups)
			index[day] = i
			groups = append(groups, dayGroup{day: day})
		}
		groups[i].posts = append(groups[i].posts, p)
	}

	slices.SortStableFunc(groups, func(a, b dayGroup) int {
		return strings.Compare(b.day, a.day)
	})
	return groups
}

func newestPost(posts []Post) time.Time {
	var newest time.Time
	for _, p := range posts {
		if p.PublishedAt.After(newest) {
			newest = p.PublishedAt
		}
	}
	return newest
}

func renderDay(posts []Post, scope string) string {
	if scope != ScopeAll {
		return renderPosts(posts)
	}

	var sb strings.Builder
	for _, cat := range Categories {
		var section []Post
		for _, p := range posts {
			if postCategory(p) == cat {
				section = append(section, p)
			}
		}
		if len(section) == 0 {
			continue
		}

		fmt.Fprintf(&sb, "<h2>%s (%d)</h2>\n", html.EscapeString(cat.Title()), len(section))
		sb.WriteString(renderPosts(section))
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func renderPosts(posts []Post) string {
	blocks := make([]string, 0, len(posts))
	for _, p := range posts {
		blocks = append(blocks, renderPost(p))
	}
	return strings.Join(blocks, "\n<hr/>\n")
}

func renderPost(p Post) string {
	author := html.EscapeString(fmt.Sprintf("%s (@%s)", p.Author, p.Handle))
	if p.Handle != unknownHandle {
		author = fmt.Sprintf(`<a href="https://x.com/%s">%s</a>`, html.EscapeString(p.Handle), author)
	}

	return fmt.Sprintf(`<div class="post"><p><strong>%s</strong></p><p>%s</p><p><a href="%s">View post</a></p></div>`,
		author,
		html.EscapeString(p.Content),
		html.EscapeString(p.URL))
}

func postCategory(p Post) Category {
	if p.Category.Valid() {
		return p.Category
	}
	return DefaultCategory
}

func scopeTitle(scope string) string {
	if scope == ScopeAll {
		return "All"
	}
	return Category(scope).Title()
}

func scopeLink(base, scope, day string) string {
	base = strings.TrimRight(base, "/")
	if day == "" {
		return fmt.Sprintf("%s/%s", base, scope)
	}
	return fmt.Sprintf("%s/%s#%s", base, scope, day)
}

// encodeFeed serializes feed in the requested format
func encodeFeed(feed *feeds.Feed, format string) (string, error) {
	switch format {
	case FormatRSS, "":
		return feed.ToRss()
	case FormatAtom:
		return feed.ToAtom()
	case FormatJSON:
		return feed.ToJSON()
	default:
		return "", fmt.Errorf("unknown feed format %q", format)
	}
}

func feedExtension(format string) string {
	switch format {
	case FormatAtom:
		return "atom"
	case FormatJSON:
		return "json"
	default:
		return "xml"
	}
}

// WriteFeeds renders every scope into opts.OutDir and returns the written paths
func WriteFeeds(posts []Post, opts FeedOptions, now time.Time) ([]string, error) {
	var written []string

	for _, scope := range Scopes() {
		out, err := encodeFeed(RenderFeed(posts, scope, opts, now), opts.Format)
		if err != nil {
			return written, fmt.Errorf("failed to encode %s feed: %w", scope, err)
		}

		path := filepath.Join(opts.OutDir, scope+"."+feedExtension(opts.Format))
		if err := writeFileAtomic(path, []byte(out), 0o644); err != nil {
			return written, fmt.Errorf("failed to write %s feed: %w", scope, err)
		}

		slog.Info("Feed saved", "scope", scope, "filename", path, "size", len(out))
		written = append(written, path)
	}

	return written, nil
}
