package main

import (
	"slices"
	"strings"
	"testing"
	"time"
)

var digestTime = time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)

func extractAll(rawHTML string) []Post {
	d := Digest{Title: "Twitter Digest", RawHTML: rawHTML, PublishedAt: digestTime, Source: "test"}
	return slices.Collect(NewExtractor(nil).Extract(d))
}

func TestExtract_WellFormedFragment(t *testing.T) {
	posts := extractAll(`
		<div class="tweet">
			<a href="https://x.com/ada">Ada</a>
			<p class="tweet-text">Hello world</p>
			<a href="https://x.com/ada/status/42?s=20">View on X</a>
		</div>`)

	if len(posts) != 1 {
		t.Fatalf("Expected 1 post, got %d", len(posts))
	}

	p := posts[0]
	if p.ID != "42" {
		t.Errorf("Expected id 42, got %q", p.ID)
	}
	if p.Author != "Ada" || p.Handle != "ada" {
		t.Errorf("Expected Ada/ada, got %q/%q", p.Author, p.Handle)
	}
	if p.Content != "Hello world" {
		t.Errorf("Expected content 'Hello world', got %q", p.Content)
	}
	if p.URL != "https://x.com/ada/status/42" {
		t.Errorf("Expected canonical url without query, got %q", p.URL)
	}
	if !p.PublishedAt.Equal(digestTime) {
		t.Errorf("Expected digest time %v, got %v", digestTime, p.PublishedAt)
	}
	if p.Category != "" {
		t.Errorf("Extracted posts should be unclassified, got %q", p.Category)
	}
}

func TestExtract_DropsIncompleteFragments(t *testing.T) {
	testCases := []struct {
		name string
		html string
	}{
		{
			name: "no permalink",
			html: `<div class="tweet"><a href="https://x.com/bob">Bob</a><p class="tweet-text">There is no link to this post anywhere</p></div>`,
		},
		{
			name: "no content",
			html: `<div class="tweet"><a href="https://x.com/bob/status/7"></a></div>`,
		},
		{
			name: "non http permalink",
			html: `<div class="tweet"><p class="tweet-text">Some promoted content here</p><a class="permalink" href="javascript:void(0)">open</a></div>`,
		},
		{
			name: "no fragments",
			html: `<html><body><p>Nothing to see here, just a newsletter</p></body></html>`,
		},
		{
			name: "empty document",
			html: ``,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if posts := extractAll(tc.html); len(posts) != 0 {
				t.Errorf("Expected no posts, got %+v", posts)
			}
		})
	}
}

func TestExtract_KeepsGoodFragmentsAroundBadOnes(t *testing.T) {
	posts := extractAll(`
		<div class="tweet"><a href="https://x.com/one">One</a><p class="tweet-text">First post content here</p><a href="https://x.com/one/status/1">link</a></div>
		<div class="tweet"><p>Sponsored</p></div>
		<div class="tweet"><a href="https://x.com/two">Two</a><p class="tweet-text">Second post content here</p><a href="https://x.com/two/status/2">link</a></div>`)

	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		ids = append(ids, p.ID)
	}
	if !slices.Equal(ids, []string{"1", "2"}) {
		t.Errorf("Expected ids [1 2] in document order, got %v", ids)
	}
}

func TestExtract_ContentStrategies(t *testing.T) {
	testCases := []struct {
		name     string
		html     string
		expected string
	}{
		{
			name:     "labeled paragraph",
			html:     `<div class="tweet"><a href="https://x.com/a">A</a><p data-testid="tweetText">Labeled paragraph text</p><a href="https://x.com/a/status/1">link</a></div>`,
			expected: "Labeled paragraph text",
		},
		{
			name:     "labeled container",
			html:     `<div class="tweet"><a href="https://x.com/a">A</a><div class="body-text">Container <b>with</b> markup</div><a href="https://x.com/a/status/1">link</a></div>`,
			expected: "Container with markup",
		},
		{
			name:     "after author block",
			html:     `<div class="tweet"><div class="header"><a href="https://x.com/a">A</a></div><p>Unlabeled body text</p><a href="https://x.com/a/status/1">link</a></div>`,
			expected: "Unlabeled body text link",
		},
		{
			name:     "whole fragment without scripts",
			html:     `<div class="tweet"><a href="https://x.com/a/status/1">Status</a> <script>alert(1)</script><style>p{}</style> <span>ok</span></div>`,
			expected: "Status ok",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			posts := extractAll(tc.html)
			if len(posts) != 1 {
				t.Fatalf("Expected 1 post, got %d", len(posts))
			}
			if posts[0].Content != tc.expected {
				t.Errorf("Expected content %q, got %q", tc.expected, posts[0].Content)
			}
		})
	}
}

func TestExtract_Fallbacks(t *testing.T) {
	posts := extractAll(`
		<div data-tweet-id="x">
			<p class="text">Post linked without a numeric id</p>
			<a class="permalink" href="https://example.com/p/abc?utm_source=mail#top">open</a>
		</div>`)

	if len(posts) != 1 {
		t.Fatalf("Expected 1 post, got %d", len(posts))
	}

	p := posts[0]
	if p.Author != unknownAuthor || p.Handle != unknownHandle {
		t.Errorf("Expected sentinel author/handle, got %q/%q", p.Author, p.Handle)
	}
	if p.URL != "https://example.com/p/abc" {
		t.Errorf("Expected canonical url, got %q", p.URL)
	}
	if expected := "unknown_1714636800_0"; p.ID != expected {
		t.Errorf("Expected fallback id %q, got %q", expected, p.ID)
	}
}

func TestExtract_UndatedFallbackIDIsStable(t *testing.T) {
	markup := `<div class="tweet"><p class="text">Post linked without a numeric id</p><a class="permalink" href="https://example.com/p/abc">open</a></div>`

	extractAt := func(source string, fetchedAt time.Time) string {
		d := Digest{Title: "Twitter Digest", RawHTML: markup, PublishedAt: fetchedAt, Source: source, Undated: true}
		posts := slices.Collect(NewExtractor(nil).Extract(d))
		if len(posts) != 1 {
			t.Fatalf("Expected 1 post, got %d", len(posts))
		}
		return posts[0].ID
	}

	first := extractAt("https://example.com/digest/1", digestTime)
	second := extractAt("https://example.com/digest/1", digestTime.Add(6*time.Hour))
	if first != second {
		t.Errorf("Expected the same id across fetches, got %q and %q", first, second)
	}
	if strings.Contains(first, "1714636800") {
		t.Errorf("Undated fallback id must not depend on fetch time, got %q", first)
	}
	if !strings.HasPrefix(first, unknownHandle+"_") || !strings.HasSuffix(first, "_0") {
		t.Errorf("Expected handle and index in fallback id, got %q", first)
	}

	if other := extractAt("https://example.com/digest/2", digestTime); other == first {
		t.Errorf("Different digests should not share fallback ids, got %q", other)
	}
}

func TestExtract_ViewLinkMatchesWholeWord(t *testing.T) {
	testCases := []struct {
		name     string
		anchor   string
		expected int
	}{
		{name: "view link", anchor: "View post", expected: 1},
		{name: "view on site", anchor: "view on example", expected: 1},
		{name: "review", anchor: "Read the review", expected: 0},
		{name: "preview", anchor: "preview", expected: 0},
		{name: "interview", anchor: "Full interview", expected: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			posts := extractAll(`<div class="tweet"><p class="text">Post linked without a numeric id</p><a href="https://example.com/article">` + tc.anchor + `</a></div>`)
			if len(posts) != tc.expected {
				t.Errorf("Expected %d posts for anchor %q, got %d", tc.expected, tc.anchor, len(posts))
			}
		})
	}
}

func TestExtract_HandleFromPermalink(t *testing.T) {
	posts := extractAll(`<blockquote class="twitter-tweet"><p lang="en">Quoted post with enough text</p><a href="https://twitter.com/grace/status/99">May 1, 2024</a></blockquote>`)

	if len(posts) != 1 {
		t.Fatalf("Expected 1 post, got %d", len(posts))
	}
	if posts[0].Handle != "grace" {
		t.Errorf("Expected handle from permalink, got %q", posts[0].Handle)
	}
	if posts[0].Author != unknownAuthor {
		t.Errorf("Expected unknown author, got %q", posts[0].Author)
	}
}

func TestExtract_ReservedPathsAreNotProfiles(t *testing.T) {
	posts := extractAll(`<div class="tweet"><a href="https://x.com/search">Search</a><a href="https://x.com/hashtag">Tag</a><a href="https://x.com/lin">Lin</a><p class="tweet-text">Reserved paths are skipped</p><a href="https://x.com/lin/status/5">link</a></div>`)

	if len(posts) != 1 {
		t.Fatalf("Expected 1 post, got %d", len(posts))
	}
	if posts[0].Author != "Lin" || posts[0].Handle != "lin" {
		t.Errorf("Expected Lin/lin, got %q/%q", posts[0].Author, posts[0].Handle)
	}
}

func TestExtract_NestedFragmentsBelongToOuterPost(t *testing.T) {
	posts := extractAll(`
		<div class="tweet">
			<a href="https://x.com/outer">Outer</a>
			<p class="tweet-text">Outer post quoting another</p>
			<a href="https://x.com/outer/status/10">link</a>
			<blockquote class="twitter-tweet">
				<p class="tweet-text">Inner quoted post text</p>
				<a href="https://x.com/inner/status/11">link</a>
			</blockquote>
		</div>`)

	if len(posts) != 1 {
		t.Fatalf("Expected 1 post, got %d", len(posts))
	}
	if posts[0].ID != "10" {
		t.Errorf("Expected outer post id 10, got %q", posts[0].ID)
	}
}

func TestExtract_PublishedAtFromTimeElement(t *testing.T) {
	posts := extractAll(`<div class="tweet"><a href="https://x.com/a">A</a><p class="tweet-text">Post with its own time</p><a href="https://x.com/a/status/3"><time datetime="2024-05-01T18:30:00+02:00">May 1</time></a></div>`)

	if len(posts) != 1 {
		t.Fatalf("Expected 1 post, got %d", len(posts))
	}
	expected := time.Date(2024, 5, 1, 16, 30, 0, 0, time.UTC)
	if !posts[0].PublishedAt.Equal(expected) || posts[0].PublishedAt.Location() != time.UTC {
		t.Errorf("Expected %v in UTC, got %v", expected, posts[0].PublishedAt)
	}
}

func TestExtract_ContentIsNormalizedAndCapped(t *testing.T) {
	long := strings.Repeat("é", 600)
	posts := extractAll(`<div class="tweet"><a href="https://x.com/a">A</a><p class="tweet-text">  spaced
		out   ` + long + `</p><a href="https://x.com/a/status/4">link</a></div>`)

	if len(posts) != 1 {
		t.Fatalf("Expected 1 post, got %d", len(posts))
	}
	content := posts[0].Content
	if !strings.HasPrefix(content, "spaced out é") {
		t.Errorf("Expected collapsed whitespace, got %q", content[:20])
	}
	if n := len([]rune(content)); n != maxContentRunes {
		t.Errorf("Expected content capped at %d runes, got %d", maxContentRunes, n)
	}
}

func TestExtract_Idempotent(t *testing.T) {
	doc := `
		<div class="tweet"><a href="https://x.com/a">A</a><p class="tweet-text">First post content here</p><a href="https://x.com/a/status/1">link</a></div>
		<table class="tweet"><tr><td><a href="https://x.com/b">B</a></td><td><p class="text">Second one, no id</p><a class="permalink" href="https://example.com/b">open</a></td></tr></table>`

	first, second := extractAll(doc), extractAll(doc)
	if len(first) != 2 {
		t.Fatalf("Expected 2 posts, got %d", len(first))
	}
	if !slices.Equal(first, second) {
		t.Errorf("Expected identical output across runs:\n%+v\n%+v", first, second)
	}
}

func TestExtract_StopsWhenConsumerStops(t *testing.T) {
	d := Digest{RawHTML: strings.Repeat(`<div class="tweet"><a href="https://x.com/a">A</a><p class="tweet-text">Repeated post content</p><a href="https://x.com/a/status/1">link</a></div>`, 5), PublishedAt: digestTime}

	count := 0
	for range NewExtractor(nil).Extract(d) {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Errorf("Expected iteration to stop at 2, got %d", count)
	}
}

func TestTruncateRunes(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		limit    int
		expected string
	}{
		{"short", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"multibyte", "日本語テキスト", 3, "日本語"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := truncateRunes(tc.input, tc.limit); got != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, got)
			}
		})
	}
}
