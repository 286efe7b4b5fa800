package main

import (
	"cmp"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

const (
	maxContentRunes = 500
	minContentRunes = 10

	unknownAuthor = "Unknown"
	unknownHandle = "unknown"
)

// fragmentSelector matches the containers digests wrap each post in
const fragmentSelector = `div.tweet, div[data-tweet-id], blockquote.twitter-tweet, table.tweet`

var (
	profileRegex   = regexp.MustCompile(`^https?://(?:www\.|mobile\.)?(?:twitter|x)\.com/([A-Za-z0-9_]{1,15})/?(?:[?#].*)?$`)
	viewLinkRegex  = regexp.MustCompile(`(?i)\bview\b`)
	permalinkRegex = regexp.MustCompile(`^https?://(?:www\.|mobile\.)?(?:twitter|x)\.com/([A-Za-z0-9_]{1,15})/status(?:es)?/(\d+)`)
)

// Paths on the profile host that look like handles but are not accounts
var reservedPaths = map[string]bool{
	"i":             true,
	"home":          true,
	"search":        true,
	"hashtag":       true,
	"intent":        true,
	"share":         true,
	"explore":       true,
	"settings":      true,
	"messages":      true,
	"notifications": true,
}

// Extractor turns digest markup into unclassified posts
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor creates an Extractor logging through the given logger
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract yields the posts found in the digest, in document order. Fragments
// missing either content or a permalink are skipped.
func (e *Extractor) Extract(d Digest) iter.Seq[Post] {
	return func(yield func(Post) bool) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(d.RawHTML))
		if err != nil {
			e.logger.Debug("Failed to parse digest HTML", "source", d.Source, "error", err)
			return
		}

		fragments := doc.Find(fragmentSelector).FilterFunction(func(_ int, s *goquery.Selection) bool {
			// Quoted posts nested inside another post belong to the outer one
			return s.ParentsFiltered(fragmentSelector).Length() == 0
		})

		e.logger.Debug("Found post fragments", "source", d.Source, "count", fragments.Length())

		for i := range fragments.Length() {
			post, ok := extractPost(fragments.Eq(i), d, i)
			if !ok {
				e.logger.Debug("Dropping fragment without content or url", "source", d.Source, "index", i)
				continue
			}
			if !yield(post) {
				return
			}
		}
	}
}

// extractPost recovers every field of a single fragment independently
func extractPost(s *goquery.Selection, d Digest, index int) (Post, bool) {
	profile, handle := findProfileAnchor(s)

	author := unknownAuthor
	if profile != nil {
		author = cmp.Or(normalizeText(profile.Text()), unknownAuthor)
	}

	var link permalink
	for _, strategy := range permalinkStrategies {
		if l, ok := strategy(s); ok {
			link = l
			break
		}
	}

	if handle == "" {
		handle = cmp.Or(link.handle, unknownHandle)
	}

	content := ""
	for _, strategy := range contentStrategies {
		if text := strategy(s, profile); utf8.RuneCountInString(text) > minContentRunes {
			content = text
			break
		}
	}
	if content == "" {
		content = stripMarkup(s.Nodes)
	}
	content = truncateRunes(content, maxContentRunes)

	if content == "" || link.url == "" {
		return Post{}, false
	}

	id := link.id
	if id == "" {
		id = fmt.Sprintf("%s_%s_%d", handle, digestKey(d), index)
	}

	return Post{
		ID:          id,
		Author:      author,
		Handle:      handle,
		Content:     content,
		URL:         link.url,
		PublishedAt: publishedAt(s, d),
	}, true
}

// digestKey identifies the digest inside fallback ids. Undated digests are
// keyed by their content since their timestamp changes on every fetch.
func digestKey(d Digest) string {
	if d.Undated {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(d.Source+"\n"+d.RawHTML)).String()[:8]
	}
	return strconv.FormatInt(d.PublishedAt.Unix(), 10)
}

// findProfileAnchor returns the first anchor linking to an account profile and
// the handle taken from its path
func findProfileAnchor(s *goquery.Selection) (*goquery.Selection, string) {
	var (
		anchor *goquery.Selection
		handle string
	)

	s.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		m := profileRegex.FindStringSubmatch(strings.TrimSpace(a.AttrOr("href", "")))
		if m == nil || reservedPaths[strings.ToLower(m[1])] {
			return true
		}
		anchor, handle = a, m[1]
		return false
	})

	return anchor, handle
}

type permalink struct {
	url    string
	id     string
	handle string
}

var permalinkStrategies = []func(*goquery.Selection) (permalink, bool){
	statusPermalink,
	labeledPermalink,
}

// statusPermalink finds the first anchor shaped like /<handle>/status/<digits>
func statusPermalink(s *goquery.Selection) (permalink, bool) {
	var link permalink

	s.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		m := permalinkRegex.FindStringSubmatch(href)
		if m == nil {
			return true
		}

		canonical := canonicalURL(href)
		if canonical == "" {
			return true
		}

		link = permalink{url: canonical, id: m[2]}
		if !reservedPaths[strings.ToLower(m[1])] {
			link.handle = m[1]
		}
		return false
	})

	return link, link.url != ""
}

// labeledPermalink accepts an anchor explicitly marked as the item link even
// when its URL carries no numeric identifier
func labeledPermalink(s *goquery.Selection) (permalink, bool) {
	var link permalink

	s.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		class := strings.ToLower(a.AttrOr("class", ""))
		if !strings.Contains(class, "permalink") && !viewLinkRegex.MatchString(a.Text()) {
			return true
		}

		if canonical := canonicalURL(a.AttrOr("href", "")); canonical != "" {
			link = permalink{url: canonical}
			return false
		}
		return true
	})

	return link, link.url != ""
}

type contentStrategy func(fragment, author *goquery.Selection) string

var contentStrategies = []contentStrategy{
	labeledParagraph,
	labeledContainer,
	afterAuthorBlock,
}

func labeledParagraph(s, _ *goquery.Selection) string {
	return stripMarkup(s.Find(`p[class*="text"], p[data-testid="tweetText"], p[lang]`).First().Nodes)
}

func labeledContainer(s, _ *goquery.Selection) string {
	return stripMarkup(s.Find(`div[class*="text"], span[class*="text"], div[data-testid="tweetText"]`).First().Nodes)
}

// afterAuthorBlock collects everything following the fragment child that
// holds the author link
func afterAuthorBlock(s, author *goquery.Selection) string {
	if author == nil {
		return ""
	}

	block := author
	for block.Parent().Length() > 0 && !block.Parent().IsSelection(s) {
		block = block.Parent()
	}
	if block.Parent().Length() == 0 {
		return ""
	}

	return stripMarkup(block.NextAll().Nodes)
}

func publishedAt(s *goquery.Selection, d Digest) time.Time {
	if raw, ok := s.Find("time[datetime]").First().Attr("datetime"); ok {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw)); err == nil {
			return t.UTC()
		}
	}
	return d.PublishedAt.UTC()
}

// canonicalURL drops query and fragment so the same item always has the same link
func canonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}

	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

var skipTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"tr": true, "td": true, "th": true, "table": true, "blockquote": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true, "hr": true,
}

// stripMarkup returns the readable text of the given nodes without scripts or styles
func stripMarkup(nodes []*html.Node) string {
	var sb strings.Builder

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}

		block := n.Type == html.ElementNode && blockTags[n.Data]
		if block {
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			sb.WriteByte(' ')
		}
	}

	for _, n := range nodes {
		walk(n)
	}

	return normalizeText(sb.String())
}

// normalizeText applies NFC and collapses all whitespace runs
func normalizeText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
