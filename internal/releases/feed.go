// Package releases watches surveillance report feeds for new FluView releases.
package releases

import (
	"context"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
)

const maxPerFeed = 20

// Entry is a parsed feed item.
type Entry struct {
	GUID          string
	Link          string
	Title         string
	PublishedDate string // YYYY-MM-DD or empty
	Summary       string
	Feed          string
}

// Feed is a single feed to watch.
type Feed struct {
	URL  string
	Name string
}

// FeedParser parses RSS/Atom feeds.
type FeedParser struct {
	feeds  []Feed
	parser *gofeed.Parser
	logger *zap.Logger
}

// NewFeedParser creates a new FeedParser.
func NewFeedParser(feeds []Feed, timeout time.Duration, logger *zap.Logger) *FeedParser {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: timeout}
	return &FeedParser{feeds: feeds, parser: parser, logger: logger}
}

// ParseAll parses every feed and returns entries published within daysBack.
// A feed that fails to parse is logged and skipped.
func (fp *FeedParser) ParseAll(ctx context.Context, daysBack int) []Entry {
	cutoff := time.Now().AddDate(0, 0, -daysBack)
	var all []Entry

	for _, f := range fp.feeds {
		name := f.Name
		if name == "" {
			name = sourceName(f.URL)
		}

		entries, err := fp.parseFeed(ctx, f.URL, name, cutoff)
		if err != nil {
			fp.logger.Warn("Failed to parse feed", zap.String("feed", f.URL), zap.Error(err))
			continue
		}
		all = append(all, entries...)
		fp.logger.Info("Parsed feed",
			zap.String("feed", name),
			zap.Int("entries", len(entries)),
			zap.Int("days_back", daysBack),
		)
	}

	return all
}

func (fp *FeedParser) parseFeed(ctx context.Context, feedURL, name string, cutoff time.Time) ([]Entry, error) {
	feed, err := fp.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, item := range feed.Items {
		if len(entries) >= maxPerFeed {
			break
		}
		e, ok := parseItem(item, name)
		if !ok {
			continue
		}
		if withinWindow(e.PublishedDate, cutoff) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func parseItem(item *gofeed.Item, feed string) (Entry, bool) {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return Entry{}, false
	}

	guid := item.GUID
	if guid == "" {
		guid = item.Link
	}
	if guid == "" {
		return Entry{}, false
	}

	var published string
	if item.PublishedParsed != nil {
		published = item.PublishedParsed.Format("2006-01-02")
	} else if item.UpdatedParsed != nil {
		published = item.UpdatedParsed.Format("2006-01-02")
	}

	summary := item.Content
	if summary == "" {
		summary = item.Description
	}

	return Entry{
		GUID:          guid,
		Link:          item.Link,
		Title:         title,
		PublishedDate: published,
		Summary:       stripHTML(summary),
		Feed:          feed,
	}, true
}

// withinWindow keeps undated entries.
func withinWindow(published string, cutoff time.Time) bool {
	if published == "" {
		return true
	}
	t, err := time.Parse("2006-01-02", published)
	if err != nil {
		return true
	}
	return !t.Before(cutoff.Truncate(24 * time.Hour))
}

func stripHTML(text string) string {
	var b strings.Builder
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
			b.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(html.UnescapeString(b.String())), " ")
}

// sourceName derives a display name from a feed host, e.g. "Cdc" for
// https://www.cdc.gov/rss.
func sourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "rss.", "feeds.", "tools."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
