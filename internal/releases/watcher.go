package releases

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/TobiSchelling/ilicrawler/internal/config"
	"github.com/TobiSchelling/ilicrawler/internal/database"
	"github.com/TobiSchelling/ilicrawler/internal/observability"
)

// Result holds the results of a watcher check.
type Result struct {
	Found      int
	New        int
	Duplicates int
	Fetched    int
	Failed     int
}

// Store is the storage the watcher writes to.
type Store interface {
	ContentStore
	InsertRelease(guid, title string, link, publishedDate, content, feed *string) (bool, error)
}

// Watcher collects release entries from feeds and fetches their pages.
type Watcher struct {
	store    Store
	parser   *FeedParser
	fetcher  *ContentFetcher
	daysBack int
	logger   *zap.Logger
}

// NewWatcher creates a watcher from the releases configuration.
func NewWatcher(cfg config.Releases, store Store, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	feeds := make([]Feed, len(cfg.Feeds))
	for i, f := range cfg.Feeds {
		feeds[i] = Feed{URL: f.URL, Name: f.Name}
	}
	return &Watcher{
		store:    store,
		parser:   NewFeedParser(feeds, cfg.Timeout, logger),
		fetcher:  NewContentFetcher(store, cfg.Timeout, logger),
		daysBack: cfg.DaysBack,
		logger:   logger,
	}
}

// Check stores new feed entries, then fetches content for unfetched releases.
func (w *Watcher) Check(ctx context.Context) (*Result, error) {
	r := &Result{}

	entries := w.parser.ParseAll(ctx, w.daysBack)
	r.Found = len(entries)

	for _, e := range entries {
		isNew, err := w.store.InsertRelease(e.GUID, e.Title,
			optional(e.Link), optional(e.PublishedDate), optional(e.Summary), optional(e.Feed))
		if err != nil {
			return r, fmt.Errorf("storing release %q: %w", e.GUID, err)
		}
		if isNew {
			r.New++
			observability.ReleasesCollectedTotal.Inc()
		} else {
			r.Duplicates++
		}
	}

	w.logger.Info("Release check complete",
		zap.Int("found", r.Found),
		zap.Int("new", r.New),
		zap.Int("duplicates", r.Duplicates),
	)

	fr, err := w.fetcher.FetchPending(ctx)
	if fr != nil {
		r.Fetched = fr.Fetched
		r.Failed = fr.Failed
	}
	if err != nil {
		return r, fmt.Errorf("fetching release content: %w", err)
	}
	return r, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Store = (*database.DB)(nil)
