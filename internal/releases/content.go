package releases

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/TobiSchelling/ilicrawler/internal/database"
)

const minContentLength = 100

// FetchResult holds the results of a content fetch pass.
type FetchResult struct {
	Fetched int
	Failed  int
}

// ContentStore is the subset of storage the content fetcher needs.
type ContentStore interface {
	GetReleasesNeedingFetch() ([]database.Release, error)
	UpdateReleaseContent(guid string, content *string) error
	MarkReleaseFetchAttempted(guid string) error
}

// ContentFetcher downloads release pages and extracts their readable text.
type ContentFetcher struct {
	store  ContentStore
	client *http.Client
	logger *zap.Logger
}

// NewContentFetcher creates a new content fetcher.
func NewContentFetcher(store ContentStore, timeout time.Duration, logger *zap.Logger) *ContentFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContentFetcher{
		store: store,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		logger: logger,
	}
}

// FetchPending fetches text for every release that has not been fetched.
// After an HTTP error status, remaining releases on the same host are marked
// attempted without a request.
func (f *ContentFetcher) FetchPending(ctx context.Context) (*FetchResult, error) {
	pending, err := f.store.GetReleasesNeedingFetch()
	if err != nil {
		return nil, fmt.Errorf("listing releases to fetch: %w", err)
	}

	result := &FetchResult{}
	failedHosts := make(map[string]struct{})

	for _, rel := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		link := *rel.Link
		host := ""
		if u, err := url.Parse(link); err == nil {
			host = strings.ToLower(u.Host)
		}

		if _, failed := failedHosts[host]; failed {
			if err := f.store.MarkReleaseFetchAttempted(rel.GUID); err != nil {
				return result, err
			}
			result.Failed++
			continue
		}

		text, statusErr := f.fetchText(ctx, link)
		if statusErr != nil {
			if host != "" {
				failedHosts[host] = struct{}{}
			}
			f.logger.Warn("HTTP error, skipping host", zap.String("url", link), zap.String("host", host), zap.Error(statusErr))
		}

		if text == "" {
			if err := f.store.MarkReleaseFetchAttempted(rel.GUID); err != nil {
				return result, err
			}
			result.Failed++
			continue
		}

		if err := f.store.UpdateReleaseContent(rel.GUID, &text); err != nil {
			return result, err
		}
		result.Fetched++
		f.logger.Debug("Fetched release content", zap.String("title", rel.Title))
	}

	f.logger.Info("Content fetch complete", zap.Int("fetched", result.Fetched), zap.Int("failed", result.Failed))
	return result, nil
}

// fetchText returns an error only for HTTP error statuses. Connection and
// extraction failures yield empty text.
func (f *ContentFetcher) fetchText(ctx context.Context, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", nil
	}
	req.Header.Set("User-Agent", "ilicrawler/1.0 (release watcher)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil
	}

	pageURL, _ := url.Parse(link)
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return "", nil
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > minContentLength {
		return text, nil
	}
	return "", nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.code, http.StatusText(e.code))
}
