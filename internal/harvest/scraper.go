package harvest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"

	"activityharvest/internal/extract"
	"activityharvest/internal/fetcher"
	"activityharvest/internal/retry"
	"activityharvest/pkg/types"
)

const (
	pageFeed   = "feed"
	pageDetail = "detail"
)

// SessionOpener hands out a fresh authenticated session per fetch attempt.
type SessionOpener interface {
	Open(ctx context.Context) (fetcher.Fetcher, error)
}

// Scraper fetches profile feeds and activity pages with retries.
type Scraper struct {
	sessions          SessionOpener
	baseURL           *url.URL
	feedMaxAttempts   int
	detailMaxAttempts int
	metrics           *Metrics
	now               func() time.Time
}

// ScraperOptions configures a Scraper.
type ScraperOptions struct {
	BaseURL           *url.URL
	FeedMaxAttempts   int
	DetailMaxAttempts int
	Metrics           *Metrics
}

// NewScraper builds a scraper over sessions.
func NewScraper(sessions SessionOpener, opts ScraperOptions) *Scraper {
	if opts.FeedMaxAttempts <= 0 {
		opts.FeedMaxAttempts = 5
	}
	if opts.DetailMaxAttempts <= 0 {
		opts.DetailMaxAttempts = 36
	}
	return &Scraper{
		sessions:          sessions,
		baseURL:           opts.BaseURL,
		feedMaxAttempts:   opts.FeedMaxAttempts,
		detailMaxAttempts: opts.DetailMaxAttempts,
		metrics:           opts.Metrics,
		now:               time.Now,
	}
}

// FetchFeed returns the athlete's Run activities for the current month.
func (s *Scraper) FetchFeed(ctx context.Context, athleteID string) ([]types.ActivitySummary, error) {
	target := fetcher.ProfileURL(s.baseURL, athleteID, s.now())
	doc, err := retry.Do(ctx, s.feedMaxAttempts, func(ctx context.Context, _ int) (*goquery.Document, retry.Outcome, error) {
		doc, outcome, err := s.attemptFeed(ctx, target)
		s.metrics.attempt(pageFeed, outcome)
		return doc, outcome, err
	})
	if err != nil {
		return nil, err
	}
	return extract.ParseFeed(doc)
}

func (s *Scraper) attemptFeed(ctx context.Context, target *url.URL) (*goquery.Document, retry.Outcome, error) {
	sess, err := s.sessions.Open(ctx)
	if err != nil {
		return nil, retry.Terminal, fmt.Errorf("open session: %w", err)
	}
	page, err := sess.Fetch(ctx, target)
	if err != nil {
		return nil, classifyFetchErr(ctx, err), err
	}
	s.metrics.latency(pageFeed, page.ResponseLatency.Seconds())
	if !page.OK() {
		return nil, retry.Transient, fmt.Errorf("profile %s: status %d", target, page.StatusCode)
	}
	doc, err := extract.Parse(page.Body)
	if err != nil {
		return nil, retry.Transient, err
	}
	if !extract.LoggedIn(doc) {
		return nil, retry.Terminal, extract.ErrSessionExpired
	}
	return doc, retry.Success, nil
}

type detailPage struct {
	doc  *goquery.Document
	body string
}

// FetchDetail returns the parsed activity page. Only a 2xx page carrying the
// inline stats region counts as success.
func (s *Scraper) FetchDetail(ctx context.Context, activityID string) (extract.Detail, error) {
	target := fetcher.DetailURL(s.baseURL, activityID)
	page, err := retry.Do(ctx, s.detailMaxAttempts, func(ctx context.Context, _ int) (detailPage, retry.Outcome, error) {
		page, outcome, err := s.attemptDetail(ctx, target)
		s.metrics.attempt(pageDetail, outcome)
		return page, outcome, err
	})
	if err != nil {
		return extract.Detail{}, err
	}
	return extract.ParseDetail(page.doc, page.body)
}

func (s *Scraper) attemptDetail(ctx context.Context, target *url.URL) (detailPage, retry.Outcome, error) {
	sess, err := s.sessions.Open(ctx)
	if err != nil {
		return detailPage{}, retry.Terminal, fmt.Errorf("open session: %w", err)
	}
	page, err := sess.Fetch(ctx, target)
	if err != nil {
		return detailPage{}, classifyFetchErr(ctx, err), err
	}
	s.metrics.latency(pageDetail, page.ResponseLatency.Seconds())
	if !page.OK() {
		return detailPage{}, retry.Transient, fmt.Errorf("activity %s: status %d", target, page.StatusCode)
	}
	doc, err := extract.Parse(page.Body)
	if err != nil {
		return detailPage{}, retry.Transient, err
	}
	if !extract.HasInlineStats(doc) {
		return detailPage{}, retry.Transient, extract.ErrNoInlineStats
	}
	return detailPage{doc: doc, body: string(page.Body)}, retry.Success, nil
}

// classifyFetchErr treats network failures as transient. Robots denials and
// cancellation cannot improve on a later attempt.
func classifyFetchErr(ctx context.Context, err error) retry.Outcome {
	if errors.Is(err, fetcher.ErrDisallowed) || ctx.Err() != nil {
		return retry.Terminal
	}
	return retry.Transient
}
