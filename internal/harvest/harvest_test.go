package harvest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"activityharvest/internal/config"
	"activityharvest/internal/extract"
	"activityharvest/internal/fetcher"
	"activityharvest/internal/logging"
	"activityharvest/pkg/types"
)

type fakeRepo struct {
	mu       sync.Mutex
	users    []types.User
	stored   map[int64]types.NormalizedActivity
	countErr error
	panicAt  map[int64]bool
	exists   atomic.Int64
}

func newFakeRepo(users ...types.User) *fakeRepo {
	return &fakeRepo{users: users, stored: make(map[int64]types.NormalizedActivity)}
}

func (r *fakeRepo) GetUsers(_ context.Context, limit, offset int64) ([]types.User, int64, error) {
	if r.countErr != nil {
		return nil, 0, r.countErr
	}
	if r.panicAt[offset] && limit != 1 {
		panic("boom")
	}
	total := int64(len(r.users))
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return append([]types.User(nil), r.users[offset:end]...), total, nil
}

func (r *fakeRepo) ActivityExists(_ context.Context, id int64) (bool, error) {
	r.exists.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stored[id]
	return ok, nil
}

func (r *fakeRepo) CreateActivities(_ context.Context, records []types.NormalizedActivity) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range records {
		if _, ok := r.stored[rec.ActivityID]; ok {
			continue
		}
		r.stored[rec.ActivityID] = rec
		n++
	}
	return n, nil
}

func (r *fakeRepo) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.stored))
	for id := range r.stored {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fakeSite serves canned pages keyed by path and counts requests.
type fakeSite struct {
	mu       sync.Mutex
	handlers map[string]func(n int) *types.Page
	calls    map[string]int
	opens    atomic.Int64
}

func newFakeSite() *fakeSite {
	return &fakeSite{handlers: make(map[string]func(int) *types.Page), calls: make(map[string]int)}
}

func (s *fakeSite) Open(context.Context) (fetcher.Fetcher, error) {
	s.opens.Add(1)
	return s, nil
}

func (s *fakeSite) Fetch(_ context.Context, target *url.URL) (*types.Page, error) {
	s.mu.Lock()
	s.calls[target.Path]++
	n := s.calls[target.Path]
	h, ok := s.handlers[target.Path]
	s.mu.Unlock()
	if !ok {
		return &types.Page{URL: target, StatusCode: http.StatusNotFound}, nil
	}
	page := h(n)
	if page == nil {
		return nil, errors.New("connection reset")
	}
	page.URL = target
	return page, nil
}

func (s *fakeSite) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

func (s *fakeSite) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func ok(body string) func(int) *types.Page {
	return func(int) *types.Page { return &types.Page{StatusCode: http.StatusOK, Body: []byte(body)} }
}

func profileHTML(t *testing.T, loggedIn bool, activityIDs ...string) string {
	t.Helper()
	entries := make([]types.FeedEntry, 0, len(activityIDs))
	for _, id := range activityIDs {
		entries = append(entries, types.FeedEntry{
			Entity:   "Activity",
			Activity: &types.ActivitySummary{ID: id, Type: "Run", StartDate: "2024-05-01", Athlete: types.Athlete{ID: "a", Name: "A"}},
		})
	}
	props, err := json.Marshal(types.FeedProps{AppContext: types.AppContext{Entries: entries}})
	require.NoError(t, err)
	class := "logged-out"
	if loggedIn {
		class = "logged-in"
	}
	attr := strings.ReplaceAll(string(props), `"`, "&quot;")
	return `<html><body class="` + class + `"><div class="react-feed-component" data-react-props="` + attr + `"></div></body></html>`
}

const activityHTML = `<html><body class="logged-in">
<ul class="inline-stats"><li><strong>5:30 /km</strong><div class="label">Pace</div></li></ul>
<script>pageView.activity().set({
  distance: 5000.4,
  moving_time: 1650
});</script>
</body></html>`

func newTestEngine(repo Repository, site *fakeSite, settings Settings, opts ...EngineOption) *Engine {
	base, _ := url.Parse("https://tracker.test")
	scraper := NewScraper(site, ScraperOptions{BaseURL: base, FeedMaxAttempts: 5, DetailMaxAttempts: 36})
	e := NewEngine(repo, scraper, settings, logging.Discard(), opts...)
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e
}

func TestRunWorkerSkipsStoredActivitiesWithoutFetching(t *testing.T) {
	repo := newFakeRepo(types.User{ID: 1, ExternalID: "100"})
	repo.stored[11] = types.NormalizedActivity{ActivityID: 11}

	site := newFakeSite()
	site.handlers["/athletes/100"] = ok(profileHTML(t, true, "11", "12"))
	site.handlers["/activities/11/overview"] = ok(activityHTML)
	site.handlers["/activities/12/overview"] = ok(activityHTML)

	summary, err := newTestEngine(repo, site, Settings{MaxConcurrentTasks: 2}).RunWorker(context.Background(), RunRequest{})
	require.NoError(t, err)

	require.Zero(t, site.count("/activities/11/overview"))
	require.Equal(t, 1, site.count("/activities/12/overview"))
	require.Equal(t, 1, summary.Inserted)
	require.Equal(t, 1, summary.Athletes)
	require.Equal(t, []int64{11, 12}, repo.ids())

	rec := repo.stored[12]
	require.Equal(t, int32(5000), *rec.DistanceM)
	require.Equal(t, int16(330), *rec.PaceSecPerKm)
}

func TestNonNumericActivityIDIsNeverFetched(t *testing.T) {
	repo := newFakeRepo(types.User{ID: 1, ExternalID: "100"})
	site := newFakeSite()
	site.handlers["/athletes/100"] = ok(profileHTML(t, true, "abc", "7"))
	site.handlers["/activities/abc/overview"] = ok(activityHTML)
	site.handlers["/activities/7/overview"] = ok(activityHTML)

	summary, err := newTestEngine(repo, site, Settings{MaxConcurrentTasks: 1}).RunWorker(context.Background(), RunRequest{})
	require.NoError(t, err)

	require.Zero(t, site.count("/activities/abc/overview"))
	require.Equal(t, 1, site.count("/activities/7/overview"))
	require.Equal(t, 1, summary.Inserted)
	require.Equal(t, []int64{7}, repo.ids())
	require.Equal(t, int64(1), repo.exists.Load())
}

func TestUndecodableFeedPayloadIsLoggedAtDebug(t *testing.T) {
	repo := newFakeRepo(types.User{ID: 1, ExternalID: "100"})
	site := newFakeSite()
	site.handlers["/athletes/100"] = ok(`<html><body class="logged-in">` +
		`<div class="react-feed-component" data-react-props="{broken-feed"></div></body></html>`)

	var buf bytes.Buffer
	logger, err := logging.New(config.LoggingConfig{Level: "debug", Structured: true}, &buf)
	require.NoError(t, err)

	base, _ := url.Parse("https://tracker.test")
	scraper := NewScraper(site, ScraperOptions{BaseURL: base})
	engine := NewEngine(repo, scraper, Settings{MaxConcurrentTasks: 1}, logger)
	engine.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	summary, err := engine.RunWorker(context.Background(), RunRequest{})
	require.NoError(t, err)
	require.Zero(t, summary.Inserted)
	require.Equal(t, 1, site.count("/athletes/100"))

	var found bool
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["msg"] == "undecodable feed payload" {
			found = true
			require.Equal(t, "DEBUG", entry["level"])
			require.Equal(t, "{broken-feed", entry["payload"])
			require.Equal(t, "100", entry["athlete"])
		}
	}
	require.True(t, found, "payload not logged: %s", buf.String())
}

func TestRunWorkerNeverFetchesSentinelUsers(t *testing.T) {
	repo := newFakeRepo(
		types.User{ID: 1, ExternalID: "-"},
		types.User{ID: 2, ExternalID: ""},
		types.User{ID: 3, ExternalID: "300"},
	)
	site := newFakeSite()
	site.handlers["/athletes/300"] = ok(profileHTML(t, true))

	summary, err := newTestEngine(repo, site, Settings{}).RunWorker(context.Background(), RunRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, site.total())
	require.Equal(t, 1, site.count("/athletes/300"))
	require.Zero(t, site.count("/athletes/-"))
	require.Equal(t, 1, summary.Athletes)
	require.Zero(t, summary.Inserted)
}

func TestExpiredSessionIsNotRetried(t *testing.T) {
	repo := newFakeRepo(types.User{ID: 1, ExternalID: "100"})
	site := newFakeSite()
	site.handlers["/athletes/100"] = ok(profileHTML(t, false, "12"))

	summary, err := newTestEngine(repo, site, Settings{}).RunWorker(context.Background(), RunRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, site.count("/athletes/100"))
	require.Zero(t, site.count("/activities/12/overview"))
	require.Zero(t, summary.Inserted)
}

func TestFeedRetriesTransientFailures(t *testing.T) {
	site := newFakeSite()
	page := profileHTML(t, true, "12")
	site.handlers["/athletes/100"] = func(n int) *types.Page {
		switch n {
		case 1:
			return nil
		case 2:
			return &types.Page{StatusCode: http.StatusTooManyRequests}
		default:
			return &types.Page{StatusCode: http.StatusOK, Body: []byte(page)}
		}
	}
	base, _ := url.Parse("https://tracker.test")
	scraper := NewScraper(site, ScraperOptions{BaseURL: base})

	got, err := scraper.FetchFeed(context.Background(), "100")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 3, site.count("/athletes/100"))
	require.Equal(t, int64(3), site.opens.Load())
}

func TestFeedGivesUpAfterCap(t *testing.T) {
	site := newFakeSite()
	site.handlers["/athletes/100"] = func(int) *types.Page { return &types.Page{StatusCode: http.StatusBadGateway} }
	base, _ := url.Parse("https://tracker.test")
	scraper := NewScraper(site, ScraperOptions{BaseURL: base, FeedMaxAttempts: 5})

	_, err := scraper.FetchFeed(context.Background(), "100")
	require.Error(t, err)
	require.Equal(t, 5, site.count("/athletes/100"))
}

func TestDetailRetriesUntilInlineStats(t *testing.T) {
	site := newFakeSite()
	site.handlers["/activities/12/overview"] = func(n int) *types.Page {
		if n < 4 {
			return &types.Page{StatusCode: http.StatusOK, Body: []byte(`<html><body class="logged-in"></body></html>`)}
		}
		return &types.Page{StatusCode: http.StatusOK, Body: []byte(activityHTML)}
	}
	base, _ := url.Parse("https://tracker.test")
	scraper := NewScraper(site, ScraperOptions{BaseURL: base, DetailMaxAttempts: 36})

	d, err := scraper.FetchDetail(context.Background(), "12")
	require.NoError(t, err)
	require.Equal(t, "5:30/km", d.Stats["pace"])
	require.Equal(t, 4, site.count("/activities/12/overview"))

	site.handlers["/activities/13/overview"] = ok(`<html><body class="logged-in"></body></html>`)
	scraper.detailMaxAttempts = 3
	_, err = scraper.FetchDetail(context.Background(), "13")
	require.ErrorIs(t, err, extract.ErrNoInlineStats)
	require.Equal(t, 3, site.count("/activities/13/overview"))
}

func TestPanickingBatchDoesNotStopSiblings(t *testing.T) {
	users := make([]types.User, 0, 8)
	for i := 0; i < 8; i++ {
		users = append(users, types.User{ID: int64(i), ExternalID: string(rune('a' + i))})
	}
	repo := newFakeRepo(users...)
	repo.panicAt = map[int64]bool{0: true}
	site := newFakeSite()
	for _, u := range users {
		site.handlers["/athletes/"+u.ExternalID] = ok(profileHTML(t, true))
	}

	summary, err := newTestEngine(repo, site, Settings{MaxConcurrentTasks: 3}).RunWorker(context.Background(), RunRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.FailedBatches)
	require.Greater(t, summary.Batches, 1)
	require.Zero(t, site.count("/athletes/a"))
	require.Equal(t, 1, site.count("/athletes/h"))
}

func TestRunWorkerNegativeOffsetIsNoop(t *testing.T) {
	repo := newFakeRepo(types.User{ID: 1, ExternalID: "100"})
	site := newFakeSite()
	summary, err := newTestEngine(repo, site, Settings{}).RunWorker(context.Background(), RunRequest{Offset: -1})
	require.NoError(t, err)
	require.Zero(t, summary.Batches)
	require.Zero(t, site.total())
}

func TestRunWorkerCountFailureIsFatal(t *testing.T) {
	repo := newFakeRepo()
	repo.countErr = errors.New("db down")
	_, err := newTestEngine(repo, newFakeSite(), Settings{}).RunWorker(context.Background(), RunRequest{})
	require.ErrorContains(t, err, "db down")
}

func TestShardedRunsCoverEveryUserOnce(t *testing.T) {
	users := make([]types.User, 0, 10)
	for i := 0; i < 10; i++ {
		users = append(users, types.User{ID: int64(i), ExternalID: string(rune('a' + i))})
	}
	repo := newFakeRepo(users...)
	site := newFakeSite()
	for _, u := range users {
		site.handlers["/athletes/"+u.ExternalID] = ok(profileHTML(t, true))
	}
	e := newTestEngine(repo, site, Settings{MaxConcurrentTasks: 2})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for id := int64(0); id < 3; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, errs[id] = e.RunWorker(context.Background(), RunRequest{Jobs: 3, JobID: id})
		}(id)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	for _, u := range users {
		require.Equal(t, 1, site.count("/athletes/"+u.ExternalID), u.ExternalID)
	}
}

type recordingTracker struct {
	mu       sync.Mutex
	started  []string
	finished []types.RunSummary
}

func (r *recordingTracker) RunStarted(runID string, _ int64, _ types.JobRange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, runID)
}

func (r *recordingTracker) RunFinished(_ string, s types.RunSummary, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, s)
}

func TestRunWorkerReportsMetricsAndTracker(t *testing.T) {
	repo := newFakeRepo(types.User{ID: 1, ExternalID: "100"})
	site := newFakeSite()
	site.handlers["/athletes/100"] = ok(profileHTML(t, true, "12"))
	site.handlers["/activities/12/overview"] = ok(activityHTML)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	tracker := &recordingTracker{}
	e := newTestEngine(repo, site, Settings{}, WithMetrics(metrics), WithTracker(tracker))
	e.scraper.metrics = metrics

	_, err := e.RunWorker(context.Background(), RunRequest{})
	require.NoError(t, err)

	require.Len(t, tracker.started, 1)
	require.Len(t, tracker.finished, 1)
	require.Equal(t, 1, tracker.finished[0].Inserted)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.activities.WithLabelValues("inserted")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.fetchAttempts.WithLabelValues(pageDetail, "success")))
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool, err := NewWorkerPool(context.Background(), 2, logging.Discard())
	require.NoError(t, err)

	var running, peak atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		}))
	}
	pool.Close()
	require.LessOrEqual(t, peak.Load(), int64(2))
	require.Error(t, pool.Submit(context.Background(), func(context.Context) {}))
}

func TestDeduplicatorRemembers(t *testing.T) {
	repo := newFakeRepo()
	d := NewDeduplicator(repo, 10)

	require.NoError(t, d.Check(context.Background(), "5"))
	d.Remember(5)
	require.ErrorIs(t, d.Check(context.Background(), "5"), ErrAlreadyExists)
	require.Equal(t, int64(1), repo.exists.Load())

	repo.stored[0] = types.NormalizedActivity{}
	require.ErrorIs(t, d.Check(context.Background(), "not-a-number"), ErrAlreadyExists)
}
