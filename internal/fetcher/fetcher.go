// Package fetcher issues authenticated page requests against the tracking
// site: one HTTP client per session, bound to a single cookie and an optional
// proxy.
package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"activityharvest/pkg/types"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultDialTimeout  = 10 * time.Second
	defaultMaxBodyBytes = 6 << 20
)

// Fetcher retrieves a single page.
type Fetcher interface {
	Fetch(ctx context.Context, target *url.URL) (*types.Page, error)
}

// Options controls one HTTP client.
type Options struct {
	UserAgent      string
	Headers        map[string]string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxBodyBytes   int64
	ProxyURL       string
	Jar            http.CookieJar
}

// HTTPFetcher implements Fetcher over a dedicated http.Client.
type HTTPFetcher struct {
	client  *http.Client
	header  http.Header
	maxBody int64
}

// NewHTTPFetcher builds a fetcher; zero options fall back to defaults.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	transport, err := newTransport(opts)
	if err != nil {
		return nil, err
	}
	return &HTTPFetcher{
		client:  &http.Client{Timeout: opts.Timeout, Transport: transport, Jar: opts.Jar},
		header:  requestHeader(opts.UserAgent, opts.Headers),
		maxBody: opts.MaxBodyBytes,
	}, nil
}

func newTransport(opts Options) (*http.Transport, error) {
	dial := opts.ConnectTimeout
	if dial <= 0 {
		dial = defaultDialTimeout
	}
	t := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: dial, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: dial,
		MaxIdleConns:        4,
		IdleConnTimeout:     30 * time.Second,
	}
	if p := strings.TrimSpace(opts.ProxyURL); p != "" {
		proxy, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url %q: %w", p, err)
		}
		t.Proxy = http.ProxyURL(proxy)
	}
	return t, nil
}

// requestHeader merges browser-like defaults with configured headers, which
// win on conflict.
func requestHeader(userAgent string, extra map[string]string) http.Header {
	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.8")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	for k, v := range extra {
		h.Set(k, v)
	}
	return h
}

// Fetch issues one GET. Any HTTP status is returned as a page; only
// transport and decoding failures are errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, target *url.URL) (*types.Page, error) {
	if target == nil {
		return nil, errors.New("request URL is nil")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = f.header.Clone()

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", target.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"), f.maxBody)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", target.Redacted(), err)
	}

	page := &types.Page{
		URL:             target,
		FinalURL:        resp.Request.URL,
		Body:            body,
		ContentType:     resp.Header.Get("Content-Type"),
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header.Clone(),
		FetchedAt:       time.Now(),
		ResponseLatency: time.Since(start),
	}
	if page.FinalURL == nil {
		page.FinalURL = target
	}
	return page, nil
}

// decodeBody undoes Content-Encoding and reads at most limit bytes.
func decodeBody(r io.Reader, encoding string, limit int64) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fl := flate.NewReader(r)
		defer fl.Close()
		r = fl
	case "br":
		r = brotli.NewReader(r)
	}

	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", limit)
	}
	return body, nil
}
