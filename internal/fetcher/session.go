package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"activityharvest/internal/config"
	"activityharvest/internal/robots"
	"activityharvest/pkg/types"
)

var ErrDisallowed = errors.New("disallowed by robots.txt")

// SessionOptions is the fixed part of every session.
type SessionOptions struct {
	BaseURL            *url.URL
	UserAgent          string
	Headers            map[string]string
	Timeout            time.Duration
	ConnectTimeout     time.Duration
	MaxBodyBytes       int64
	UseProxy           bool
	ProxyCheckURL      string
	ProxyCheckTimeout  time.Duration
	ProxyCheckAttempts int
}

// SessionOptionsFromConfig maps configuration onto session options.
func SessionOptionsFromConfig(cfg config.Config) (SessionOptions, error) {
	base, err := url.Parse(cfg.Fetch.BaseURL)
	if err != nil {
		return SessionOptions{}, fmt.Errorf("parse base url: %w", err)
	}
	return SessionOptions{
		BaseURL:            base,
		UserAgent:          cfg.Fetch.UserAgent,
		Headers:            cfg.Fetch.Headers,
		Timeout:            cfg.Fetch.RequestTimeout.Duration,
		ConnectTimeout:     cfg.Fetch.ConnectTimeout.Duration,
		MaxBodyBytes:       cfg.Fetch.MaxBodyBytes,
		UseProxy:           cfg.Credentials.UseProxy,
		ProxyCheckURL:      cfg.Fetch.ProxyCheckURL,
		ProxyCheckTimeout:  cfg.Fetch.ProxyCheckTimeout.Duration,
		ProxyCheckAttempts: cfg.Fetch.ProxyCheckAttempts,
	}, nil
}

// Sessions builds a new authenticated session for every fetch attempt.
type Sessions struct {
	opts   SessionOptions
	creds  CredentialProvider
	pacer  *Pacer
	robots *robots.Agent
	logger *slog.Logger

	probe func(ctx context.Context, proxy string) error
}

// NewSessions wires a session factory. pacer and robotsAgent may be nil.
func NewSessions(opts SessionOptions, creds CredentialProvider, pacer *Pacer, robotsAgent *robots.Agent, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sessions{
		opts:   opts,
		creds:  creds,
		pacer:  pacer,
		robots: robotsAgent,
		logger: logger,
	}
	s.probe = s.probeProxy
	return s
}

// Open returns a fresh session with a newly picked credential and proxy.
func (s *Sessions) Open(ctx context.Context) (Fetcher, error) {
	sess, err := s.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// NewSession is Open with the concrete session type.
func (s *Sessions) NewSession(ctx context.Context) (*Session, error) {
	cred, err := s.creds.Credential()
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	if s.opts.BaseURL != nil {
		jar.SetCookies(s.opts.BaseURL, ParseCookieHeader(cred.Cookie))
	}

	var proxy string
	if s.opts.UseProxy {
		proxy, err = s.selectProxy(ctx)
		if err != nil {
			return nil, err
		}
	}

	httpFetcher, err := NewHTTPFetcher(Options{
		UserAgent:      s.opts.UserAgent,
		Headers:        s.opts.Headers,
		Timeout:        s.opts.Timeout,
		ConnectTimeout: s.opts.ConnectTimeout,
		MaxBodyBytes:   s.opts.MaxBodyBytes,
		ProxyURL:       proxy,
		Jar:            jar,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		Email:  cred.Email,
		Proxy:  proxy,
		http:   httpFetcher,
		pacer:  s.pacer,
		robots: s.robots,
	}, nil
}

// selectProxy picks alive proxies until one answers the liveness probe. It
// gives up after ProxyCheckAttempts and falls back to a direct connection.
func (s *Sessions) selectProxy(ctx context.Context) (string, error) {
	attempts := s.opts.ProxyCheckAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		proxy, ok, err := s.creds.Proxy()
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil
		}
		proxy = normaliseProxy(proxy)
		if err := s.probe(ctx, proxy); err != nil {
			s.logger.Debug("proxy liveness check failed", "proxy", proxy, "error", err)
			continue
		}
		return proxy, nil
	}
	s.logger.Warn("no responsive proxy found, connecting directly", "attempts", attempts)
	return "", nil
}

func (s *Sessions) probeProxy(ctx context.Context, proxy string) error {
	if s.opts.ProxyCheckURL == "" {
		return nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}
	timeout := s.opts.ProxyCheckTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.ProxyCheckURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("proxy check %s: status %d", s.opts.ProxyCheckURL, resp.StatusCode)
	}
	return nil
}

func normaliseProxy(proxy string) string {
	if strings.Contains(proxy, "://") {
		return proxy
	}
	return "http://" + proxy
}

// ParseCookieHeader splits a browser "a=b; c=d" cookie header into cookies.
// Fragments without a name are dropped.
func ParseCookieHeader(header string) []*http.Cookie {
	parts := strings.Split(header, ";")
	out := make([]*http.Cookie, 0, len(parts))
	for _, part := range parts {
		name, value, _ := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, &http.Cookie{Name: name, Value: strings.TrimSpace(value), Path: "/"})
	}
	return out
}

// Session is one credential bound to one optional proxy.
type Session struct {
	Email string
	Proxy string

	http   *HTTPFetcher
	pacer  *Pacer
	robots *robots.Agent
}

// Fetch applies the robots gate and host pacing before requesting target.
func (s *Session) Fetch(ctx context.Context, target *url.URL) (*types.Page, error) {
	if target == nil {
		return nil, errors.New("request URL is nil")
	}
	if !s.robots.Allowed(ctx, target) {
		return nil, fmt.Errorf("%w: %s", ErrDisallowed, target)
	}
	if err := s.pacer.Wait(ctx, target.Hostname()); err != nil {
		return nil, err
	}
	return s.http.Fetch(ctx, target)
}
