// Package robots gates page requests on the target host's robots.txt.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"activityharvest/internal/config"
)

const defaultTTL = 30 * time.Minute

// Agent evaluates robots.txt rules for every session of a process. Rules are
// cached per host; concurrent misses for one host share a single download.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool
	now       func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	hosts map[string]hostRules
}

type hostRules struct {
	expires time.Time
	group   *robotstxt.Group
}

// NewAgent builds an agent. client may be nil.
func NewAgent(cfg config.RobotsConfig, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Agent{
		client:    client,
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		now:       time.Now,
		hosts:     make(map[string]hostRules),
	}
}

// Allowed reports whether target may be requested. A nil or disabled agent
// allows everything, as does a host whose rules cannot be fetched.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if a == nil || !a.respect {
		return true
	}
	if target == nil || !target.IsAbs() {
		return false
	}
	group, err := a.lookup(ctx, target)
	if err != nil || group == nil {
		return true
	}
	return group.Test(target.EscapedPath())
}

func (a *Agent) lookup(ctx context.Context, target *url.URL) (*robotstxt.Group, error) {
	host := strings.ToLower(target.Host)

	a.mu.RLock()
	entry, ok := a.hosts[host]
	a.mu.RUnlock()
	if ok && a.now().Before(entry.expires) {
		return entry.group, nil
	}

	v, err, _ := a.group.Do(host, func() (any, error) {
		data, err := a.download(ctx, target.Scheme, target.Host)
		if err != nil {
			return nil, err
		}
		group := data.FindGroup(a.userAgent)
		a.mu.Lock()
		a.hosts[host] = hostRules{expires: a.now().Add(a.ttl), group: group}
		a.mu.Unlock()
		return group, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*robotstxt.Group), nil
}

func (a *Agent) download(ctx context.Context, scheme, host string) (*robotstxt.RobotsData, error) {
	robotsURL := (&url.URL{Scheme: scheme, Host: host, Path: "/robots.txt"}).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" && a.userAgent != "*" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", robotsURL, err)
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", robotsURL, err)
	}
	return data, nil
}
