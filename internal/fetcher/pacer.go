package fetcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings configures token-bucket style rate limiting per host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// Pacer enforces a per-host request rate shared by every session of a
// process. A nil Pacer or zero settings never block.
type Pacer struct {
	rate RateLimiterSettings

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPacer creates a pacer; it returns nil when rate limiting is disabled.
func NewPacer(rateCfg RateLimiterSettings) *Pacer {
	if rateCfg.Requests <= 0 || rateCfg.Window <= 0 {
		return nil
	}
	return &Pacer{rate: rateCfg, limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until the host's bucket admits one more request.
func (p *Pacer) Wait(ctx context.Context, host string) error {
	if p == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	p.mu.Lock()
	limiter := p.ensureLimiterLocked(host)
	p.mu.Unlock()

	return limiter.Wait(ctx)
}

func (p *Pacer) ensureLimiterLocked(host string) *rate.Limiter {
	limiter, ok := p.limiters[host]
	if ok {
		return limiter
	}
	interval := p.rate.Window / time.Duration(p.rate.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter = rate.NewLimiter(rate.Every(interval), p.rate.Requests)
	p.limiters[host] = limiter
	return limiter
}
