package api

import (
	"sync"

	"golang.org/x/time/rate"

	"hexclaim.io/internal/tuning"
)

// limiters keeps one token bucket per player.
type limiters struct {
	mu    sync.Mutex
	every rate.Limit
	burst int
	by    map[string]*rate.Limiter
}

func newLimiters(cfg tuning.RateLimits) *limiters {
	l := &limiters{every: rate.Limit(cfg.RPCPerSecond), burst: cfg.RPCBurst, by: map[string]*rate.Limiter{}}
	if cfg.RPCPerSecond <= 0 {
		l.every = rate.Inf
	}
	if l.burst <= 0 {
		l.burst = 1
	}
	return l
}

func (l *limiters) get(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.by[id]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.by[id] = lim
	}
	return lim
}

func (l *limiters) Allow(id string) bool { return l.get(id).Allow() }
