package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimiter holds one token bucket per client. Buckets idle for a full
// period are evicted; a fresh bucket is full, so eviction loses nothing.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	period  time.Duration
	buckets *gocache.Cache
}

// NewRateLimiter parses a limit such as "60/minute" or "10 per second".
// An empty limit or "0" disables limiting and returns nil.
func NewRateLimiter(limit string) (*RateLimiter, error) {
	limit = strings.TrimSpace(limit)
	if limit == "" || limit == "0" {
		return nil, nil
	}
	n, period, err := ParseRate(limit)
	if err != nil {
		return nil, err
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(n) / period.Seconds()),
		burst:   n,
		period:  period,
		buckets: gocache.New(period, 2*period),
	}, nil
}

// ParseRate parses "<count>/<unit>" or "<count> per <unit>".
// Units: second, minute, hour, day (singular, plural or s/m/h/d).
func ParseRate(limit string) (int, time.Duration, error) {
	var count, unit string
	if c, u, ok := strings.Cut(limit, "/"); ok {
		count, unit = c, u
	} else if c, u, ok := strings.Cut(limit, " per "); ok {
		count, unit = c, u
	} else {
		return 0, 0, fmt.Errorf("ParseRate: %q: expected <count>/<unit>", limit)
	}

	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("ParseRate: %q: count must be a positive integer", limit)
	}

	var period time.Duration
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "s", "sec", "second", "seconds":
		period = time.Second
	case "m", "min", "minute", "minutes":
		period = time.Minute
	case "h", "hour", "hours":
		period = time.Hour
	case "d", "day", "days":
		period = 24 * time.Hour
	default:
		return 0, 0, fmt.Errorf("ParseRate: %q: unknown unit %q", limit, unit)
	}
	return n, period, nil
}

// Allow reports whether key may make another request now.
func (l *RateLimiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

func (l *RateLimiter) bucket(key string) *rate.Limiter {
	if v, ok := l.buckets.Get(key); ok {
		lim := v.(*rate.Limiter)
		l.buckets.Set(key, lim, gocache.DefaultExpiration)
		return lim
	}

	lim := rate.NewLimiter(l.limit, l.burst)
	if err := l.buckets.Add(key, lim, gocache.DefaultExpiration); err != nil {
		// Another request created the bucket first.
		if v, ok := l.buckets.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}
