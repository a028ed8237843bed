package core

import (
	"context"
	"sync"
	"time"
)

// TokenSource supplies bearer tokens for outbound service-to-service
// calls. Implementations are injected into HTTP clients instead of being
// read from process-wide state, so a stale credential can be replaced
// without restarting the worker.
type TokenSource interface {
	// Token returns a token valid at the time of the call.
	Token(ctx context.Context) (string, error)
	// ForceRefresh discards any cached token and fetches a fresh one.
	ForceRefresh(ctx context.Context) (string, error)
}

// StaticTokenSource returns the same token forever. Used when the token
// is provisioned externally (e.g. mounted secret).
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error)        { return string(s), nil }
func (s StaticTokenSource) ForceRefresh(context.Context) (string, error) { return string(s), nil }

// TokenFunc fetches a fresh token and reports its expiry.
type TokenFunc func(ctx context.Context) (token string, expiry time.Time, err error)

// CachedTokenSource wraps a TokenFunc with expiry-aware caching. A token
// is reused until it is within the refresh skew of expiring.
type CachedTokenSource struct {
	fetch TokenFunc
	skew  time.Duration
	now   func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewCachedTokenSource builds a caching source around fetch. Tokens are
// refreshed skew before their reported expiry.
func NewCachedTokenSource(fetch TokenFunc, skew time.Duration) *CachedTokenSource {
	return &CachedTokenSource{
		fetch: fetch,
		skew:  skew,
		now:   time.Now,
	}
}

// Token returns the cached token, refreshing it when expired or absent.
func (c *CachedTokenSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiry.Add(-c.skew)) {
		return c.token, nil
	}
	return c.refreshLocked(ctx)
}

// ForceRefresh discards the cached token and fetches a new one.
func (c *CachedTokenSource) ForceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *CachedTokenSource) refreshLocked(ctx context.Context) (string, error) {
	token, expiry, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.expiry = expiry
	return token, nil
}
