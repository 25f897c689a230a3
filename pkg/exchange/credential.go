package exchange

import (
	"context"
	"sync"
	"time"
)

// Credential is a refreshable bearer token.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// credentialCache holds the current bearer credential and coalesces
// concurrent refreshes: while one refresh is in flight every other caller
// waits on the same result instead of issuing its own bootstrap call.
type credentialCache struct {
	refresh func(ctx context.Context) (Credential, error)
	skew    time.Duration // refresh this early before expiry
	now     func() time.Time

	mu       sync.Mutex
	cred     Credential
	inflight chan struct{} // non-nil while a refresh runs; closed on completion
	lastErr  error
}

func newCredentialCache(skew time.Duration, refresh func(ctx context.Context) (Credential, error)) *credentialCache {
	return &credentialCache{
		refresh: refresh,
		skew:    skew,
		now:     time.Now,
	}
}

func (c *credentialCache) valid() bool {
	return c.cred.Token != "" && c.cred.ExpiresAt.After(c.now().Add(c.skew))
}

// Token returns a credential valid beyond now+skew, refreshing
// synchronously if needed.
func (c *credentialCache) Token(ctx context.Context) (string, error) {
	for {
		c.mu.Lock()
		if c.valid() {
			token := c.cred.Token
			c.mu.Unlock()
			return token, nil
		}

		if c.inflight != nil {
			// Another caller is already refreshing; wait for it and
			// share its outcome.
			wait := c.inflight
			c.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			c.mu.Lock()
			if c.valid() {
				token := c.cred.Token
				c.mu.Unlock()
				return token, nil
			}
			err := c.lastErr
			c.mu.Unlock()
			if err != nil {
				return "", err
			}
			continue // refreshed but already stale; try again
		}

		done := make(chan struct{})
		c.inflight = done
		c.mu.Unlock()

		cred, err := c.refresh(ctx)

		c.mu.Lock()
		if err == nil {
			c.cred = cred
		}
		c.lastErr = err
		c.inflight = nil
		c.mu.Unlock()
		close(done)

		if err != nil {
			return "", err
		}
		return cred.Token, nil
	}
}

// Invalidate drops the cached credential, forcing the next Token call to
// refresh. Used when the exchange rejects a token before its expiry.
func (c *credentialCache) Invalidate() {
	c.mu.Lock()
	c.cred = Credential{}
	c.mu.Unlock()
}
