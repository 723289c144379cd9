package proxy

import (
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// tokenCache holds one bearer token per effective user. Expiry already has the
// safety margin subtracted, so a token is usable while now is before Expiry.
type tokenCache struct {
	mu     sync.RWMutex
	tokens map[string]*oauth2.Token
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[string]*oauth2.Token)}
}

// get returns the cached token for user, or nil when absent or used up
func (c *tokenCache) get(user string, now time.Time) *oauth2.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()

	token, ok := c.tokens[user]
	if !ok || token.AccessToken == "" || !now.Before(token.Expiry) {
		return nil
	}
	return token
}

// put stores token for user. Concurrent refreshes of the same user race; last write wins.
func (c *tokenCache) put(user string, token *oauth2.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[user] = token
}

// size returns the number of cached entries, used or not
func (c *tokenCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tokens)
}
