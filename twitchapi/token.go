package twitchapi

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// NOTE: This token CANNOT be used for IRC chat; chat requires a user (bot)
// OAuth token with chat:read/chat:edit scopes.
type TokenSource struct {
	ClientID     string
	ClientSecret string

	mu  sync.Mutex
	src oauth2.TokenSource
}

// Get returns a valid (fresh or cached) app access token. The underlying
// oauth2 token source handles caching and renewal.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	if ts.src == nil {
		cfg := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     IDBaseURL + "/oauth2/token",
			// Twitch expects credentials in the request body, not basic auth.
			AuthStyle: oauth2.AuthStyleInParams,
		}
		ts.src = cfg.TokenSource(context.Background())
	}
	src := ts.src
	ts.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
