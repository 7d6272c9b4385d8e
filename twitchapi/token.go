package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
)

// appTokenLeeway is how long before expiry a cached app token is replaced.
const appTokenLeeway = time.Minute

// TokenSource hands out a Twitch app access token (client credentials grant) and
// caches it until shortly before expiry. It carries no user scopes; identity lookups
// are the only thing it is used for.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu  sync.Mutex
	tok *oauth2.Token
}

// Get returns a cached app token or fetches a new one. Concurrent callers wait for
// a single fetch.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tok != nil && time.Until(ts.tok.Expiry) > appTokenLeeway {
		return ts.tok.AccessToken, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	conf := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     twitch.Endpoint.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := conf.Token(ctx)
	if err != nil {
		return "", err
	}
	ts.tok = tok
	return tok.AccessToken, nil
}

// AccessToken implements Authorizer.
func (ts *TokenSource) AccessToken(ctx context.Context) (string, error) { return ts.Get(ctx) }

// SetToken seeds the cache.
func (ts *TokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tok = &oauth2.Token{AccessToken: token, TokenType: "bearer", Expiry: expiresAt}
}
