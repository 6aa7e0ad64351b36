package graph

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// graphScope requests the application permissions granted to the client.
const graphScope = "https://graph.microsoft.com/.default"

// tokenCache hands out OAuth2 client credentials tokens. The underlying
// token source caches a token until shortly before it expires.
type tokenCache struct {
	mu     sync.Mutex
	creds  *clientcredentials.Config
	ctx    context.Context
	source oauth2.TokenSource
}

// newTokenCache creates a token cache for the given client credentials.
// Token requests go through httpClient.
func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	creds := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	return &tokenCache{
		creds:  creds,
		ctx:    ctx,
		source: creds.TokenSource(ctx),
	}
}

// Token returns a valid access token, refreshing it if necessary.
// This method is safe for concurrent use.
func (tc *tokenCache) Token() (string, error) {
	tc.mu.Lock()
	source := tc.source
	tc.mu.Unlock()

	return accessToken(source)
}

// ForceRefresh discards the cached token and acquires a new one.
// This is used when a 401 response indicates the token is invalid.
func (tc *tokenCache) ForceRefresh() (string, error) {
	tc.mu.Lock()
	tc.source = tc.creds.TokenSource(tc.ctx)
	source := tc.source
	tc.mu.Unlock()

	return accessToken(source)
}

func accessToken(source oauth2.TokenSource) (string, error) {
	tok, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	return tok.AccessToken, nil
}
