// Package auth provides bearer tokens for outbound calls to the allocation
// server.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource supplies the bearer token of outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token. The empty token sends no Authorization header.
type Static string

func (s Static) Token(context.Context) (string, error) { return string(s), nil }

// New returns the client credentials source when conf is enabled, the
// static token otherwise.
func New(conf Conf, static string) TokenSource {
	if conf.Enabled() {
		return NewClientCred(conf)
	}
	return Static(static)
}

// SetAuthHeader sets the Authorization header from ts.
func SetAuthHeader(ctx context.Context, ts TokenSource, r *http.Request) error {
	if ts == nil {
		return nil
	}
	tok, err := ts.Token(ctx)
	if err != nil {
		return err
	}
	if tok != "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}
	return nil
}

// ClientCred caches a token obtained with the client credentials grant.
type ClientCred struct {
	conf clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

func NewClientCred(conf Conf) *ClientCred {
	return &ClientCred{
		conf: conf.toOauth2Config(),
	}
}

// Token returns the cached access token, fetching a new one when it is
// missing or expired.
func (c *ClientCred) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.Valid() {
		return c.token.AccessToken, nil
	}
	if err := c.fetch(ctx); err != nil {
		return "", err
	}
	return c.token.AccessToken, nil
}

// ForceRefresh discards the cached token, typically after a 401.
func (c *ClientCred) ForceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fetch(ctx); err != nil {
		return "", err
	}
	return c.token.AccessToken, nil
}

func (c *ClientCred) fetch(ctx context.Context) error {
	tok, err := c.conf.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	c.token = tok
	return nil
}
