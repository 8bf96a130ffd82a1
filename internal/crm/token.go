package crm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/agentworkforce/casebridge/internal/remote"
	"github.com/agentworkforce/casebridge/internal/statestore"
)

type TokenMetrics struct {
	RefreshAttempts  int64     `json:"refresh_attempts"`
	RefreshSuccesses int64     `json:"refresh_successes"`
	RefreshFailures  int64     `json:"refresh_failures"`
	RateLimitHits    int64     `json:"rate_limit_hits"`
	LastRefresh      time.Time `json:"last_refresh,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	HasToken         bool      `json:"has_token"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
}

func (c *Client) TokenMetrics() TokenMetrics {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	c.statusMu.Lock()
	lastRefresh, lastError := c.lastRefresh, c.lastError
	c.statusMu.Unlock()
	return TokenMetrics{
		RefreshAttempts:  c.refreshAttempts.Load(),
		RefreshSuccesses: c.refreshSuccesses.Load(),
		RefreshFailures:  c.refreshFailures.Load(),
		RateLimitHits:    c.rateLimitHits.Load(),
		LastRefresh:      lastRefresh,
		LastError:        lastError,
		HasToken:         token.AccessToken != "",
		ExpiresAt:        token.ExpiresAt,
	}
}

// EnsureValidToken returns an access token that is valid for at least the
// expiry margin, exchanging the refresh token if needed. Concurrent callers
// share a single exchange.
func (c *Client) EnsureValidToken(ctx context.Context) (string, error) {
	c.primeOnce.Do(func() { c.loadCachedToken(ctx) })
	if token, ok := c.currentToken(); ok {
		return token.AccessToken, nil
	}
	return c.refresh(ctx, "")
}

// ForceRefresh always performs an exchange and returns the resulting token.
func (c *Client) ForceRefresh(ctx context.Context) (statestore.Token, error) {
	c.mu.Lock()
	stale := c.token.AccessToken
	c.mu.Unlock()
	if _, err := c.refresh(ctx, stale); err != nil {
		return statestore.Token{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	token := c.token
	token.RefreshToken = c.currentRefreshTokenLocked()
	return token, nil
}

func (c *Client) currentToken() (statestore.Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.usableLocked(c.token)
}

func (c *Client) usableLocked(token statestore.Token) bool {
	if token.AccessToken == "" {
		return false
	}
	if token.ExpiresAt.IsZero() {
		// Seeded token of unknown age: trust it only when there is no way
		// to get a better one.
		return c.currentRefreshTokenLocked() == ""
	}
	return c.now().Before(token.ExpiresAt.Add(-c.margin))
}

// refresh exchanges the refresh token unless another caller already replaced
// stale with a usable token. An empty stale means any usable token will do.
func (c *Client) refresh(ctx context.Context, stale string) (string, error) {
	result := c.refreshGroup.DoChan("refresh", func() (any, error) {
		c.mu.Lock()
		current := c.token
		usable := c.usableLocked(current)
		c.mu.Unlock()
		if usable && current.AccessToken != stale {
			return current.AccessToken, nil
		}
		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeTimeout)
		defer cancel()
		return c.exchange(exchangeCtx)
	})
	select {
	case res := <-result:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) exchange(ctx context.Context) (string, error) {
	c.refreshAttempts.Add(1)
	c.mu.Lock()
	refreshToken := c.currentRefreshTokenLocked()
	c.mu.Unlock()
	if refreshToken == "" {
		return "", c.failRefresh(&remote.AuthExpiredError{Service: serviceName, Err: errNoRefreshToken})
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	started := time.Now()
	issued, err := c.oauthConfig("").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		classified := c.classifyTokenError(ctx, err)
		c.observer.ObserveRequest(serviceName, "token_refresh", tokenErrorStatus(err), time.Since(started))
		return "", c.failRefresh(classified)
	}
	c.observer.ObserveRequest(serviceName, "token_refresh", http.StatusOK, time.Since(started))

	token := c.tokenFromOAuth(issued)
	c.mu.Lock()
	c.token = token
	if token.APIDomain != "" {
		c.apiBase = token.APIDomain
	}
	if issued.RefreshToken != "" && issued.RefreshToken != refreshToken {
		c.rotatedRefresh = issued.RefreshToken
	}
	c.mu.Unlock()

	c.refreshSuccesses.Add(1)
	c.statusMu.Lock()
	c.lastRefresh = c.now()
	c.lastError = ""
	c.statusMu.Unlock()

	c.storeToken(ctx, token)
	c.logger.Info().Time("expires_at", token.ExpiresAt).Msg("crm access token refreshed")
	return token.AccessToken, nil
}

func (c *Client) tokenFromOAuth(issued *oauth2.Token) statestore.Token {
	now := c.now()
	expiresAt := now.Add(defaultTokenTTL)
	switch {
	case issued.ExpiresIn > 0:
		expiresAt = now.Add(time.Duration(issued.ExpiresIn) * time.Second)
	case !issued.Expiry.IsZero() && issued.Expiry.After(now):
		expiresAt = issued.Expiry
	}
	token := statestore.Token{AccessToken: issued.AccessToken, ExpiresAt: expiresAt}
	if domain, ok := issued.Extra("api_domain").(string); ok {
		token.APIDomain = strings.TrimRight(strings.TrimSpace(domain), "/")
	}
	return token
}

func (c *Client) failRefresh(err error) error {
	c.refreshFailures.Add(1)
	c.recordError(err)
	c.logger.Error().Err(err).Msg("crm token refresh failed")
	return err
}

func (c *Client) classifyTokenError(ctx context.Context, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if strings.Contains(err.Error(), "missing access_token") {
			return &remote.AuthExpiredError{Service: serviceName, Err: err}
		}
		return &remote.TransientError{Service: serviceName, Err: err}
	}

	status := tokenErrorStatus(err)
	description := strings.ToLower(retrieveErr.ErrorDescription + " " + string(retrieveErr.Body))
	switch {
	case status == http.StatusTooManyRequests || strings.Contains(description, "too many requests"):
		c.rateLimitHits.Add(1)
		var retryAfter time.Duration
		if retrieveErr.Response != nil {
			retryAfter = remote.ParseRetryAfter(retrieveErr.Response.Header.Get("Retry-After"), c.now())
		}
		return &remote.RateLimitedError{Service: serviceName, RetryAfter: retryAfter}
	case status >= 500:
		return &remote.TransientError{Service: serviceName, Err: err}
	default:
		return &remote.AuthExpiredError{Service: serviceName, Err: err}
	}
}

func tokenErrorStatus(err error) int {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return retrieveErr.Response.StatusCode
	}
	return 0
}

func (c *Client) loadCachedToken(ctx context.Context) {
	if c.cache == nil {
		return
	}
	cached, ok := c.cache.CachedToken(ctx)
	if !ok || cached.ExpiresAt.IsZero() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.now().Before(cached.ExpiresAt.Add(-c.margin)) {
		return
	}
	c.token = cached
	if cached.APIDomain != "" {
		c.apiBase = cached.APIDomain
	}
	c.logger.Debug().Time("expires_at", cached.ExpiresAt).Msg("using cached crm access token")
}

func (c *Client) storeToken(ctx context.Context, token statestore.Token) {
	if c.cache == nil {
		return
	}
	ttl := token.ExpiresAt.Sub(c.now())
	if err := c.cache.SetCachedToken(ctx, token, ttl); err != nil {
		c.logger.Warn().Err(err).Msg("could not cache crm access token")
	}
}

func (c *Client) currentRefreshTokenLocked() string {
	if c.rotatedRefresh != "" {
		return c.rotatedRefresh
	}
	return strings.TrimSpace(c.refreshToken())
}

// RotateRefreshToken replaces the refresh token used for future exchanges,
// for example after the secret file changed on disk.
func (c *Client) RotateRefreshToken(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotatedRefresh = strings.TrimSpace(value)
}

func (c *Client) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.accountsURL + "/oauth/v2/auth",
			TokenURL:  c.accountsURL + "/oauth/v2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
