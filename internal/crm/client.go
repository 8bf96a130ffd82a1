// Package crm creates support cases in the CRM for finished conversations.
// It owns the OAuth access token: tokens are cached, refreshed ahead of
// expiry, refreshed again on a 401, and never refreshed by two callers at
// once.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/casebridge/internal/remote"
	"github.com/agentworkforce/casebridge/internal/statestore"
)

const (
	serviceName         = "crm"
	defaultExpiryMargin = 120 * time.Second
	defaultTokenTTL     = time.Hour
	exchangeTimeout     = 30 * time.Second
)

// TokenCache persists access tokens across restarts.
type TokenCache interface {
	CachedToken(ctx context.Context) (statestore.Token, bool)
	SetCachedToken(ctx context.Context, token statestore.Token, ttl time.Duration) error
}

type Options struct {
	APIBaseURL   string
	APIVersion   string
	AccountsURL  string
	ClientID     string
	ClientSecret string
	// RefreshToken is read on every exchange so rotated secrets are honored.
	RefreshToken func() string
	// AccessToken optionally seeds the client before the first exchange.
	AccessToken string
	AuthScheme  string

	CorrelationField  string
	ContactID         string
	ContactName       string
	CaseOrigin        string
	CaseStatus        string
	SubjectPrefix     string
	CustomFieldPrefix string
	OmitMetrics       bool

	HTTPClient   *http.Client
	TokenCache   TokenCache
	ExpiryMargin time.Duration
	Retry        remote.Policy
	Observer     remote.Observer
	Logger       zerolog.Logger
	Now          func() time.Time
}

type Client struct {
	apiVersion   string
	accountsURL  string
	clientID     string
	clientSecret string
	refreshToken func() string
	authScheme   string

	correlationField  string
	caseOrigin        string
	caseStatus        string
	subjectPrefix     string
	customFieldPrefix string
	includeMetrics    bool

	httpClient *http.Client
	cache      TokenCache
	margin     time.Duration
	retry      remote.Policy
	observer   remote.Observer
	logger     zerolog.Logger
	now        func() time.Time

	mu             sync.Mutex
	apiBase        string
	token          statestore.Token
	rotatedRefresh string
	primeOnce      sync.Once
	refreshGroup   singleflight.Group

	contactMu   sync.Mutex
	contactID   string
	contactName string

	refreshAttempts  atomic.Int64
	refreshSuccesses atomic.Int64
	refreshFailures  atomic.Int64
	rateLimitHits    atomic.Int64
	statusMu         sync.Mutex
	lastRefresh      time.Time
	lastError        string
}

func NewClient(opts Options) *Client {
	apiBase := strings.TrimRight(strings.TrimSpace(opts.APIBaseURL), "/")
	if apiBase == "" {
		apiBase = "https://www.zohoapis.com"
	}
	accountsURL := strings.TrimRight(strings.TrimSpace(opts.AccountsURL), "/")
	if accountsURL == "" {
		accountsURL = "https://accounts.zoho.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	margin := opts.ExpiryMargin
	if margin <= 0 {
		margin = defaultExpiryMargin
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	refreshToken := opts.RefreshToken
	if refreshToken == nil {
		refreshToken = func() string { return "" }
	}
	logger := opts.Logger.With().Str("component", "crm").Logger()
	retry := opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = func(err error, attempt int, delay time.Duration) {
			logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying crm request")
		}
	}

	c := &Client{
		apiVersion:        valueOr(opts.APIVersion, "v8"),
		accountsURL:       accountsURL,
		clientID:          strings.TrimSpace(opts.ClientID),
		clientSecret:      strings.TrimSpace(opts.ClientSecret),
		refreshToken:      refreshToken,
		authScheme:        valueOr(opts.AuthScheme, "Zoho-oauthtoken"),
		correlationField:  valueOr(opts.CorrelationField, "Cody_Conversation_ID"),
		caseOrigin:        valueOr(opts.CaseOrigin, "Web"),
		caseStatus:        valueOr(opts.CaseStatus, "Closed"),
		subjectPrefix:     valueOr(opts.SubjectPrefix, "Cody Chat"),
		customFieldPrefix: strings.TrimSpace(opts.CustomFieldPrefix),
		includeMetrics:    !opts.OmitMetrics,
		httpClient:        httpClient,
		cache:             opts.TokenCache,
		margin:            margin,
		retry:             retry,
		observer:          remote.ObserverOrNop(opts.Observer),
		logger:            logger,
		now:               now,
		apiBase:           apiBase,
		contactID:         strings.TrimSpace(opts.ContactID),
		contactName:       strings.TrimSpace(opts.ContactName),
	}
	if seed := strings.TrimSpace(opts.AccessToken); seed != "" {
		c.token = statestore.Token{AccessToken: seed}
	}
	return c
}

// call sends one CRM API request, transparently refreshing the token and
// retrying once on a 401. With retryTransient set, transient failures are
// retried under the client's policy; only idempotent requests may set it.
// The response body is returned even when err is non-nil.
func (c *Client) call(ctx context.Context, operation, method, path string, payload any, retryTransient bool) (int, []byte, error) {
	var encoded []byte
	if payload != nil {
		var err error
		if encoded, err = json.Marshal(payload); err != nil {
			return 0, nil, err
		}
	}

	var (
		status int
		body   []byte
	)
	attempt := func(ctx context.Context) error {
		var err error
		status, body, err = c.sendAuthorized(ctx, operation, method, path, encoded)
		return err
	}
	if !retryTransient {
		err := attempt(ctx)
		return status, body, err
	}
	err := c.retry.Do(ctx, attempt)
	return status, body, err
}

func (c *Client) sendAuthorized(ctx context.Context, operation, method, path string, payload []byte) (int, []byte, error) {
	token, err := c.EnsureValidToken(ctx)
	if err != nil {
		return 0, nil, err
	}
	status, body, err := c.send(ctx, operation, method, path, payload, token)
	if !remote.IsAuthExpired(err) {
		return status, body, err
	}

	c.logger.Debug().Str("operation", operation).Msg("crm rejected access token, refreshing")
	token, refreshErr := c.refresh(ctx, token)
	if refreshErr != nil {
		return status, body, refreshErr
	}
	return c.send(ctx, operation, method, path, payload, token)
}

func (c *Client) send(ctx context.Context, operation, method, path string, payload []byte, token string) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(path), reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", c.authScheme+" "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observer.ObserveRequest(serviceName, operation, 0, time.Since(started))
		return 0, nil, remote.ClassifyTransportError(ctx, serviceName, err)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	c.observer.ObserveRequest(serviceName, operation, resp.StatusCode, time.Since(started))
	if readErr != nil {
		return resp.StatusCode, nil, remote.ClassifyTransportError(ctx, serviceName, readErr)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp.StatusCode, body, nil
	}
	err = remote.ClassifyResponse(serviceName, resp, body, c.now())
	if remote.IsRateLimited(err) {
		c.rateLimitHits.Add(1)
	}
	return resp.StatusCode, body, err
}

func (c *Client) apiURL(path string) string {
	c.mu.Lock()
	base := c.apiBase
	c.mu.Unlock()
	return base + "/crm/" + c.apiVersion + path
}

// APIBase reports the base URL in use, which may have been replaced by the
// api_domain of a token exchange.
func (c *Client) APIBase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiBase
}

func (c *Client) recordError(err error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.lastError = err.Error()
}

func valueOr(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

var errNoRefreshToken = errors.New("no refresh token configured")
