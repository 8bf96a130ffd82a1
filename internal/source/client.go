// Package source reads conversations and their messages from the
// conversational-AI platform.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/casebridge/internal/conversation"
	"github.com/agentworkforce/casebridge/internal/remote"
)

const serviceName = "source"

type Options struct {
	BaseURL           string
	APIKey            string
	HTTPClient        *http.Client
	ConversationsPath string
	MessagesPath      string
	// PageLimit is sent as the limit query parameter when positive.
	PageLimit int
	MaxPages  int
	UserAgent string
	Retry     remote.Policy
	Observer  remote.Observer
	Logger    zerolog.Logger
}

type Client struct {
	baseURL           string
	apiKey            string
	httpClient        *http.Client
	conversationsPath string
	messagesPath      string
	pageLimit         int
	maxPages          int
	userAgent         string
	retry             remote.Policy
	observer          remote.Observer
	logger            zerolog.Logger
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://getcody.ai/api/v1"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}
	logger := opts.Logger.With().Str("component", "source").Logger()
	retry := opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = func(err error, attempt int, delay time.Duration) {
			logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying source request")
		}
	}
	return &Client{
		baseURL:           baseURL,
		apiKey:            strings.TrimSpace(opts.APIKey),
		httpClient:        httpClient,
		conversationsPath: pathOrDefault(opts.ConversationsPath, "/conversations"),
		messagesPath:      pathOrDefault(opts.MessagesPath, "/messages"),
		pageLimit:         opts.PageLimit,
		maxPages:          maxPages,
		userAgent:         strings.TrimSpace(opts.UserAgent),
		retry:             retry,
		observer:          remote.ObserverOrNop(opts.Observer),
		logger:            logger,
	}
}

// ListConversations returns conversations for botID in source order. A
// non-zero since drops conversations with no activity at or after it.
func (c *Client) ListConversations(ctx context.Context, botID string, since time.Time) ([]conversation.Conversation, error) {
	botID = strings.TrimSpace(botID)
	query := url.Values{}
	if botID != "" {
		query.Set("bot_id", botID)
	}
	if c.pageLimit > 0 {
		query.Set("limit", strconv.Itoa(c.pageLimit))
	}

	items, err := c.collect(ctx, "list_conversations", c.conversationsPath, query)
	if err != nil {
		return nil, err
	}

	out := make([]conversation.Conversation, 0, len(items))
	for _, raw := range items {
		var payload conversationPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			c.logger.Warn().Err(err).Msg("skipping undecodable conversation")
			continue
		}
		conv := payload.toConversation()
		if conv.ID == "" {
			continue
		}
		if botID != "" && conv.BotID != "" && conv.BotID != botID {
			continue
		}
		if !since.IsZero() {
			if last := conv.LastActivity(); !last.IsZero() && last.Before(since) {
				continue
			}
		}
		out = append(out, conv)
	}
	c.logger.Debug().Int("count", len(out)).Str("bot_id", botID).Msg("listed conversations")
	return out, nil
}

func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, &remote.ValidationError{Service: serviceName, Code: "MISSING_ID", Field: "conversation_id"}
	}
	query := url.Values{}
	query.Set("conversation_id", conversationID)

	items, err := c.collect(ctx, "get_messages", c.messagesPath, query)
	if err != nil {
		return nil, err
	}
	out := make([]conversation.Message, 0, len(items))
	for _, raw := range items {
		var payload messagePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, &remote.ValidationError{Service: serviceName, Code: "UNDECODABLE_MESSAGE", Message: err.Error()}
		}
		out = append(out, payload.toMessage(conversationID))
	}
	return out, nil
}

// collect walks next-page links until they run out or maxPages is reached.
func (c *Client) collect(ctx context.Context, operation, path string, query url.Values) ([]json.RawMessage, error) {
	target := c.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var all []json.RawMessage
	for page := 0; page < c.maxPages && target != ""; page++ {
		var body []byte
		err := c.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			body, err = c.get(ctx, operation, target)
			return err
		})
		if err != nil {
			return nil, err
		}
		items, next, err := decodePage(body)
		if err != nil {
			return nil, &remote.ValidationError{Service: serviceName, Code: "UNEXPECTED_RESPONSE", Message: err.Error()}
		}
		all = append(all, items...)
		target, err = c.resolve(next)
		if err != nil {
			return nil, err
		}
	}
	if target != "" {
		c.logger.Warn().Str("operation", operation).Int("max_pages", c.maxPages).Msg("stopped paging at page limit")
	}
	return all, nil
}

func (c *Client) get(ctx context.Context, operation, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observer.ObserveRequest(serviceName, operation, 0, time.Since(started))
		return nil, remote.ClassifyTransportError(ctx, serviceName, err)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	c.observer.ObserveRequest(serviceName, operation, resp.StatusCode, time.Since(started))
	if readErr != nil {
		return nil, remote.ClassifyTransportError(ctx, serviceName, readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, remote.ClassifyResponse(serviceName, resp, body, time.Now())
	}
	return body, nil
}

func (c *Client) resolve(next string) (string, error) {
	if next == "" {
		return "", nil
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("invalid next page link %q: %w", next, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func pathOrDefault(path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return fallback
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
