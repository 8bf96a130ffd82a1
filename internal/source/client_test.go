package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/casebridge/internal/conversation"
	"github.com/agentworkforce/casebridge/internal/remote"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Options{
		BaseURL:    server.URL + "/api/v1",
		APIKey:     "key_123",
		HTTPClient: server.Client(),
		Retry:      remote.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Logger:     zerolog.Nop(),
	})
}

func TestListConversationsSendsAuthAndFiltersBot(t *testing.T) {
	var capturedAuth, capturedBot, capturedPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedBot = r.URL.Query().Get("bot_id")
		capturedPath = r.URL.Path
		_, _ = w.Write([]byte(`{"data":[
			{"id":"C1","bot_id":"618823","name":"Pricing","created_at":1700000000},
			{"id":"C2","bot_id":"999","created_at":1700000100},
			{"id":"C3","bot_id":618823,"created_at":"2023-11-14T22:15:00Z"}
		]}`))
	})

	convs, err := client.ListConversations(context.Background(), "618823", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer key_123", capturedAuth)
	assert.Equal(t, "618823", capturedBot)
	assert.Equal(t, "/api/v1/conversations", capturedPath)

	require.Len(t, convs, 2)
	assert.Equal(t, "C1", convs[0].ID)
	assert.Equal(t, "Pricing", convs[0].Name)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), convs[0].CreatedAt)
	assert.Equal(t, "C3", convs[1].ID)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 15, 0, 0, time.UTC), convs[1].CreatedAt)
}

func TestListConversationsAcceptsBareArrayAndSince(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id":"old","created_at":100},
			{"id":"touched","created_at":100,"updated_at":5000},
			{"id":"new","created_at":6000}
		]`))
	})
	convs, err := client.ListConversations(context.Background(), "", time.Unix(1000, 0))
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "touched", convs[0].ID)
	assert.Equal(t, "new", convs[1].ID)
}

func TestListConversationsFollowsPagination(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		switch r.URL.Query().Get("page") {
		case "":
			_, _ = w.Write([]byte(`{"data":[{"id":"C1"}],"meta":{"pagination":{"links":{"next":"conversations?bot_id=b&page=2"}}}}`))
		case "2":
			_, _ = w.Write([]byte(`{"data":[{"id":"C2"}],"meta":{"pagination":{"links":{}}}}`))
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	})
	convs, err := client.ListConversations(context.Background(), "b", time.Time{})
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetMessagesMapsFields(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/messages", r.URL.Path)
		assert.Equal(t, "C1", r.URL.Query().Get("conversation_id"))
		_, _ = w.Write([]byte(`{"data":[
			{"id":"m1","content":"Hello","machine":false,"created_at":100},
			{"id":"m2","content":"Hi there","machine":true,"created_at":"200"},
			{"id":"m3","text":"moderated","role":"system","created_at":300}
		]}`))
	})
	msgs, err := client.GetMessages(context.Background(), "C1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role())
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role())
	assert.Equal(t, time.Unix(200, 0).UTC(), msgs[1].CreatedAt)
	assert.Equal(t, "moderated", msgs[2].Text)
	assert.Equal(t, "Unknown (system)", msgs[2].Speaker())
	for _, m := range msgs {
		assert.Equal(t, "C1", m.ConversationID)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})
	msgs, err := client.GetMessages(context.Background(), "C1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRateLimitIsSurfacedWithoutRetry(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := client.ListConversations(context.Background(), "b", time.Time{})
	require.Error(t, err)
	delay, ok := remote.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 60*time.Second, delay)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNotFoundIsPermanent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprint(w, `{"message":"conversation not found"}`)
	})
	_, err := client.GetMessages(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, remote.IsPermanent(err))
}

func TestUnexpectedBodyIsValidationError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`"nope"`))
	})
	_, err := client.GetMessages(context.Background(), "C1")
	assert.True(t, remote.IsValidation(err))
}
