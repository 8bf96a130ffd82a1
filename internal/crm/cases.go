package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/agentworkforce/casebridge/internal/conversation"
	"github.com/agentworkforce/casebridge/internal/remote"
)

const (
	MaxSubjectLength     = 255
	MaxNoteTitleLength   = 255
	MaxDescriptionLength = 32000
	noteSubjectLength    = 200
)

type Case struct {
	ID            string
	CorrelationID string
	Subject       string
	Status        string
}

type CaseInput struct {
	Conversation conversation.Conversation
	Transcript   string
	Metrics      conversation.Metrics
}

type CaseResult struct {
	ID      string
	Subject string
	Created bool
}

// SearchCaseByCorrelationID returns nil when no case carries id.
func (c *Client) SearchCaseByCorrelationID(ctx context.Context, id string) (*Case, error) {
	return c.searchCase(ctx, id, true)
}

func (c *Client) searchCase(ctx context.Context, id string, retry bool) (*Case, error) {
	query := url.Values{}
	query.Set("criteria", searchCriteria(c.correlationField, id))
	status, body, err := c.call(ctx, "search_case", http.MethodGet, "/Cases/search?"+query.Encode(), nil, retry)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || len(body) == 0 {
		return nil, nil
	}
	var envelope struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode case search: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil, nil
	}
	record := envelope.Data[0]
	found := &Case{
		ID:            stringField(record, "id"),
		CorrelationID: stringField(record, c.correlationField),
		Subject:       stringField(record, "Subject"),
		Status:        stringField(record, "Status"),
	}
	if found.ID == "" {
		return nil, nil
	}
	return found, nil
}

// CreateCaseWithDuplicateCheck guarantees at most one case per conversation:
// search, create only when absent, and resolve a uniqueness conflict by
// searching again. The whole sequence is retried on transient failures so a
// retried create is always preceded by a fresh search.
func (c *Client) CreateCaseWithDuplicateCheck(ctx context.Context, in CaseInput) (CaseResult, error) {
	correlationID := in.Conversation.ID
	var result CaseResult
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		existing, err := c.searchCase(ctx, correlationID, false)
		if err != nil {
			return err
		}
		if existing != nil {
			result = CaseResult{ID: existing.ID, Subject: existing.Subject, Created: false}
			return nil
		}

		created, err := c.createCase(ctx, in)
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			resolved, resolveErr := c.resolveConflict(ctx, correlationID, conflict)
			if resolveErr != nil {
				return resolveErr
			}
			result = resolved
			return nil
		}
		if err != nil {
			return err
		}
		result = created
		return nil
	})
	return result, err
}

// CreateCase posts without searching first. A conflict reported by the
// remote is still returned as an existing case.
func (c *Client) CreateCase(ctx context.Context, in CaseInput) (CaseResult, error) {
	created, err := c.createCase(ctx, in)
	var conflict *ConflictError
	if errors.As(err, &conflict) && conflict.ExistingID != "" {
		return CaseResult{ID: conflict.ExistingID}, nil
	}
	return created, err
}

func (c *Client) resolveConflict(ctx context.Context, correlationID string, conflict *ConflictError) (CaseResult, error) {
	c.logger.Info().Str("conversation_id", correlationID).Msg("case create conflicted, searching for existing case")
	found, err := c.searchCase(ctx, correlationID, false)
	if err == nil && found != nil {
		return CaseResult{ID: found.ID, Subject: found.Subject}, nil
	}
	if conflict.ExistingID != "" {
		return CaseResult{ID: conflict.ExistingID}, nil
	}
	if err != nil {
		return CaseResult{}, err
	}
	// The search index may lag the write that caused the conflict.
	return CaseResult{}, &remote.TransientError{Service: serviceName, Err: conflict}
}

func (c *Client) createCase(ctx context.Context, in CaseInput) (CaseResult, error) {
	record, subject, err := c.caseRecord(ctx, in)
	if err != nil {
		return CaseResult{}, err
	}
	_, body, callErr := c.call(ctx, "create_case", http.MethodPost, "/Cases", map[string]any{"data": []any{record}}, false)
	id, err := interpretWrite("Cases", body, callErr)
	if err != nil {
		return CaseResult{}, err
	}
	c.logger.Info().Str("conversation_id", in.Conversation.ID).Str("case_id", id).Msg("case created")
	return CaseResult{ID: id, Subject: subject, Created: true}, nil
}

func (c *Client) caseRecord(ctx context.Context, in CaseInput) (map[string]any, string, error) {
	subject := conversation.Truncate(Subject(c.subjectPrefix, in.Conversation, c.now()), MaxSubjectLength)
	record := map[string]any{
		"Subject":          subject,
		"Description":      conversation.Truncate(in.Transcript, MaxDescriptionLength),
		"Case_Origin":      c.caseOrigin,
		"Status":           c.caseStatus,
		c.correlationField: in.Conversation.ID,
	}

	contactID, err := c.EnsureContact(ctx)
	if err != nil {
		if !remote.IsPermanent(err) {
			return nil, "", err
		}
		c.logger.Warn().Err(err).Msg("could not resolve case contact, creating case without one")
	}
	if contactID != "" {
		record["Contact_Name"] = map[string]any{"id": contactID}
	}

	if c.includeMetrics {
		for _, field := range MetricFields(in.Metrics) {
			record[c.customFieldPrefix+field.Name] = strconv.Itoa(field.Value)
		}
	}
	return record, subject, nil
}

// AttachNote adds content to caseID as a note and returns the note id.
func (c *Client) AttachNote(ctx context.Context, caseID, title, content string) (string, error) {
	note := map[string]any{
		"Note_Title":   conversation.Truncate(title, MaxNoteTitleLength),
		"Note_Content": content,
		"Parent_Id": map[string]any{
			"module": map[string]any{"api_name": "Cases"},
			"id":     caseID,
		},
	}
	_, body, callErr := c.call(ctx, "attach_note", http.MethodPost, "/Cases/"+url.PathEscape(caseID)+"/Notes", map[string]any{"data": []any{note}}, false)
	return interpretWrite("Notes", body, callErr)
}

// Subject is "<prefix> - YYYY-MM-DD HH:MM" in UTC, from the conversation's
// start time or now when unknown, followed by the conversation name.
func Subject(prefix string, conv conversation.Conversation, now time.Time) string {
	started := conv.CreatedAt
	if started.IsZero() {
		started = now
	}
	subject := prefix + " - " + started.UTC().Format("2006-01-02 15:04")
	if conv.Name != "" {
		subject += " - " + conv.Name
	}
	return subject
}

func NoteTitle(subject string) string {
	return "Conversation Transcript - " + conversation.Truncate(subject, noteSubjectLength)
}

type MetricField struct {
	Name  string
	Value int
}

// MetricFields lists transcript metrics under their CRM field names.
func MetricFields(m conversation.Metrics) []MetricField {
	return []MetricField{
		{Name: "Message_Count", Value: m.MessageCount},
		{Name: "User_Messages", Value: m.UserMessages},
		{Name: "Assistant_Messages", Value: m.AssistantMessages},
		{Name: "Total_Characters", Value: m.CharacterCount},
		{Name: "Average_Message_Length", Value: m.AverageLength},
	}
}

func stringField(record map[string]any, key string) string {
	switch v := record[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
