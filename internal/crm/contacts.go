package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
)

// EnsureContact returns the contact every case is filed under: the
// configured id, or a contact looked up (and created if missing) by name.
// The resolved id is cached for the life of the client.
func (c *Client) EnsureContact(ctx context.Context) (string, error) {
	c.contactMu.Lock()
	defer c.contactMu.Unlock()
	if c.contactID != "" {
		return c.contactID, nil
	}
	if c.contactName == "" {
		return "", nil
	}

	query := url.Values{}
	query.Set("criteria", searchCriteria("Last_Name", c.contactName))
	status, body, err := c.call(ctx, "search_contact", http.MethodGet, "/Contacts/search?"+query.Encode(), nil, true)
	if err != nil {
		return "", err
	}
	if status != http.StatusNoContent && len(body) > 0 {
		var envelope struct {
			Data []map[string]any `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
			if id := stringField(envelope.Data[0], "id"); id != "" {
				c.contactID = id
				return id, nil
			}
		}
	}

	record := map[string]any{"Last_Name": c.contactName}
	_, body, callErr := c.call(ctx, "create_contact", http.MethodPost, "/Contacts", map[string]any{"data": []any{record}}, false)
	id, err := interpretWrite("Contacts", body, callErr)
	var conflict *ConflictError
	if errors.As(err, &conflict) && conflict.ExistingID != "" {
		id, err = conflict.ExistingID, nil
	}
	if err != nil {
		return "", err
	}
	c.logger.Info().Str("contact_id", id).Str("contact_name", c.contactName).Msg("resolved case contact")
	c.contactID = id
	return id, nil
}
