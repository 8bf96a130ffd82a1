package crm

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/agentworkforce/casebridge/internal/statestore"
)

// AuthCodeURL is the consent page an operator visits to mint a grant code.
func (c *Client) AuthCodeURL(scopes []string, redirectURL, state string) string {
	conf := c.oauthConfig(redirectURL)
	conf.Scopes = scopes
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// ExchangeCode trades a grant code for tokens. The returned token carries the
// long-lived refresh token the service needs in its configuration.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURL string) (statestore.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	issued, err := c.oauthConfig(redirectURL).Exchange(ctx, code)
	if err != nil {
		return statestore.Token{}, fmt.Errorf("exchange grant code: %w", c.classifyTokenError(ctx, err))
	}
	token := c.tokenFromOAuth(issued)
	token.RefreshToken = issued.RefreshToken
	return token, nil
}
