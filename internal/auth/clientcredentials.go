package auth

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/austindbirch/harbor_sink/internal/config"
)

// ClientCredentials fetches access tokens with the OAuth2 client credentials
// grant. Every Token call goes to the token endpoint; it never caches.
type ClientCredentials struct {
	cfg    clientcredentials.Config
	client *http.Client
}

// NewClientCredentials builds a fetcher from the sink's OAuth2 settings. A nil
// client uses http.DefaultClient.
func NewClientCredentials(c config.OAuth2, client *http.Client) *ClientCredentials {
	style := oauth2.AuthStyleInHeader
	if c.AuthorizationMode == config.OAuth2ModeURL {
		style = oauth2.AuthStyleInParams
	}
	return &ClientCredentials{
		cfg: clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
			Scopes:       c.Scopes,
			AuthStyle:    style,
		},
		client: client,
	}
}

func (c *ClientCredentials) Token(ctx context.Context) (*oauth2.Token, error) {
	if c.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	}
	return c.cfg.Token(ctx)
}
