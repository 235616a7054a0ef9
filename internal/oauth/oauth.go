// Package oauth implements the GitHub OAuth web flow: building the
// authorization redirect and exchanging the callback code for a token.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wesm/github-mirror/config"
	"github.com/wesm/github-mirror/internal/api"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

// OAuthError is returned when GitHub answers the token exchange with an
// error field, for example an expired or already used code.
type OAuthError struct {
	Code        string
	Description string
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error %s: %s", e.Code, e.Description)
	}
	return "oauth error " + e.Code
}

// Broker builds authorization URLs and exchanges codes for access tokens
type Broker struct {
	config     *oauth2.Config
	httpClient *http.Client
	timeout    time.Duration
}

// NewBroker creates a broker for the configured OAuth application. A nil
// httpClient uses http.DefaultClient.
func NewBroker(cfg config.GitHubConfig, httpClient *http.Client) *Broker {
	endpoint := githuboauth.Endpoint
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	if cfg.OAuthAuthorizeURL != "" {
		endpoint.AuthURL = cfg.OAuthAuthorizeURL
	}
	if cfg.OAuthTokenURL != "" {
		endpoint.TokenURL = cfg.OAuthTokenURL
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	timeout := cfg.RequestTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Broker{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// NewState returns a random CSRF state value
func NewState() string {
	return uuid.NewString()
}

// AuthorizationURL returns the GitHub authorization URL. An empty state is
// left out of the URL; a non-empty one must be checked by the caller when
// GitHub redirects back.
func (b *Broker) AuthorizationURL(state string) string {
	return b.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for an access token
func (b *Broker) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, &OAuthError{Code: "missing_code", Description: "authorization code is empty"}
	}

	callCtx, cancel := context.WithTimeout(context.WithValue(ctx, oauth2.HTTPClient, b.httpClient), b.timeout)
	defer cancel()

	token, err := b.config.Exchange(callCtx, code)
	if err == nil {
		return token, nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" {
			return nil, &OAuthError{Code: retrieveErr.ErrorCode, Description: retrieveErr.ErrorDescription}
		}
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return nil, &api.UpstreamError{
			Op:         "exchange_code",
			Kind:       api.KindUpstream,
			StatusCode: status,
			Message:    "token exchange failed",
			Cause:      err,
		}
	}

	kind := api.KindNetwork
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = api.KindTimeout
	case errors.Is(err, context.Canceled):
		kind = api.KindCanceled
	}
	return nil, &api.UpstreamError{Op: "exchange_code", Kind: kind, Message: "token exchange failed", Cause: err}
}
