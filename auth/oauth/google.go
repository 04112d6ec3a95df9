package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	DefaultUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	DefaultAdminURL    = "https://analyticsadmin.googleapis.com/v1beta"

	// googleMaxResponseBodySize limits response body reads
	googleMaxResponseBodySize = 1 << 20

	// used when the token response carries no expires_in
	defaultTokenLifetime = time.Hour
)

// GoogleConfig configures GoogleProvider. Empty endpoint fields use Google's
// production endpoints.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	AuthURL     string
	TokenURL    string
	UserinfoURL string
	AdminURL    string

	// HTTPClient is used for every provider call. It is expected to retry
	// transient failures.
	HTTPClient *http.Client

	Now func() time.Time
}

// GoogleProvider implements Provider for Google accounts and the Analytics
// Admin API.
type GoogleProvider struct {
	oauth       *oauth2.Config
	client      *http.Client
	userinfoURL string
	adminURL    string
	now         func() time.Time
}

func NewGoogleProvider(config GoogleConfig) *GoogleProvider {
	endpoint := google.Endpoint
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	// Google accepts client credentials in the body; fixing the style skips
	// the auto-detection probe that would double every failing call.
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	p := &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       config.Scopes,
			Endpoint:     endpoint,
		},
		client:      config.HTTPClient,
		userinfoURL: config.UserinfoURL,
		adminURL:    strings.TrimRight(config.AdminURL, "/"),
		now:         config.Now,
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.userinfoURL == "" {
		p.userinfoURL = DefaultUserinfoURL
	}
	if p.adminURL == "" {
		p.adminURL = DefaultAdminURL
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// AuthCodeURL asks for offline access with forced consent so Google always
// returns a refresh token.
func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

func (p *GoogleProvider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*Token, error) {
	tok, err := p.oauth.Exchange(p.withClient(ctx), code)
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return p.convert(tok), nil
}

func (p *GoogleProvider) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: empty refresh token", ErrInvalidGrant)
	}
	// An expired token forces the source to hit the token endpoint.
	src := p.oauth.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}
	out := p.convert(tok)
	// the token source copies the old refresh token forward when Google
	// does not rotate it
	if out.RefreshToken == refreshToken {
		out.RefreshToken = ""
	}
	return out, nil
}

func (p *GoogleProvider) convert(tok *oauth2.Token) *Token {
	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = p.now().Add(defaultTokenLifetime)
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scopes = strings.Fields(scope)
	}
	return out
}

// classifyTokenError maps x/oauth2 errors onto the package sentinels.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%w: %s", ErrInvalidGrant, re.ErrorDescription)
		}
		if re.Response != nil && (re.Response.StatusCode >= 500 || re.Response.StatusCode == http.StatusTooManyRequests) {
			return fmt.Errorf("%w: token endpoint returned %d", ErrProviderUnavailable, re.Response.StatusCode)
		}
		code := re.ErrorCode
		if code == "" && re.Response != nil {
			code = re.Response.Status
		}
		return fmt.Errorf("%w: %s", ErrProviderRejected, code)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

type userinfoResponse struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

type accountSummariesResponse struct {
	AccountSummaries []struct {
		Account           string `json:"account"`
		PropertySummaries []struct {
			Property    string `json:"property"`
			DisplayName string `json:"displayName"`
		} `json:"propertySummaries"`
	} `json:"accountSummaries"`
	NextPageToken string `json:"nextPageToken"`
}

// Account reads the user's email and every GA4 property the user can see.
func (p *GoogleProvider) Account(ctx context.Context, accessToken string) (*Account, error) {
	var info userinfoResponse
	if err := p.getJSON(ctx, p.userinfoURL, accessToken, &info); err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	acct := &Account{Email: strings.ToLower(info.Email)}
	seen := make(map[string]bool)

	pageToken := ""
	for {
		u := p.adminURL + "/accountSummaries?pageSize=200"
		if pageToken != "" {
			u += "&pageToken=" + url.QueryEscape(pageToken)
		}

		var page accountSummariesResponse
		if err := p.getJSON(ctx, u, accessToken, &page); err != nil {
			return nil, fmt.Errorf("account summaries: %w", err)
		}
		for _, a := range page.AccountSummaries {
			for _, ps := range a.PropertySummaries {
				id := strings.TrimPrefix(ps.Property, "properties/")
				if id != "" && !seen[id] {
					seen[id] = true
					acct.Properties = append(acct.Properties, id)
				}
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return acct, nil
}

func (p *GoogleProvider) getJSON(ctx context.Context, u, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, googleMaxResponseBodySize))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d", ErrProviderRejected, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrProviderRejected, err)
	}
	return nil
}
