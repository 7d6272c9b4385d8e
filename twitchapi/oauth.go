package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

const (
	deviceURL   = "https://id.twitch.tv/oauth2/device"
	validateURL = "https://id.twitch.tv/oauth2/validate"

	grantDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"
)

// TokenResponse is the token endpoint payload shared by every grant.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// Validation is the /oauth2/validate payload.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// OAuthClient talks to id.twitch.tv for user tokens.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

func (c *OAuthClient) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// BuildAuthorizeURL constructs the user authorization URL for the OAuth code grant.
func (c *OAuthClient) BuildAuthorizeURL(redirectURI string, scopes []string, state string) (string, error) {
	if c.ClientID == "" || redirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	oc := &oauth2.Config{
		ClientID:    c.ClientID,
		Endpoint:    twitch.Endpoint,
		RedirectURL: redirectURI,
		Scopes:      scopes,
	}
	return oc.AuthCodeURL(state), nil
}

// RequestDeviceCode starts the device authorization grant.
func (c *OAuthClient) RequestDeviceCode(ctx context.Context, scopes []string) (*oauth2.DeviceAuthResponse, error) {
	if c.ClientID == "" {
		return nil, errors.New("missing clientID")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("scopes", strings.Join(scopes, " "))
	resp, err := c.postForm(ctx, deviceURL, form)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, newAuthExchangeError(resp, "device")
	}
	var da oauth2.DeviceAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&da); err != nil {
		return nil, fmt.Errorf("decode device code response: %w", err)
	}
	if da.DeviceCode == "" {
		return nil, errors.New("empty device_code in twitch response")
	}
	return &da, nil
}

// PollDeviceToken makes a single token request for a pending device code. Pending and
// slow_down states come back as *AuthExchangeError with the matching Code.
func (c *OAuthClient) PollDeviceToken(ctx context.Context, deviceCode string, scopes []string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	if c.ClientSecret != "" {
		form.Set("client_secret", c.ClientSecret)
	}
	form.Set("scopes", strings.Join(scopes, " "))
	form.Set("device_code", deviceCode)
	form.Set("grant_type", grantDeviceCode)
	return c.token(ctx, form, "device_code")
}

// ExchangeAuthCode exchanges an authorization code for access & refresh tokens.
func (c *OAuthClient) ExchangeAuthCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	if c.ClientID == "" || c.ClientSecret == "" || code == "" || redirectURI == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)
	return c.token(ctx, form, "authorization_code")
}

// RefreshToken exchanges a refresh token for a new access token.
func (c *OAuthClient) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if c.ClientID == "" || c.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.token(ctx, form, "refresh_token")
}

// Validate asks Twitch for the live state of an access token, including its granted scopes.
func (c *OAuthClient) Validate(ctx context.Context, accessToken string) (*Validation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrTokenInvalid
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp, http.MethodGet, "/oauth2/validate")
	}
	var v Validation
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *OAuthClient) token(ctx context.Context, form url.Values, grant string) (*TokenResponse, error) {
	resp, err := c.postForm(ctx, twitch.Endpoint.TokenURL, form)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, newAuthExchangeError(resp, grant)
	}
	var res TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	if res.AccessToken == "" {
		return nil, errors.New("empty access_token in twitch response")
	}
	return &res, nil
}

func (c *OAuthClient) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.http().Do(req)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
