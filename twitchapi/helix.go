// Package twitchapi wraps the Twitch endpoints the bot needs: the OAuth token and
// device endpoints on id.twitch.tv, and the Helix calls for user lookup, channel
// title updates and EventSub subscription creation.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const helixBaseURL = "https://api.twitch.tv/helix"

// Authorizer supplies the bearer token for Helix calls.
type Authorizer interface {
	AccessToken(ctx context.Context) (string, error)
}

// HelixClient provides the Helix methods used by the bot.
type HelixClient struct {
	Auth       Authorizer
	ClientID   string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	if hc.Auth == nil {
		return nil, errors.New("helix client has no authorizer")
	}
	tok, err := hc.Auth.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	u := helixBaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return hc.http().Do(req)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	resp, err := hc.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return "", newAPIError(resp, http.MethodGet, "/users")
	}
	var body struct {
		Data []struct {
			ID    string `json:"id"`
			Login string `json:"login"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}
	return body.Data[0].ID, nil
}

// UpdateChannelTitle sets the stream title. Requires channel:manage:broadcast on a
// broadcaster user token.
func (hc *HelixClient) UpdateChannelTitle(ctx context.Context, broadcasterID, title string) error {
	if broadcasterID == "" {
		return fmt.Errorf("broadcasterID empty")
	}
	q := url.Values{"broadcaster_id": {broadcasterID}}
	resp, err := hc.do(ctx, http.MethodPatch, "/channels", q, map[string]string{"title": title})
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return newAPIError(resp, http.MethodPatch, "/channels")
	}
	return nil
}

// Transport is the delivery target of an EventSub subscription.
type Transport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
}

// CreateSubscriptionRequest is the body of POST /eventsub/subscriptions.
type CreateSubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

// Subscription is an EventSub subscription as echoed back by Helix.
type Subscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	CreatedAt time.Time         `json:"created_at"`
	Transport Transport         `json:"transport"`
	Cost      int               `json:"cost"`
}

// CreateEventSubSubscription registers a subscription. Non-2xx responses come back as
// *APIError so callers can branch on the status code.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, sub CreateSubscriptionRequest) (*Subscription, error) {
	resp, err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, sub)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp, http.MethodPost, "/eventsub/subscriptions")
	}
	var body struct {
		Data []Subscription `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || len(body.Data) == 0 {
		// The subscription was accepted; the echo is informational.
		return &Subscription{Type: sub.Type, Version: sub.Version, Condition: sub.Condition, Transport: sub.Transport}, nil
	}
	return &body.Data[0], nil
}
