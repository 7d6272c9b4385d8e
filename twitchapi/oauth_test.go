package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOAuth(server *httptest.Server) *OAuthClient {
	return &OAuthClient{
		ClientID:     "test-client-id",
		ClientSecret: "test-secret",
		HTTPClient: &http.Client{
			Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL},
		},
	}
}

func TestBuildAuthorizeURL(t *testing.T) {
	tests := []struct {
		name        string
		clientID    string
		redirectURI string
		scopes      []string
		state       string
		wantErr     bool
		wantParts   []string
	}{
		{
			name:        "valid request",
			clientID:    "test-client-id",
			redirectURI: "http://localhost:8090",
			scopes:      []string{"user:read:chat", "chat:read"},
			state:       "random-state",
			wantParts: []string{
				"client_id=test-client-id",
				"state=random-state",
				"response_type=code",
				"redirect_uri=http%3A%2F%2Flocalhost%3A8090",
				"scope=user%3Aread%3Achat+chat%3Aread",
			},
		},
		{name: "empty client ID", redirectURI: "http://localhost:8090", state: "s", wantErr: true},
		{name: "empty redirect URI", clientID: "client", state: "s", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &OAuthClient{ClientID: tt.clientID}
			u, err := c.BuildAuthorizeURL(tt.redirectURI, tt.scopes, tt.state)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(u, "https://id.twitch.tv/oauth2/authorize?"), u)
			for _, part := range tt.wantParts {
				assert.Contains(t, u, part)
			}
		})
	}
}

func TestRequestDeviceCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth2/device", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "test-client-id", r.PostForm.Get("client_id"))
		assert.Equal(t, "user:read:chat bits:read", r.PostForm.Get("scopes"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"device_code":      "dev-123",
			"user_code":        "ABCDEFGH",
			"verification_uri": "https://www.twitch.tv/activate?device-code=ABCDEFGH",
			"expires_in":       1800,
			"interval":         5,
		})
	}))
	defer server.Close()

	da, err := newTestOAuth(server).RequestDeviceCode(context.Background(), []string{"user:read:chat", "bits:read"})
	require.NoError(t, err)
	assert.Equal(t, "dev-123", da.DeviceCode)
	assert.Equal(t, "ABCDEFGH", da.UserCode)
	assert.Equal(t, int64(5), da.Interval)
	assert.False(t, da.Expiry.IsZero())
}

func TestPollDeviceToken(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantTok  string
	}{
		{name: "pending", status: http.StatusBadRequest, body: `{"status":400,"message":"authorization_pending"}`, wantCode: CodeAuthorizationPending},
		{name: "slow down", status: http.StatusBadRequest, body: `{"status":400,"message":"slow_down"}`, wantCode: CodeSlowDown},
		{name: "invalid code", status: http.StatusBadRequest, body: `{"status":400,"message":"invalid device code"}`, wantCode: "invalid device code"},
		{name: "granted", status: http.StatusOK, body: `{"access_token":"at","refresh_token":"rt","expires_in":14400,"scope":["bits:read"],"token_type":"bearer"}`, wantTok: "at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/oauth2/token", r.URL.Path)
				require.NoError(t, r.ParseForm())
				assert.Equal(t, grantDeviceCode, r.PostForm.Get("grant_type"))
				assert.Equal(t, "dev-123", r.PostForm.Get("device_code"))
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			res, err := newTestOAuth(server).PollDeviceToken(context.Background(), "dev-123", []string{"bits:read"})
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.True(t, IsAuthCode(err, tt.wantCode), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTok, res.AccessToken)
			assert.Equal(t, []string{"bits:read"}, res.Scope)
		})
	}
}

func TestExchangeAuthCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "http://localhost:8090", r.PostForm.Get("redirect_uri"))
		assert.Equal(t, "test-secret", r.PostForm.Get("client_secret"))
		w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":3600,"scope":["chat:read"]}`))
	}))
	defer server.Close()

	res, err := newTestOAuth(server).ExchangeAuthCode(context.Background(), "the-code", "http://localhost:8090")
	require.NoError(t, err)
	assert.Equal(t, "at", res.AccessToken)
	assert.Equal(t, "rt", res.RefreshToken)
	assert.Equal(t, 3600, res.ExpiresIn)

	_, err = newTestOAuth(server).ExchangeAuthCode(context.Background(), "", "http://localhost:8090")
	assert.Error(t, err)
}

func TestRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		if r.PostForm.Get("refresh_token") == "revoked" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"Bad Request","status":400,"message":"Invalid refresh token"}`))
			return
		}
		w.Write([]byte(`{"access_token":"new-at","refresh_token":"new-rt","expires_in":14000,"scope":["chat:read"]}`))
	}))
	defer server.Close()

	c := newTestOAuth(server)
	res, err := c.RefreshToken(context.Background(), "rt")
	require.NoError(t, err)
	assert.Equal(t, "new-at", res.AccessToken)

	_, err = c.RefreshToken(context.Background(), "revoked")
	var ae *AuthExchangeError
	require.True(t, errors.As(err, &ae), "err = %v", err)
	assert.Equal(t, "refresh_token", ae.Grant)
	assert.Equal(t, http.StatusBadRequest, ae.StatusCode)
	assert.Equal(t, "Invalid refresh token", ae.Code)
}

func TestValidate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth2/validate", r.URL.Path)
		if r.Header.Get("Authorization") != "OAuth good" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"status":401,"message":"invalid access token"}`))
			return
		}
		w.Write([]byte(`{"client_id":"test-client-id","login":"bot","user_id":"7","scopes":["chat:read"],"expires_in":100}`))
	}))
	defer server.Close()

	c := newTestOAuth(server)
	v, err := c.Validate(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "bot", v.Login)
	assert.Equal(t, []string{"chat:read"}, v.Scopes)

	_, err = c.Validate(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
