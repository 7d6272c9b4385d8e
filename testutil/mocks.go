package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks the id.twitch.tv and Helix endpoints.
// Point a client at it with Client(), which rewrites the hard-coded Twitch hosts.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu     sync.Mutex
	hits   map[string]int
	bodies map[string][]string
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
		bodies:   make(map[string][]string),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		b, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(b)))
		m.mu.Lock()
		m.hits[key]++
		m.bodies[key] = append(m.bodies[key], string(b))
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle installs a handler for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// Hits reports how many requests reached path.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// Bodies returns the raw request bodies received on path, in order.
func (m *MockTwitchServer) Bodies(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.bodies[path]...)
}

// Client returns an http.Client whose requests all land on this server.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{Transport: &RewriteTransport{Target: m.URL}}
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.MockUsers(map[string]string{login: userID})
}

// MockUsers answers /helix/users from a login->id table; unknown logins get an empty list.
func (m *MockTwitchServer) MockUsers(ids map[string]string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		login := r.URL.Query().Get("login")
		data := []map[string]string{}
		if id, ok := ids[login]; ok {
			data = append(data, map[string]string{"id": id, "login": login})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
	})
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.MockTokenResponses(Response{Status: http.StatusOK, Body: map[string]interface{}{
		"access_token": accessToken,
		"expires_in":   expiresIn,
		"token_type":   "bearer",
	}})
}

// Response is one scripted reply.
type Response struct {
	Status int
	Body   interface{}
}

// MockTokenResponses answers /oauth2/token with the given replies in order; the last
// one repeats.
func (m *MockTwitchServer) MockTokenResponses(rs ...Response) {
	m.Handle("/oauth2/token", sequence(rs))
}

// MockDeviceCode answers /oauth2/device.
func (m *MockTwitchServer) MockDeviceCode(deviceCode, userCode string, interval int) {
	m.Handle("/oauth2/device", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"device_code":      deviceCode,
			"user_code":        userCode,
			"verification_uri": "https://www.twitch.tv/activate?device-code=" + userCode,
			"expires_in":       1800,
			"interval":         interval,
		})
	})
}

// MockSubscriptions answers POST /helix/eventsub/subscriptions with status for every call.
func (m *MockTwitchServer) MockSubscriptions(status int) {
	m.Handle("/helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		if status >= 300 {
			writeJSON(w, status, map[string]interface{}{"error": http.StatusText(status), "status": status, "message": "subscription rejected"})
			return
		}
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck // test mock
		req["id"] = "sub-" + r.Header.Get("Client-Id")
		req["status"] = "enabled"
		writeJSON(w, status, map[string]interface{}{"data": []interface{}{req}, "total": 1})
	})
}

func sequence(rs []Response) http.HandlerFunc {
	var mu sync.Mutex
	i := 0
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := rs[i]
		if i < len(rs)-1 {
			i++
		}
		mu.Unlock()
		writeJSON(w, resp.Status, resp.Body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
