package twitchapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Device flow polling codes returned by the token endpoint.
const (
	CodeAuthorizationPending = "authorization_pending"
	CodeSlowDown             = "slow_down"
)

var (
	// ErrUserNotFound is returned when Helix reports zero accounts for a login.
	ErrUserNotFound = errors.New("user not found")
	// ErrTokenInvalid is returned by Validate when Twitch no longer accepts the token.
	ErrTokenInvalid = errors.New("access token invalid")
)

// APIError is a non-success response from a Helix data endpoint.
type APIError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch %s %s: %d %s", e.Method, e.Endpoint, e.StatusCode, e.Message)
}

// AuthExchangeError is a rejection from the OAuth token endpoint.
type AuthExchangeError struct {
	Grant      string
	StatusCode int
	// Code is the "error" or "message" field of the response, e.g. authorization_pending.
	Code string
	Body string
}

func (e *AuthExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("twitch %s exchange failed: %d: %s", e.Grant, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("twitch %s exchange failed: %d: %s", e.Grant, e.StatusCode, e.Body)
}

// IsAuthCode reports whether err is an AuthExchangeError carrying code.
func IsAuthCode(err error, code string) bool {
	var ae *AuthExchangeError
	return errors.As(err, &ae) && ae.Code == code
}

type errorBody struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func readErrorBody(resp *http.Response) (errorBody, string) {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	raw := strings.TrimSpace(string(b))
	var eb errorBody
	_ = json.Unmarshal(b, &eb)
	return eb, raw
}

func newAPIError(resp *http.Response, method, endpoint string) *APIError {
	eb, raw := readErrorBody(resp)
	msg := eb.Message
	if msg == "" {
		msg = raw
	}
	return &APIError{Method: method, Endpoint: endpoint, StatusCode: resp.StatusCode, Message: msg}
}

func newAuthExchangeError(resp *http.Response, grant string) *AuthExchangeError {
	eb, raw := readErrorBody(resp)
	// Twitch carries the specific reason in "message"; "error" is usually the status text.
	code := eb.Message
	if code == "" {
		code = eb.Error
	}
	return &AuthExchangeError{Grant: grant, StatusCode: resp.StatusCode, Code: code, Body: raw}
}
