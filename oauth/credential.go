// Package oauth owns the Twitch user-token lifecycle for one identity: loading the
// persisted credential, refreshing it before use, checking it still carries the
// scopes the bot needs, and falling back to an interactive authorization (device
// code or local redirect) when nothing else works.
package oauth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/onnwee/sub-tender/twitchapi"
)

var (
	// ErrMissingClientCredentials means TWITCH_CLIENT_ID or TWITCH_CLIENT_SECRET is unset.
	ErrMissingClientCredentials = errors.New("oauth: twitch client id and secret are required")
	// ErrAuthorizationFailed wraps any failure of an interactive authorization.
	ErrAuthorizationFailed = errors.New("oauth: authorization failed")
	// ErrDeviceCodeExpired is returned when the user never approved the device code.
	ErrDeviceCodeExpired = errors.New("oauth: device code expired before authorization")
	// ErrNoCredential is returned by a TokenStore with nothing saved for the identity.
	ErrNoCredential = errors.New("oauth: no stored credential")
)

// ScopeMismatchError reports a credential lacking required scopes.
type ScopeMismatchError struct {
	Identity string
	Missing  []string
}

func (e *ScopeMismatchError) Error() string {
	return fmt.Sprintf("oauth: credential for %s is missing scopes: %s", e.Identity, strings.Join(e.Missing, " "))
}

// defaultLifetime is assumed when Twitch omits expires_in.
const defaultLifetime = 60 * time.Minute

// Credential is one identity's user token.
type Credential struct {
	Identity     string
	AccessToken  string
	RefreshToken string
	Scopes       []string
	ExpiresIn    int
	ExpiresAt    time.Time
}

// NewCredential converts a token response accepted at issuedAt.
func NewCredential(identity string, tr *twitchapi.TokenResponse, issuedAt time.Time) *Credential {
	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if tr.ExpiresIn <= 0 {
		lifetime = defaultLifetime
	}
	return &Credential{
		Identity:     identity,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Scopes:       normalizeScopes(tr.Scope),
		ExpiresIn:    tr.ExpiresIn,
		ExpiresAt:    issuedAt.Add(lifetime),
	}
}

// Valid reports whether the access token is unexpired at now.
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.AccessToken != "" && now.Before(c.ExpiresAt)
}

// CanRefresh reports whether the credential can be renewed without the user.
func (c *Credential) CanRefresh() bool {
	return c != nil && c.RefreshToken != ""
}

// MissingScopes returns the required scopes the credential does not carry.
func (c *Credential) MissingScopes(required []string) []string {
	return missingScopes(c.Scopes, required)
}

func missingScopes(have, required []string) []string {
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	var missing []string
	for _, s := range required {
		if _, ok := set[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

func normalizeScopes(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// MaskToken keeps only the last six characters, for logs.
func MaskToken(tok string) string {
	if len(tok) <= 6 {
		return "***"
	}
	return "***" + tok[len(tok)-6:]
}
