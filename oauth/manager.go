package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/sub-tender/telemetry"
	"github.com/onnwee/sub-tender/twitchapi"
)

const tracerName = "sub-tender/oauth"

// Options configures a Manager.
type Options struct {
	// Identity keys the stored credential: the account's Twitch user id.
	Identity string
	// Login is the account name used in logs and metrics. Credentials saved under it
	// by older releases are moved to Identity on first load.
	Login  string
	Scopes []string
	Store  TokenStore
	Flow   Flow
	Client *twitchapi.OAuthClient
	// ValidateRemote checks scopes against GET /oauth2/validate in addition to the
	// stored scope list.
	ValidateRemote bool
	Clock          clockwork.Clock
}

// Manager hands out a valid credential for one identity. All credential work for a
// Manager is collapsed through a singleflight group, so concurrent callers share one
// load, refresh or interactive authorization.
type Manager struct {
	identity       string
	login          string
	scopes         []string
	store          TokenStore
	flow           Flow
	client         *twitchapi.OAuthClient
	validateRemote bool
	clock          clockwork.Clock
	log            *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	current *Credential
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Client == nil || opts.Client.ClientID == "" || opts.Client.ClientSecret == "" {
		return nil, ErrMissingClientCredentials
	}
	if opts.Identity == "" {
		return nil, errors.New("oauth: identity is required")
	}
	if opts.Store == nil {
		return nil, errors.New("oauth: token store is required")
	}
	if opts.Flow == nil {
		return nil, errors.New("oauth: authorization flow is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	login := strings.ToLower(strings.TrimSpace(opts.Login))
	if login == "" {
		login = opts.Identity
	}
	return &Manager{
		identity:       opts.Identity,
		login:          login,
		scopes:         append([]string(nil), opts.Scopes...),
		store:          opts.Store,
		flow:           opts.Flow,
		client:         opts.Client,
		validateRemote: opts.ValidateRemote,
		clock:          clk,
		log:            slog.Default().With(slog.String("component", "oauth"), slog.String("identity", opts.Identity), slog.String("login", login)),
	}, nil
}

func (m *Manager) Identity() string { return m.identity }
func (m *Manager) Login() string { return m.login }
func (m *Manager) ClientID() string { return m.client.ClientID }

// GetValidCredential returns an unexpired credential carrying the required scopes,
// refreshing or re-authorizing as needed.
func (m *Manager) GetValidCredential(ctx context.Context) (*Credential, error) {
	return m.do(ctx, m.obtain)
}

// AccessToken implements twitchapi.Authorizer.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	cred, err := m.GetValidCredential(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// Authorize sets the Helix auth headers on req.
func (m *Manager) Authorize(ctx context.Context, req *http.Request) error {
	tok, err := m.AccessToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", m.client.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// ForceReauthorize discards whatever is stored and runs the interactive flow.
func (m *Manager) ForceReauthorize(ctx context.Context) (*Credential, error) {
	return m.do(ctx, m.authorize)
}

// backgroundResult is what RefreshIfExpiring leaves in the singleflight group.
type backgroundResult struct {
	cred      *Credential
	refreshed bool
}

// backgroundError wraps a RefreshIfExpiring failure so callers that joined it can
// tell it apart from a failure of their own work.
type backgroundError struct{ err error }

func (e *backgroundError) Error() string { return e.err.Error() }
func (e *backgroundError) Unwrap() error { return e.err }

// RefreshIfExpiring refreshes the stored credential when its remaining lifetime is at
// most window. It never starts an interactive flow and reports whether it refreshed.
func (m *Manager) RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error) {
	v, err, _ := m.group.Do(m.identity, func() (any, error) {
		r, err := m.refreshIfExpiring(ctx, window)
		if err != nil {
			return nil, &backgroundError{err: err}
		}
		return r, nil
	})
	var bg *backgroundError
	if errors.As(err, &bg) {
		return false, bg.err
	}
	if err != nil {
		return false, err
	}
	r, _ := v.(backgroundResult)
	return r.refreshed, nil
}

func (m *Manager) refreshIfExpiring(ctx context.Context, window time.Duration) (backgroundResult, error) {
	cred, err := m.load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return backgroundResult{}, nil
		}
		return backgroundResult{}, err
	}
	if !cred.CanRefresh() || cred.ExpiresAt.Sub(m.clock.Now()) > window {
		return backgroundResult{cred: cred}, nil
	}
	next, err := m.refresh(ctx, cred)
	if err != nil {
		return backgroundResult{}, err
	}
	return backgroundResult{cred: next, refreshed: true}, nil
}

// do runs fn under the identity's singleflight key. A call that lands on an in-flight
// RefreshIfExpiring runs fn once more after it settles: the background path checks no
// scopes and never falls back to authorization, so its outcome cannot stand in for fn.
func (m *Manager) do(ctx context.Context, fn func(context.Context) (*Credential, error)) (*Credential, error) {
	call := func() (any, error) { return fn(ctx) }
	v, err, _ := m.group.Do(m.identity, call)
	var bg *backgroundError
	if _, joined := v.(backgroundResult); joined || errors.As(err, &bg) {
		m.log.Debug("joined background refresh; settling credential in the foreground")
		v, err, _ = m.group.Do(m.identity, call)
	}
	if err != nil {
		return nil, err
	}
	switch r := v.(type) {
	case *Credential:
		if r != nil {
			return r, nil
		}
	case backgroundResult:
		if r.cred.Valid(m.clock.Now()) {
			return r.cred, nil
		}
	}
	return nil, ErrNoCredential
}

func (m *Manager) obtain(ctx context.Context) (*Credential, error) {
	cred, err := m.load(ctx)
	switch {
	case errors.Is(err, ErrNoCredential):
		m.log.Info("no stored credential; starting authorization")
		return m.authorize(ctx)
	case err != nil:
		m.log.Warn("stored credential unreadable; starting authorization", slog.Any("err", err))
		return m.authorize(ctx)
	}

	if cred.Valid(m.clock.Now()) {
		err := m.checkScopes(ctx, cred)
		var mismatch *ScopeMismatchError
		switch {
		case err == nil:
			return cred, nil
		case errors.As(err, &mismatch):
			telemetry.IncScopeMismatch()
			m.log.Warn("stored credential lacks required scopes; re-authorizing", slog.Any("missing", mismatch.Missing))
			return m.authorize(ctx)
		case errors.Is(err, twitchapi.ErrTokenInvalid):
			m.log.Warn("stored access token rejected by twitch")
		default:
			m.log.Warn("token validation unavailable; using stored credential", slog.Any("err", err))
			return cred, nil
		}
	}

	if cred.CanRefresh() {
		next, err := m.refresh(ctx, cred)
		if err == nil {
			return next, nil
		}
		m.log.Warn("token refresh failed; starting authorization", slog.Any("err", err))
	}
	return m.authorize(ctx)
}

func (m *Manager) checkScopes(ctx context.Context, cred *Credential) error {
	if missing := cred.MissingScopes(m.scopes); len(missing) > 0 {
		return &ScopeMismatchError{Identity: m.identity, Missing: missing}
	}
	if !m.validateRemote {
		return nil
	}
	v, err := m.client.Validate(ctx, cred.AccessToken)
	if err != nil {
		return err
	}
	if missing := missingScopes(v.Scopes, m.scopes); len(missing) > 0 {
		return &ScopeMismatchError{Identity: m.identity, Missing: missing}
	}
	return nil
}

func (m *Manager) refresh(ctx context.Context, old *Credential) (cred *Credential, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "oauth.refresh", attribute.String("identity", m.identity))
	defer func() { telemetry.EndSpan(span, err) }()

	tr, err := m.client.RefreshToken(ctx, old.RefreshToken)
	if err != nil {
		telemetry.IncTokenRefresh(m.login, "error")
		return nil, err
	}
	cred = NewCredential(m.identity, tr, m.clock.Now())
	if cred.RefreshToken == "" {
		cred.RefreshToken = old.RefreshToken
	}
	if len(cred.Scopes) == 0 {
		cred.Scopes = old.Scopes
	}
	telemetry.IncTokenRefresh(m.login, "ok")
	m.persist(ctx, cred)
	m.log.Info("token refreshed", slog.String("token", MaskToken(cred.AccessToken)), slog.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}

func (m *Manager) authorize(ctx context.Context) (cred *Credential, err error) {
	method := m.flow.Method().String()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "oauth.authorize",
		attribute.String("identity", m.identity), attribute.String("method", method))
	defer func() { telemetry.EndSpan(span, err) }()

	tr, err := m.flow.Authorize(ctx, m.scopes)
	if err != nil {
		telemetry.IncAuthorization(m.login, method, "error")
		return nil, fmt.Errorf("%w for %s: %w", ErrAuthorizationFailed, m.login, err)
	}
	cred = NewCredential(m.identity, tr, m.clock.Now())
	if len(cred.Scopes) == 0 {
		cred.Scopes = normalizeScopes(m.scopes)
	}
	telemetry.IncAuthorization(m.login, method, "ok")
	m.persist(ctx, cred)
	m.log.Info("authorization complete", slog.String("method", method), slog.Any("scopes", cred.Scopes))
	return cred, nil
}

func (m *Manager) load(ctx context.Context) (*Credential, error) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur != nil {
		return cur, nil
	}
	cred, err := m.store.Load(ctx, m.identity)
	if errors.Is(err, ErrNoCredential) && m.login != m.identity {
		cred, err = m.loadLegacy(ctx)
	}
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.current = cred
	m.mu.Unlock()
	return cred, nil
}

// loadLegacy picks up a credential saved under the login and re-saves it under the
// user id.
func (m *Manager) loadLegacy(ctx context.Context) (*Credential, error) {
	cred, err := m.store.Load(ctx, m.login)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return nil, ErrNoCredential
		}
		return nil, err
	}
	cred.Identity = m.identity
	if err := m.store.Save(ctx, cred); err != nil {
		m.log.Error("failed to re-key credential", slog.Any("err", err))
	} else {
		m.log.Info("credential moved from login key to user id")
	}
	return cred, nil
}

// persist keeps the credential in memory even when the store write fails; the token is
// valid and the next successful save catches the store up.
func (m *Manager) persist(ctx context.Context, cred *Credential) {
	m.mu.Lock()
	m.current = cred
	m.mu.Unlock()
	if err := m.store.Save(ctx, cred); err != nil {
		m.log.Error("failed to persist credential", slog.Any("err", err))
	}
}
