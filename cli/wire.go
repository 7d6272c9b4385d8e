package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/sub-tender/config"
	"github.com/onnwee/sub-tender/crypto"
	"github.com/onnwee/sub-tender/db"
	"github.com/onnwee/sub-tender/oauth"
	"github.com/onnwee/sub-tender/twitchapi"
)

// stack is the credential plumbing shared by every command.
type stack struct {
	cfg    *config.Config
	client *twitchapi.OAuthClient
	store  oauth.TokenStore
	db     *sql.DB
	method oauth.Method
	http   *http.Client

	appResolver *twitchapi.IdentityResolver
}

func (a *app) openStack(ctx context.Context) (*stack, error) {
	cfg := a.cfg
	method, err := oauth.ParseMethod(cfg.AuthMethod)
	if err != nil {
		return nil, &config.Error{Reason: err.Error()}
	}
	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		e, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, &config.Error{Reason: "ENCRYPTION_KEY: " + err.Error()}
		}
		enc = e
	} else {
		slog.Warn("ENCRYPTION_KEY not set; tokens are stored in plaintext", slog.String("component", "oauth"))
	}

	s := &stack{
		cfg:    cfg,
		client: &twitchapi.OAuthClient{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, HTTPClient: a.httpClient},
		method: method,
		http:   a.httpClient,
	}
	switch cfg.TokenStore {
	case "postgres":
		dbx, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(dbx); err != nil {
			dbx.Close()
			return nil, err
		}
		s.db = dbx
		s.store = db.NewTokenStore(dbx, enc)
	default:
		s.store = oauth.NewFileStore(cfg.TokenDir, enc)
	}
	slog.Info("token store ready", slog.String("component", "oauth"), slog.String("store", cfg.TokenStore), slog.Bool("encrypted", enc != nil))
	return s, nil
}

func (s *stack) Close() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close database", slog.Any("err", err))
	}
}

func (s *stack) helix(auth twitchapi.Authorizer) *twitchapi.HelixClient {
	return &twitchapi.HelixClient{Auth: auth, ClientID: s.client.ClientID, HTTPClient: s.http}
}

// appIdentities resolves logins with an app access token. One resolver per stack, so
// an id looked up while building a Manager is not fetched again by the listener.
func (s *stack) appIdentities() *twitchapi.IdentityResolver {
	if s.appResolver == nil {
		ts := &twitchapi.TokenSource{ClientID: s.client.ClientID, ClientSecret: s.client.ClientSecret, HTTPClient: s.http}
		s.appResolver = twitchapi.NewIdentityResolver(s.helix(ts))
	}
	return s.appResolver
}

// manager builds the Manager for one account. Interactive prompts go to a.out.
//
// With IDENTITY_TOKEN=app the credential is keyed by the account's user id, resolved
// before the Manager exists. With IDENTITY_TOKEN=user lookups need the broadcaster's
// own token, so the credential stays keyed by login.
func (a *app) manager(ctx context.Context, s *stack, login string, scopes []string) (*oauth.Manager, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	identity := login
	if a.cfg.IdentityToken != "user" {
		id, err := s.appIdentities().Resolve(ctx, login)
		if err != nil {
			return nil, fmt.Errorf("resolve account %s: %w", login, err)
		}
		identity = id
	}
	return oauth.NewManager(oauth.Options{
		Identity:       identity,
		Login:          login,
		Scopes:         scopes,
		Store:          s.store,
		Flow:           oauth.NewFlow(s.method, s.client, s.cfg.RedirectHost, s.cfg.RedirectPort, a.out),
		Client:         s.client,
		ValidateRemote: s.cfg.ValidateTokens,
	})
}

func (a *app) broadcasterManager(ctx context.Context, s *stack) (*oauth.Manager, error) {
	if strings.TrimSpace(a.cfg.BroadcasterUsername) == "" {
		return nil, &config.Error{Missing: []string{"BROADCASTER_USERNAME"}}
	}
	return a.manager(ctx, s, a.cfg.BroadcasterUsername, config.Scopes(a.cfg.BroadcasterScopes))
}

func (a *app) botManager(ctx context.Context, s *stack) (*oauth.Manager, error) {
	if strings.TrimSpace(a.cfg.BotUsername) == "" {
		return nil, &config.Error{Missing: []string{"BOT_USERNAME"}}
	}
	return a.manager(ctx, s, a.cfg.BotUsername, config.Scopes(a.cfg.BotScopes))
}

// identityResolver picks the bearer used for user lookups (IDENTITY_TOKEN).
func (a *app) identityResolver(s *stack, user *oauth.Manager) (*twitchapi.IdentityResolver, error) {
	switch a.cfg.IdentityToken {
	case "user":
		if user == nil {
			return nil, fmt.Errorf("IDENTITY_TOKEN=user needs a broadcaster account")
		}
		slog.Info("identity lookups use the broadcaster user token", slog.String("component", "identity"))
		return twitchapi.NewIdentityResolver(s.helix(user)), nil
	default:
		slog.Info("identity lookups use an app access token", slog.String("component", "identity"))
		return s.appIdentities(), nil
	}
}
