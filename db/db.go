// Package db provides the Postgres connection helper, schema migrations and the
// Postgres-backed credential store used when TOKEN_STORE=postgres.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/sub-tender/crypto"
	"github.com/onnwee/sub-tender/oauth"
	"github.com/onnwee/sub-tender/telemetry"
)

// Connect opens and pings a Postgres connection pool.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("db: empty DSN")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	dbx.SetMaxOpenConns(4)
	dbx.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return dbx, nil
}

// TokenStore implements oauth.TokenStore on the oauth_credentials table. Token
// columns are sealed with Encryptor when one is configured.
type TokenStore struct {
	DB        *sql.DB
	Encryptor crypto.Encryptor
}

var _ oauth.TokenStore = (*TokenStore)(nil)

func NewTokenStore(dbx *sql.DB, enc crypto.Encryptor) *TokenStore {
	return &TokenStore{DB: dbx, Encryptor: enc}
}

func (s *TokenStore) Load(ctx context.Context, identity string) (*oauth.Credential, error) {
	defer s.reportPool()
	var (
		access, refresh, scope string
		expiresIn, encVersion  int
		expiresAt              time.Time
	)
	row := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_in, expires_at, scope, encryption_version
		 FROM oauth_credentials WHERE identity = $1`, identity)
	err := row.Scan(&access, &refresh, &expiresIn, &expiresAt, &scope, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrNoCredential
	}
	if err != nil {
		return nil, err
	}
	access, refresh, err = crypto.OpenPair(s.Encryptor, encVersion, access, refresh)
	if err != nil {
		return nil, err
	}
	return &oauth.Credential{
		Identity:     identity,
		AccessToken:  access,
		RefreshToken: refresh,
		Scopes:       strings.Fields(scope),
		ExpiresIn:    expiresIn,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *TokenStore) Save(ctx context.Context, cred *oauth.Credential) error {
	defer s.reportPool()
	if cred == nil || cred.Identity == "" {
		return errors.New("save token: credential has no identity")
	}
	access, refresh, encVersion, err := crypto.SealPair(s.Encryptor, cred.AccessToken, cred.RefreshToken)
	if err != nil {
		return err
	}
	q := `INSERT INTO oauth_credentials(identity, access_token, refresh_token, expires_in, expires_at, scope, encryption_version, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		  ON CONFLICT(identity) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_in=EXCLUDED.expires_in,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    updated_at=NOW()`
	_, err = s.DB.ExecContext(ctx, q, cred.Identity, access, refresh, cred.ExpiresIn, cred.ExpiresAt, strings.Join(cred.Scopes, " "), encVersion)
	return err
}

func (s *TokenStore) reportPool() {
	st := s.DB.Stats()
	telemetry.UpdateDatabasePoolMetrics(st.OpenConnections, st.InUse)
}
