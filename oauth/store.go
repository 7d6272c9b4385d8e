package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/onnwee/sub-tender/crypto"
)

// TokenStore persists one Credential per identity. Reads and writes are whole-record.
type TokenStore interface {
	// Load returns ErrNoCredential when nothing is saved for identity.
	Load(ctx context.Context, identity string) (*Credential, error)
	Save(ctx context.Context, cred *Credential) error
}

// FileStore keeps each credential in <Dir>/twitch_token-<identity>.json with mode 0600.
type FileStore struct {
	Dir       string
	Encryptor crypto.Encryptor // optional
}

func NewFileStore(dir string, enc crypto.Encryptor) *FileStore {
	if dir == "" {
		dir = "."
	}
	return &FileStore{Dir: dir, Encryptor: enc}
}

type fileRecord struct {
	AccessToken       string    `json:"access_token"`
	RefreshToken      string    `json:"refresh_token,omitempty"`
	ExpiresIn         int       `json:"expires_in"`
	ExpiresAt         time.Time `json:"expires_at"`
	Scope             []string  `json:"scope"`
	EncryptionVersion int       `json:"encryption_version,omitempty"`
}

// Path is the file backing identity.
func (s *FileStore) Path(identity string) string {
	return filepath.Join(s.Dir, "twitch_token-"+identity+".json")
}

func (s *FileStore) Load(_ context.Context, identity string) (*Credential, error) {
	b, err := os.ReadFile(s.Path(identity))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode token file %s: %w", s.Path(identity), err)
	}
	at, rt, err := crypto.OpenPair(s.Encryptor, rec.EncryptionVersion, rec.AccessToken, rec.RefreshToken)
	if err != nil {
		return nil, err
	}
	return &Credential{
		Identity:     identity,
		AccessToken:  at,
		RefreshToken: rt,
		Scopes:       rec.Scope,
		ExpiresIn:    rec.ExpiresIn,
		ExpiresAt:    rec.ExpiresAt,
	}, nil
}

// Save writes through a temp file and rename so a crash never leaves a torn record.
func (s *FileStore) Save(_ context.Context, cred *Credential) error {
	if cred == nil || cred.Identity == "" {
		return errors.New("save token: credential has no identity")
	}
	at, rt, ver, err := crypto.SealPair(s.Encryptor, cred.AccessToken, cred.RefreshToken)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(fileRecord{
		AccessToken:       at,
		RefreshToken:      rt,
		ExpiresIn:         cred.ExpiresIn,
		ExpiresAt:         cred.ExpiresAt.UTC(),
		Scope:             cred.Scopes,
		EncryptionVersion: ver,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.Dir, ".twitch_token-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.Path(cred.Identity)); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
