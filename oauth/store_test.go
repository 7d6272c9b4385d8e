package oauth

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/sub-tender/crypto"
)

func sampleCredential() *Credential {
	return &Credential{
		Identity:     "streamer",
		AccessToken:  "access-abcdef123456",
		RefreshToken: "refresh-xyz",
		Scopes:       []string{"bits:read", "chat:read"},
		ExpiresIn:    14400,
		ExpiresAt:    time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC),
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, nil)
	ctx := context.Background()

	_, err := store.Load(ctx, "streamer")
	assert.ErrorIs(t, err, ErrNoCredential)

	require.NoError(t, store.Save(ctx, sampleCredential()))

	path := filepath.Join(dir, "twitch_token-streamer.json")
	assert.Equal(t, path, store.Path("streamer"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, field := range []string{`"access_token"`, `"refresh_token"`, `"expires_in": 14400`, `"expires_at": "2024-03-01T16:00:00Z"`, `"scope"`} {
		assert.Contains(t, string(raw), field)
	}

	got, err := store.Load(ctx, "streamer")
	require.NoError(t, err)
	assert.Equal(t, sampleCredential(), got)

	// only the final file remains
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStore_Overwrite(t *testing.T) {
	store := NewFileStore(t.TempDir(), nil)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sampleCredential()))

	next := sampleCredential()
	next.AccessToken = "second"
	next.RefreshToken = ""
	require.NoError(t, store.Save(ctx, next))

	got, err := store.Load(ctx, "streamer")
	require.NoError(t, err)
	assert.Equal(t, "second", got.AccessToken)
	assert.Empty(t, got.RefreshToken)
}

func TestFileStore_Encrypted(t *testing.T) {
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{4}, 32)))
	require.NoError(t, err)
	dir := t.TempDir()
	store := NewFileStore(dir, enc)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleCredential()))
	raw, err := os.ReadFile(store.Path("streamer"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "access-abcdef123456")
	assert.Contains(t, string(raw), `"encryption_version": 1`)

	got, err := store.Load(ctx, "streamer")
	require.NoError(t, err)
	assert.Equal(t, "access-abcdef123456", got.AccessToken)
	assert.Equal(t, "refresh-xyz", got.RefreshToken)

	// without the key the record cannot be opened
	_, err = NewFileStore(dir, nil).Load(ctx, "streamer")
	assert.Error(t, err)
}

func TestFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, nil)
	require.NoError(t, os.WriteFile(store.Path("streamer"), []byte("{not json"), 0o600))
	_, err := store.Load(context.Background(), "streamer")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "decode token file"))
}
