package twitchapi

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// IdentityResolver maps Twitch login names to numeric user ids, caching hits for the
// life of the process.
type IdentityResolver struct {
	Helix *HelixClient

	mu    sync.Mutex
	cache map[string]string
}

func NewIdentityResolver(h *HelixClient) *IdentityResolver {
	return &IdentityResolver{Helix: h, cache: make(map[string]string)}
}

// Resolve returns the user id for login. Unknown logins yield ErrUserNotFound.
func (r *IdentityResolver) Resolve(ctx context.Context, login string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(login))
	r.mu.Lock()
	if id, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	id, err := r.Helix.GetUserID(ctx, key)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	if r.cache == nil {
		r.cache = make(map[string]string)
	}
	r.cache[key] = id
	r.mu.Unlock()
	slog.Debug("resolved twitch login", slog.String("login", key), slog.String("user_id", id))
	return id, nil
}
