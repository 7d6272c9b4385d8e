package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pkg/browser"

	"github.com/onnwee/sub-tender/twitchapi"
)

// LocalRedirectFlow implements the authorization code grant with a single-use HTTP
// listener on Addr that receives the browser redirect.
type LocalRedirectFlow struct {
	Client *twitchapi.OAuthClient
	// Addr is the host:port to bind. Port 0 picks a free port.
	Addr string
	// RedirectURI must match the Twitch application's registered redirect. Empty means
	// http://<bound address>.
	RedirectURI string
	// OpenBrowser defaults to pkg/browser.
	OpenBrowser func(url string) error
	Out         io.Writer
}

func (f *LocalRedirectFlow) Method() Method { return MethodLocalRedirect }

type redirectResult struct {
	tr  *twitchapi.TokenResponse
	err error
}

func (f *LocalRedirectFlow) Authorize(ctx context.Context, scopes []string) (*twitchapi.TokenResponse, error) {
	ln, err := net.Listen("tcp", f.Addr)
	if err != nil {
		return nil, fmt.Errorf("bind redirect listener %s: %w", f.Addr, err)
	}
	redirectURI := f.RedirectURI
	if redirectURI == "" {
		redirectURI = "http://" + ln.Addr().String()
	}
	state := uuid.NewString()
	authURL, err := f.Client.BuildAuthorizeURL(redirectURI, scopes, state)
	if err != nil {
		ln.Close()
		return nil, err
	}

	done := make(chan redirectResult, 1)
	var consumed sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		code, denied := q.Get("code"), q.Get("error")
		if code == "" && denied == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		first := false
		consumed.Do(func() { first = true })
		if !first {
			http.Error(w, "authorization already handled", http.StatusGone)
			return
		}
		if denied != "" {
			http.Error(w, "authorization denied", http.StatusBadRequest)
			done <- redirectResult{err: fmt.Errorf("user denied authorization: %s %s", denied, q.Get("error_description"))}
			return
		}
		tr, err := f.Client.ExchangeAuthCode(r.Context(), code, redirectURI)
		if err != nil {
			http.Error(w, "token exchange failed", http.StatusBadGateway)
			done <- redirectResult{err: err}
			return
		}
		fmt.Fprintln(w, "Authorization complete. You can close this window.")
		done <- redirectResult{tr: tr}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("redirect listener stopped", slog.Any("err", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("redirect listener shutdown", slog.Any("err", err))
		}
	}()

	f.prompt(authURL)
	open := f.OpenBrowser
	if open == nil {
		open = browser.OpenURL
	}
	if err := open(authURL); err != nil {
		slog.Warn("could not open browser; open the URL manually", slog.Any("err", err))
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.tr, res.err
	}
}

func (f *LocalRedirectFlow) prompt(authURL string) {
	out := f.Out
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintf(out, "\n%s\n  %s\n\n", bold("Authorize this bot on Twitch by visiting:"), color.CyanString(authURL))
}
