package testutil

import (
	"net/http"
	"strings"
)

// RewriteTransport sends every request to Target regardless of the URL it was built
// with, so code calling the real Twitch hosts can be pointed at an httptest server.
type RewriteTransport struct {
	Target string
	Base   http.RoundTripper
}

func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = "http"
	host := strings.TrimPrefix(t.Target, "http://")
	host = strings.TrimPrefix(host, "https://")
	r.URL.Host = host
	r.Host = host
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}
