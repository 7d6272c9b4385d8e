package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthURL(t *testing.T) {
	tests := []struct {
		name, override, addr, want string
	}{
		{"default", "", "", "http://localhost:8080/healthz"},
		{"port only", "", ":9090", "http://localhost:9090/healthz"},
		{"explicit host", "", "127.0.0.1:9000", "http://127.0.0.1:9000/healthz"},
		{"wildcard", "", "0.0.0.0:7000", "http://localhost:7000/healthz"},
		{"override", "http://bot:1234/healthz", ":9090", "http://bot:1234/healthz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HEALTHCHECK_URL", tt.override)
			t.Setenv("HTTP_ADDR", tt.addr)
			if got := healthURL(); got != tt.want {
				t.Fatalf("healthURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProbe(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	if code := probe(ok.URL); code != 0 {
		t.Fatalf("expected 0, got %d", code)
	}
	if code := probe(bad.URL); code != 1 {
		t.Fatalf("expected 1, got %d", code)
	}
	if code := probe("http://127.0.0.1:1/healthz"); code != 1 {
		t.Fatalf("expected 1 for unreachable, got %d", code)
	}
}
