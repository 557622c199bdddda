package pprof

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandlerRequiresToken(t *testing.T) {
	t.Parallel()

	h := Handler(Config{Prefix: "dbg", Token: "s3cret"})
	cases := []struct {
		name   string
		target string
		auth   string
		want   int
	}{
		{"no token", "/dbg/", "", http.StatusUnauthorized},
		{"wrong token", "/dbg/?token=nope", "", http.StatusUnauthorized},
		{"query token", "/healthz?token=s3cret", "", http.StatusOK},
		{"bearer", "/healthz", "Bearer s3cret", http.StatusOK},
		{"index", "/dbg/?token=s3cret", "", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.target, nil)
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestRedirectToCanonicalPrefix(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof", nil))
	if rec.Code != http.StatusPermanentRedirect || rec.Header().Get("Location") != "/debug/pprof/" {
		t.Fatalf("status = %d location = %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"nonsense":       false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
