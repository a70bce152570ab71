package main

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_sink/internal/auth"
	"github.com/austindbirch/harbor_sink/internal/config"
	"github.com/austindbirch/harbor_sink/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New("fake-receiver-test").WithOutput(io.Discard, logging.LevelDebug)
}

func newTestReceiver(t *testing.T, cfg config.FakeReceiver) (*receiver, http.Handler) {
	t.Helper()
	if cfg.FailStatus == 0 {
		cfg.FailStatus = http.StatusInternalServerError
	}
	authn, err := authMiddleware(cfg)
	if err != nil {
		t.Fatalf("authMiddleware: %v", err)
	}
	rv := newReceiver(cfg, testLogger())
	return rv, rv.routes(authn)
}

func do(h http.Handler, method, path, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(`{"id":1}`))
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestFailFirstN(t *testing.T) {
	rv, h := newTestReceiver(t, config.FakeReceiver{FailFirstN: 2, FailStatus: http.StatusServiceUnavailable})

	want := []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK, http.StatusOK}
	for i, code := range want {
		if got := do(h, http.MethodPost, "/records", "").Code; got != code {
			t.Fatalf("request %d: status = %d, want %d", i+1, got, code)
		}
	}
	if rv.count != 4 || rv.inserts != 2 {
		t.Fatalf("count=%d inserts=%d, want 4 and 2", rv.count, rv.inserts)
	}
}

func TestRoutesByMethod(t *testing.T) {
	_, h := newTestReceiver(t, config.FakeReceiver{})

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/records", http.StatusOK},
		{http.MethodPatch, "/records/42", http.StatusOK},
		{http.MethodPut, "/records/42", http.StatusOK},
		{http.MethodDelete, "/records/42", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if got := do(h, tt.method, tt.path, "").Code; got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}

	rec := do(h, http.MethodGet, "/stats", "")
	var st stats
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Inserts != 1 || st.Updates != 2 || st.Requests != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStaticAuth(t *testing.T) {
	_, h := newTestReceiver(t, config.FakeReceiver{AuthMode: "static", Authorization: "Token abc"})

	if got := do(h, http.MethodPost, "/records", "").Code; got != http.StatusUnauthorized {
		t.Errorf("missing header: status = %d, want 401", got)
	}
	if got := do(h, http.MethodPost, "/records", "Token nope").Code; got != http.StatusUnauthorized {
		t.Errorf("wrong header: status = %d, want 401", got)
	}
	if got := do(h, http.MethodPost, "/records", "Token abc").Code; got != http.StatusOK {
		t.Errorf("matching header: status = %d, want 200", got)
	}
	if got := do(h, http.MethodGet, "/healthz", "").Code; got != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200", got)
	}
}

func TestAuthMiddlewareConfig(t *testing.T) {
	if _, err := authMiddleware(config.FakeReceiver{AuthMode: "static"}); err == nil {
		t.Error("static mode without a header should fail")
	}
	if _, err := authMiddleware(config.FakeReceiver{AuthMode: "hmac"}); err == nil {
		t.Error("unknown mode should fail")
	}
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": "harborsink",
		"aud": "harborsink-receiver",
		"sub": "harborsink",
		"exp": exp.Unix(),
	})
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWTAuth(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	// The key set starts with key1 and gains key2 after the first fetch.
	fetches := 0
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		set := auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.NewJSONWebKey("k1", &key1.PublicKey)}}
		if fetches > 1 {
			set.Keys = append(set.Keys, auth.NewJSONWebKey("k2", &key2.PublicKey))
		}
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer jwks.Close()

	_, h := newTestReceiver(t, config.FakeReceiver{
		AuthMode: "jwt",
		JWKSURL:  jwks.URL,
		Issuer:   "harborsink",
		Audience: "harborsink-receiver",
	})

	valid := signToken(t, key1, "k1", time.Now().Add(time.Hour))
	expired := signToken(t, key1, "k1", time.Now().Add(-time.Hour))
	rotated := signToken(t, key2, "k2", time.Now().Add(time.Hour))

	tests := []struct {
		name  string
		authz string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusOK},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"rotated key", "Bearer " + rotated, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := do(h, http.MethodPost, "/records", tt.authz).Code; got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
	if fetches != 2 {
		t.Errorf("jwks fetches = %d, want 2", fetches)
	}
}

func TestJWTAuthKeySetUnavailable(t *testing.T) {
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer jwks.Close()

	_, h := newTestReceiver(t, config.FakeReceiver{AuthMode: "jwt", JWKSURL: jwks.URL})
	if got := do(h, http.MethodPost, "/records", "Bearer x.y.z").Code; got != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer", 4, "this..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
