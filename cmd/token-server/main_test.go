package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_sink/internal/auth"
	"github.com/austindbirch/harbor_sink/internal/config"
	"github.com/austindbirch/harbor_sink/internal/logging"
)

func newTestServer(t *testing.T) (*tokenServer, *httptest.Server) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s := &tokenServer{
		cfg: config.TokenServer{
			ClientID:     "harborsink",
			ClientSecret: "s3cret",
			Issuer:       "harborsink",
			Audience:     "harborsink-receiver",
			TokenTTL:     time.Hour,
		},
		key:    key,
		kid:    keyID,
		now:    time.Now,
		logger: logging.New("token-server-test").WithOutput(io.Discard, logging.LevelDebug),
	}
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestClientCredentialsRoundTrip(t *testing.T) {
	for _, mode := range []string{config.OAuth2ModeHeader, config.OAuth2ModeURL} {
		t.Run(mode, func(t *testing.T) {
			_, srv := newTestServer(t)

			cc := auth.NewClientCredentials(config.OAuth2{
				TokenURL:          srv.URL + "/oauth/token",
				ClientID:          "harborsink",
				ClientSecret:      "s3cret",
				Scopes:            []string{"records.write"},
				AuthorizationMode: mode,
			}, srv.Client())

			tok, err := cc.Token(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "Bearer", tok.Type())
			assert.True(t, tok.Valid())

			keys, err := auth.FetchJWKS(context.Background(), srv.Client(), srv.URL+"/.well-known/jwks.json")
			require.NoError(t, err)
			require.Contains(t, keys, keyID)

			v := auth.NewJWTValidatorFromKeys(keys, "harborsink", "harborsink-receiver")
			sub, err := v.ValidateToken(tok.AccessToken)
			require.NoError(t, err)
			assert.Equal(t, "harborsink", sub)
		})
	}
}

func TestTokensDiffer(t *testing.T) {
	s, _ := newTestServer(t)
	a, err := s.issue("harborsink", "")
	require.NoError(t, err)
	b, err := s.issue("harborsink", "")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTokenEndpointErrors(t *testing.T) {
	_, srv := newTestServer(t)

	tests := []struct {
		name     string
		method   string
		form     url.Values
		user     string
		pass     string
		wantCode int
		wantErr  string
	}{
		{
			name:     "wrong method",
			method:   http.MethodGet,
			wantCode: http.StatusMethodNotAllowed,
			wantErr:  "invalid_request",
		},
		{
			name:     "unsupported grant",
			method:   http.MethodPost,
			form:     url.Values{"grant_type": {"password"}},
			user:     "harborsink",
			pass:     "s3cret",
			wantCode: http.StatusBadRequest,
			wantErr:  "unsupported_grant_type",
		},
		{
			name:     "bad secret",
			method:   http.MethodPost,
			form:     url.Values{"grant_type": {"client_credentials"}},
			user:     "harborsink",
			pass:     "nope",
			wantCode: http.StatusUnauthorized,
			wantErr:  "invalid_client",
		},
		{
			name:     "no credentials",
			method:   http.MethodPost,
			form:     url.Values{"grant_type": {"client_credentials"}},
			wantCode: http.StatusUnauthorized,
			wantErr:  "invalid_client",
		},
		{
			name:   "form credentials",
			method: http.MethodPost,
			form: url.Values{
				"grant_type":    {"client_credentials"},
				"client_id":     {"harborsink"},
				"client_secret": {"s3cret"},
			},
			wantCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+"/oauth/token", strings.NewReader(tt.form.Encode()))
			require.NoError(t, err)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantCode, resp.StatusCode)
			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, body["error"])
			} else {
				assert.NotEmpty(t, body["access_token"])
				assert.EqualValues(t, 3600, body["expires_in"])
			}
		})
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	s, srv := newTestServer(t)
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, err := s.issue("harborsink", "")
	require.NoError(t, err)

	keys, err := auth.FetchJWKS(context.Background(), srv.Client(), srv.URL+"/.well-known/jwks.json")
	require.NoError(t, err)
	_, err = auth.NewJWTValidatorFromKeys(keys, "harborsink", "harborsink-receiver").ValidateToken(tok)
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8 := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	for name, in := range map[string]string{"pkcs1": pkcs1, "pkcs8": pkcs8} {
		t.Run(name, func(t *testing.T) {
			got, err := loadKey(in)
			require.NoError(t, err)
			assert.True(t, key.Equal(got))
		})
	}

	_, err = loadKey("not pem")
	assert.Error(t, err)

	generated, err := loadKey("")
	require.NoError(t, err)
	assert.NotNil(t, generated)
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
