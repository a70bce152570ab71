package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/austindbirch/harbor_sink/internal/auth"
	"github.com/austindbirch/harbor_sink/internal/config"
	"github.com/austindbirch/harbor_sink/internal/logging"
)

const keyID = "harborsink-key-1"

// tokenServer issues client-credentials access tokens signed with one RSA key.
type tokenServer struct {
	cfg    config.TokenServer
	key    *rsa.PrivateKey
	kid    string
	now    func() time.Time
	logger *logging.Logger
}

// tokenResponse follows RFC 6749 section 5.1.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// tokenError follows RFC 6749 section 5.2.
type tokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// loadKey parses JWT_PRIVATE_KEY when set. Otherwise it generates a new pair,
// so tokens don't survive a restart.
func loadKey(pemKey string) (*rsa.PrivateKey, error) {
	if pemKey == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

// clientCredentials reads client authentication from the basic header, or
// from the form when no header is sent.
func clientCredentials(r *http.Request) (id, secret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *tokenServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, tokenError{Error: "invalid_request", Description: "POST required"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "invalid_request", Description: err.Error()})
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, tokenError{Error: "unsupported_grant_type"})
		return
	}

	id, secret := clientCredentials(r)
	if !s.authenticate(id, secret) {
		s.logger.Plain().WithField("client_id", id).Warn("client authentication failed")
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		writeJSON(w, http.StatusUnauthorized, tokenError{Error: "invalid_client"})
		return
	}

	scope := strings.TrimSpace(r.PostForm.Get("scope"))
	token, err := s.issue(id, scope)
	if err != nil {
		s.logger.Plain().WithError(err).Error("failed to sign token")
		writeJSON(w, http.StatusInternalServerError, tokenError{Error: "server_error"})
		return
	}

	s.logger.Plain().WithFields(map[string]any{"client_id": id, "scope": scope}).Info("token issued")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.cfg.TokenTTL.Seconds()),
		Scope:       scope,
	})
}

func (s *tokenServer) authenticate(id, secret string) bool {
	if id == "" {
		return false
	}
	idOK := subtle.ConstantTimeCompare([]byte(id), []byte(s.cfg.ClientID)) == 1
	secretOK := subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.ClientSecret)) == 1
	return idOK && secretOK
}

// issue signs an RS256 access token for clientID. Every token gets a fresh
// jti so two tokens issued in the same second still differ.
func (s *tokenServer) issue(clientID, scope string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.cfg.Issuer,
		"aud": s.cfg.Audience,
		"sub": clientID,
		"iat": now.Unix(),
		"exp": now.Add(s.cfg.TokenTTL).Unix(),
		"jti": uuid.NewString(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}

// handleJWKS serves the JWKS endpoint
func (s *tokenServer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300") // Cache for 5 minutes
	_ = json.NewEncoder(w).Encode(auth.JSONWebKeySet{
		Keys: []auth.JSONWebKey{auth.NewJSONWebKey(s.kid, &s.key.PublicKey)},
	})
}

func (s *tokenServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", s.handleToken)
	mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

func main() {
	cfg := config.FromEnv().TokenServer
	logger := logging.New("token-server")

	if cfg.ClientSecret == "" {
		logger.Plain().Fatal("TOKEN_SERVER_CLIENT_SECRET is required")
	}
	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to load signing key")
	}

	s := &tokenServer{cfg: cfg, key: key, kid: keyID, now: time.Now, logger: logger}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: cfg.Port, Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().WithFields(map[string]any{
		"addr":      cfg.Port,
		"client_id": cfg.ClientID,
		"issuer":    cfg.Issuer,
		"audience":  cfg.Audience,
		"ttl":       cfg.TokenTTL.String(),
	}).Info("token server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("token server failed")
	}
}
