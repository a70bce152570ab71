package main

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_sink/internal/auth"
	"github.com/austindbirch/harbor_sink/internal/config"
	"github.com/austindbirch/harbor_sink/internal/logging"
)

// receiver stands in for the sink endpoint in local stacks and tests.
type receiver struct {
	cfg    config.FakeReceiver
	logger *logging.Logger

	mu      sync.Mutex
	count   int
	inserts int
	updates int
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{cfg: cfg, logger: logger}
}

type stats struct {
	Requests int `json:"requests"`
	Inserts  int `json:"inserts"`
	Updates  int `json:"updates"`
}

func (rv *receiver) handleRecords(w http.ResponseWriter, r *http.Request) {
	var route string
	switch r.Method {
	case http.MethodPost:
		route = "insert"
	case http.MethodPut, http.MethodPatch:
		route = "update"
	default:
		w.Header().Set("Allow", "POST, PUT, PATCH")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	b, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()

	rv.mu.Lock()
	rv.count++
	n := rv.count
	failing := n <= rv.cfg.FailFirstN
	if !failing {
		if route == "insert" {
			rv.inserts++
		} else {
			rv.updates++
		}
	}
	rv.mu.Unlock()

	entry := rv.logger.Plain().WithRoute(route).WithFields(map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"body":   truncate(string(b), 160),
	})
	if sub, ok := auth.SubjectFromContext(r.Context()); ok {
		entry = entry.WithField("subject", sub)
	}

	// Simulate flakiness: first N requests -> FailStatus
	if failing {
		entry.WithField("status", rv.cfg.FailStatus).Warnf("FAILING (%d/%d)", n, rv.cfg.FailFirstN)
		http.Error(w, "temporary failure", rv.cfg.FailStatus)
		return
	}

	entry.Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (rv *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	rv.mu.Lock()
	st := stats{Requests: rv.count, Inserts: rv.inserts, Updates: rv.updates}
	rv.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// routes wraps the record endpoint in the configured authentication check.
func (rv *receiver) routes(authn func(http.Handler) http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/stats", rv.handleStats)
	records := authn(http.HandlerFunc(rv.handleRecords))
	mux.Handle("/records", records)
	mux.Handle("/records/", records)
	return mux
}

// staticAuth requires an exact Authorization header.
func staticAuth(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				http.Error(w, "invalid authorization", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// jwksAuth validates bearer tokens against keys fetched from the token
// server. Keys are loaded on first use and reloaded when a token names an
// unknown kid, so the receiver can start before the token server.
type jwksAuth struct {
	url      string
	issuer   string
	audience string
	client   *http.Client

	mu        sync.Mutex
	validator *auth.JWTValidator
	keys      map[string]*rsa.PublicKey
}

func (j *jwksAuth) current(ctx context.Context, refresh bool) (*auth.JWTValidator, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.validator != nil && !refresh {
		return j.validator, nil
	}
	keys, err := auth.FetchJWKS(ctx, j.client, j.url)
	if err != nil {
		return nil, err
	}
	j.keys = keys
	j.validator = auth.NewJWTValidatorFromKeys(keys, j.issuer, j.audience)
	return j.validator, nil
}

func (j *jwksAuth) kidKnown(kid string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.keys[kid]
	return ok
}

func (j *jwksAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, err := j.current(r.Context(), false)
		if err == nil {
			if kid := tokenKid(r.Header.Get("Authorization")); kid != "" && !j.kidKnown(kid) {
				v, err = j.current(r.Context(), true)
			}
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("key set unavailable: %v", err), http.StatusServiceUnavailable)
			return
		}
		v.HTTPMiddleware(next).ServeHTTP(w, r)
	})
}

// tokenKid reads the kid header of a bearer JWT without verifying it.
func tokenKid(authHeader string) string {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return ""
	}
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	kid, _ := tok.Header["kid"].(string)
	return kid
}

func authMiddleware(cfg config.FakeReceiver) (func(http.Handler) http.Handler, error) {
	switch cfg.AuthMode {
	case "", "none":
		return func(next http.Handler) http.Handler { return next }, nil
	case "static":
		if cfg.Authorization == "" {
			return nil, fmt.Errorf("RECEIVER_AUTHORIZATION is required in static mode")
		}
		return staticAuth(cfg.Authorization), nil
	case "jwt":
		j := &jwksAuth{
			url:      cfg.JWKSURL,
			issuer:   cfg.Issuer,
			audience: cfg.Audience,
			client:   &http.Client{Timeout: 5 * time.Second},
		}
		return j.middleware, nil
	default:
		return nil, fmt.Errorf("unknown RECEIVER_AUTH_MODE %q", cfg.AuthMode)
	}
}

func main() {
	cfg := config.FromEnv().FakeReceiver
	logger := logging.New("fake-receiver")

	authn, err := authMiddleware(cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid receiver configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      newReceiver(cfg, logger).routes(authn),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"auth_mode":    cfg.AuthMode,
		"fail_first_n": cfg.FailFirstN,
		"fail_status":  cfg.FailStatus,
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
