package sink

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/austindbirch/harbor_sink/internal/config"
)

const (
	RouteInsert = "insert"
	RouteUpdate = "update"
)

// route is the target chosen once per Send.
type route struct {
	name   string
	url    string
	method string
}

// authorizer is the closed set of auth strategies: noAuth, staticAuth, oauth2Auth.
type authorizer interface {
	// prepare runs once before the first attempt of a send.
	prepare(ctx context.Context) error
	// apply sets credentials on h and returns the credential it attached.
	apply(h http.Header) string
	// recover runs after a failed attempt that will be retried. A non-nil
	// return is fatal and ends the send.
	recover(ctx context.Context, used string, cause error) error
}

type noAuth struct{}

func (noAuth) prepare(context.Context) error { return nil }

func (noAuth) apply(http.Header) string { return "" }

func (noAuth) recover(context.Context, string, error) error { return nil }

type staticAuth struct {
	value string
}

func newStaticAuth(cfg config.Sink) (staticAuth, error) {
	switch {
	case cfg.Authorization != "":
		return staticAuth{value: cfg.Authorization}, nil
	case cfg.BasicUser != "":
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.BasicUser + ":" + cfg.BasicPassword))
		return staticAuth{value: "Basic " + creds}, nil
	}
	return staticAuth{}, fmt.Errorf("%w: static authorization has no credentials", ErrConfiguration)
}

func (staticAuth) prepare(context.Context) error { return nil }

func (a staticAuth) apply(h http.Header) string {
	h.Set("Authorization", a.value)
	return a.value
}

func (staticAuth) recover(context.Context, string, error) error { return nil }

// requestBuilder turns a route and a body into a ready request. It does no I/O.
type requestBuilder struct {
	cfg     config.Sink
	auth    authorizer
	headers http.Header
}

func newRequestBuilder(cfg config.Sink, auth authorizer) *requestBuilder {
	headers := make(http.Header)
	for name, value := range cfg.Headers {
		headers.Set(name, value)
	}
	if cfg.ContentType != "" {
		headers.Set("Content-Type", cfg.ContentType)
	}
	return &requestBuilder{cfg: cfg, auth: auth, headers: headers}
}

// route picks the update target only when updates are enabled, an update URL
// exists and the record has a key.
func (b *requestBuilder) route(key *string) route {
	if b.cfg.UpdateEnabled && b.cfg.UpdateURL != "" && key != nil {
		return route{name: RouteUpdate, url: b.cfg.UpdateURL, method: b.cfg.UpdateMethod}
	}
	return route{name: RouteInsert, url: b.cfg.URL, method: http.MethodPost}
}

// build creates the request for one attempt and reports the credential attached to it.
func (b *requestBuilder) build(ctx context.Context, rt route, body []byte) (*http.Request, string, error) {
	req, err := http.NewRequestWithContext(ctx, rt.method, rt.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("build %s request: %w", rt.name, err)
	}
	for name, values := range b.headers {
		req.Header[name] = append([]string(nil), values...)
	}
	used := b.auth.apply(req.Header)
	return req, used, nil
}
