package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"golang.org/x/oauth2"

	"github.com/austindbirch/harbor_sink/internal/metrics"
	"github.com/austindbirch/harbor_sink/internal/tracing"
)

// TokenProvider fetches a new access token on every call. It must not cache:
// the sender calls it precisely when the cached token was rejected.
type TokenProvider interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// oauth2Auth owns the bearer token shared by every send on one Sender.
// Concurrent sends may each refresh after a rejection; the last store wins.
type oauth2Auth struct {
	provider TokenProvider
	token    atomic.Pointer[oauth2.Token]
}

func newOAuth2Auth(provider TokenProvider) *oauth2Auth {
	return &oauth2Auth{provider: provider}
}

func (a *oauth2Auth) prepare(ctx context.Context) error {
	if a.token.Load().Valid() {
		return nil
	}
	return a.fetch(ctx, "initial", "")
}

func (a *oauth2Auth) apply(h http.Header) string {
	t := a.token.Load()
	if t == nil {
		return ""
	}
	h.Set("Authorization", "Bearer "+t.AccessToken)
	return t.AccessToken
}

// recover refreshes the token once when the endpoint rejected it.
func (a *oauth2Auth) recover(ctx context.Context, used string, cause error) error {
	var authErr *AuthenticationError
	if !errors.As(cause, &authErr) {
		return nil
	}
	return a.fetch(ctx, "rejected", used)
}

func (a *oauth2Auth) fetch(ctx context.Context, reason, rejected string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	tracing.AddSpanEvent(ctx, "sink.token_fetch")
	t, err := a.provider.Token(ctx)
	switch {
	case err != nil:
		metrics.RecordTokenFetch(reason, "failed")
		return fmt.Errorf("%w: %w", ErrCredential, err)
	case t == nil || t.AccessToken == "":
		metrics.RecordTokenFetch(reason, "failed")
		return fmt.Errorf("%w: token endpoint returned no access token", ErrCredential)
	case rejected != "" && t.AccessToken == rejected:
		metrics.RecordTokenFetch(reason, "failed")
		return fmt.Errorf("%w: token endpoint returned the rejected token again", ErrCredential)
	}
	a.token.Store(t)
	metrics.RecordTokenFetch(reason, "ok")
	return nil
}
