// Package sink delivers request bodies to an HTTP endpoint with bounded,
// fixed-backoff retries.
//
// A Sender picks the insert or update route once per Send, then repeats
// build, exchange and classify until the response is accepted, the retry
// budget is spent, credentials cannot be refreshed, or the context is
// cancelled while backing off. Only those terminal outcomes reach the
// caller; every intermediate failure is absorbed into logs, spans and
// metrics.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_sink/internal/auth"
	"github.com/austindbirch/harbor_sink/internal/config"
	"github.com/austindbirch/harbor_sink/internal/logging"
	"github.com/austindbirch/harbor_sink/internal/metrics"
	"github.com/austindbirch/harbor_sink/internal/tracing"
)

// Doer executes one HTTP exchange. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sender is safe for concurrent use.
type Sender struct {
	cfg     config.Sink
	client  Doer
	builder *requestBuilder
	auth    authorizer
	handle  ResponseHandler
	logger  *logging.Logger
	wait    func(ctx context.Context, d time.Duration) error
}

type options struct {
	client   Doer
	provider TokenProvider
	handler  ResponseHandler
	logger   *logging.Logger
}

// Option configures a Sender.
type Option func(*options)

// WithClient replaces the default *http.Client built from the configured timeout.
func WithClient(c Doer) Option {
	return func(o *options) { o.client = c }
}

// WithTokenProvider replaces the client-credentials provider built from the OAuth2 settings.
func WithTokenProvider(p TokenProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithResponseHandler replaces OnHTTPErrorResponse.
func WithResponseHandler(h ResponseHandler) Option {
	return func(o *options) { o.handler = h }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New validates cfg and resolves the auth strategy. Configuration problems
// are reported here, never from Send.
func New(cfg config.Sink, opts ...Option) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	o := options{handler: OnHTTPErrorResponse}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New("harborsink-sender")
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: cfg.Timeout}
	}

	var (
		authz   authorizer
		handler = o.handler
	)
	switch cfg.AuthType {
	case config.AuthNone:
		authz = noAuth{}
	case config.AuthStatic:
		static, err := newStaticAuth(cfg)
		if err != nil {
			return nil, err
		}
		authz = static
	case config.AuthOAuth2:
		provider := o.provider
		if provider == nil {
			httpClient, _ := o.client.(*http.Client)
			provider = auth.NewClientCredentials(cfg.OAuth2, httpClient)
		}
		authz = newOAuth2Auth(provider)
		handler = onAuthErrorResponse(handler)
	default:
		return nil, fmt.Errorf("%w: can't create sender for auth type %q", ErrConfiguration, cfg.AuthType)
	}

	return &Sender{
		cfg:     cfg,
		client:  o.client,
		builder: newRequestBuilder(cfg, authz),
		auth:    authz,
		handle:  handler,
		logger:  o.logger,
		wait:    wait,
	}, nil
}

// Route names the route Send would take for key: RouteInsert or RouteUpdate.
func (s *Sender) Route(key *string) string {
	return s.builder.route(key).name
}

// Send delivers body, to the update route when key is set and updates are
// enabled, otherwise to the insert route. It returns nil once the endpoint
// accepts the body, or an error wrapping ErrRetriesExhausted, ErrCredential
// or ErrInterrupted.
func (s *Sender) Send(ctx context.Context, body string, key *string) error {
	rt := s.builder.route(key)

	ctx, span := tracing.StartSpan(ctx, "sink.send",
		attribute.String("sink.route", rt.name),
		attribute.String("http.method", rt.method),
		attribute.String("http.url", rt.url),
	)
	defer span.End()

	s.entry(ctx, rt, key).Debugf("send with %s url", rt.name)

	start := time.Now()
	err := s.sendWithRetries(ctx, rt, key, []byte(body))
	metrics.RecordSend(rt.name, Outcome(err), time.Since(start))
	if err != nil {
		tracing.SetSpanError(ctx, err)
	}
	return err
}

func (s *Sender) sendWithRetries(ctx context.Context, rt route, key *string, body []byte) error {
	if err := s.auth.prepare(ctx); err != nil {
		s.entry(ctx, rt, key).WithError(err).Error("Sending failed, could not obtain credentials")
		return err
	}

	remaining := s.cfg.MaxRetries
	for attempt := 1; ; attempt++ {
		used, err := s.attempt(ctx, rt, body, attempt)
		if err == nil {
			return nil
		}

		reason := classifyReason(err)
		if remaining == 0 {
			s.entry(ctx, rt, key).WithError(err).WithField("attempt", attempt).
				Error("Sending failed and no retries remain, stopping")
			return fmt.Errorf("%w (%d attempts): %w", ErrRetriesExhausted, attempt, err)
		}

		if ferr := s.auth.recover(ctx, used, err); ferr != nil {
			s.entry(ctx, rt, key).WithError(ferr).WithField("attempt", attempt).
				Error("Sending failed, credential refresh failed, stopping")
			return ferr
		}

		s.entry(ctx, rt, key).WithError(err).WithFields(map[string]any{
			"attempt":   attempt,
			"remaining": remaining,
			"reason":    reason,
		}).Infof("Sending failed, will retry in %s (%d retries remain)", s.cfg.RetryBackoff, remaining)
		metrics.RecordRetry(reason)
		tracing.AddSpanEvent(ctx, "sink.backoff",
			attribute.Int("attempt", attempt),
			attribute.String("reason", reason),
			attribute.String("delay", s.cfg.RetryBackoff.String()),
		)

		if werr := s.wait(ctx, s.cfg.RetryBackoff); werr != nil {
			s.entry(ctx, rt, key).WithError(werr).Error("Sending interrupted while backing off, stopping")
			return werr
		}
		remaining--
	}
}

// attempt performs one exchange and reports the credential it carried.
func (s *Sender) attempt(ctx context.Context, rt route, body []byte, n int) (string, error) {
	req, used, err := s.builder.build(ctx, rt, body)
	if err != nil {
		return "", &TransportError{Err: err}
	}

	metrics.RecordAttempt(rt.name)
	tracing.AddSpanEvent(ctx, "sink.attempt", attribute.Int("attempt", n))

	resp, err := s.client.Do(req)
	if err != nil {
		return used, &TransportError{Err: err}
	}
	defer drain(resp)

	s.logger.WithContext(ctx).WithField("route", rt.name).WithField("status", resp.StatusCode).
		Debugf("Server replied with status code %d", resp.StatusCode)
	return used, s.handle(resp)
}

func (s *Sender) entry(ctx context.Context, rt route, key *string) *logging.LogEntry {
	e := s.logger.WithContext(ctx).WithRoute(rt.name)
	if key != nil {
		e = e.WithRecordKey(*key)
	}
	return e
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case <-t.C:
		return nil
	}
}

// Outcome names the terminal result of a Send for metrics and delivery logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "delivered"
	case errors.Is(err, ErrRetriesExhausted):
		return "exhausted"
	case errors.Is(err, ErrCredential):
		return "credential"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	default:
		return "error"
	}
}

// classifyReason labels a failed attempt: timeout, connection_refused,
// dns_error, network, http_auth, http_429, http_4xx, http_5xx.
func classifyReason(err error) string {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return "http_auth"
	}
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		switch {
		case appErr.StatusCode >= 500:
			return "http_5xx"
		case appErr.StatusCode == http.StatusTooManyRequests:
			return "http_429"
		case appErr.StatusCode >= 400:
			return "http_4xx"
		}
		return "other"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}
	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"):
		return "timeout"
	case strings.Contains(errLower, "connection refused"):
		return "connection_refused"
	case strings.Contains(errLower, "no such host"):
		return "dns_error"
	}
	return "network"
}
