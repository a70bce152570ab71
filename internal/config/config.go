package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is wrapped by every error returned from Sink.Validate.
var ErrInvalid = errors.New("invalid sink configuration")

// AuthType selects how outbound requests are authorized.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthStatic AuthType = "static"
	AuthOAuth2 AuthType = "oauth2"
)

// OAuth2 client authorization modes: credentials in a basic auth header, or in the form body.
const (
	OAuth2ModeHeader = "header"
	OAuth2ModeURL    = "url"
)

type DB struct {
	Enabled bool
	User    string
	Pass    string
	Host    string
	Port    string
	Name    string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	RecordsTopic   string // NSQ topic carrying records to deliver
	DLQTopic       string // Dead letter queue topic
	SinkChannel    string // NSQ channel name for sink workers
	NsqdHTTPAddr   string // e.g. nsqd:4151, polled for backlog stats
}

type Worker struct {
	PublishDLQ  bool   // Whether to publish fatal deliveries to DLQ
	MaxInFlight int    // NSQ max in flight
	Concurrency int    // Concurrent message handlers
	HTTPPort    string // Worker HTTP metrics port
	GRPCPort    string // Worker gRPC health port
	StatsEvery  time.Duration
}

type Ingest struct {
	HTTPPort     string // Ingest API port
	GRPCPort     string // Ingest gRPC health port
	MaxBodyBytes int64  // Largest accepted record request
}

type OAuth2 struct {
	TokenURL          string
	ClientID          string
	ClientSecret      string
	Scopes            []string
	AuthorizationMode string // header | url
}

// Sink is everything the sender needs to deliver a body.
type Sink struct {
	URL           string // insert route
	UpdateURL     string // update route, optional
	UpdateEnabled bool
	UpdateMethod  string
	MaxRetries    int
	RetryBackoff  time.Duration
	Timeout       time.Duration

	AuthType      AuthType
	Authorization string // static Authorization header value
	BasicUser     string
	BasicPassword string
	OAuth2        OAuth2

	ContentType string
	Headers     map[string]string // additional headers
}

type FakeReceiver struct {
	FailFirstN    int    // Number of requests to fail initially
	FailStatus    int    // Status code returned while failing
	AuthMode      string // none | static | jwt
	Authorization string // expected header in static mode
	JWKSURL       string // key set used in jwt mode
	Issuer        string
	Audience      string
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

type TokenServer struct {
	Port         string
	ClientID     string
	ClientSecret string
	Issuer       string
	Audience     string
	TokenTTL     time.Duration
}

type Config struct {
	AppName      string
	DB           DB
	NSQ          NSQ
	Worker       Worker
	Ingest       Ingest
	Sink         Sink
	FakeReceiver FakeReceiver
	TokenServer  TokenServer
}

// Lookup returns the raw value for a configuration key, or "" when unset.
type Lookup func(key string) string

func getenv(key, def string) string {
	return lookupString(os.Getenv, key, def)
}

func getenvInt(key string, def int) int {
	return lookupInt(os.Getenv, key, def)
}

func getenvBool(key string, def bool) bool {
	return lookupBool(os.Getenv, key, def)
}

func getenvDuration(key string, def time.Duration) time.Duration {
	return lookupDuration(os.Getenv, key, def)
}

func lookupString(get Lookup, key, def string) string {
	if v := get(key); v != "" {
		return v
	}
	return def
}

func lookupInt(get Lookup, key string, def int) int {
	if v := get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func lookupBool(get Lookup, key string, def bool) bool {
	if v := get(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func lookupDuration(get Lookup, key string, def time.Duration) time.Duration {
	if v := get(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// lookupMillis reads a plain integer millisecond count, as the retry backoff is configured.
func lookupMillis(get Lookup, key string, def time.Duration) time.Duration {
	if v := get(key); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

// parseHeaders parses "Name:value,Name:value" into a map. Malformed entries are skipped.
func parseHeaders(s string) map[string]string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		headers[name] = strings.TrimSpace(value)
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}

func parseScopes(s string) []string {
	var scopes []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			scopes = append(scopes, p)
		}
	}
	return scopes
}

// SinkFrom builds the sink configuration from any key source. FromEnv uses the
// process environment; the CLI passes viper.
func SinkFrom(get Lookup) Sink {
	return Sink{
		URL:           lookupString(get, "HTTP_URL", ""),
		UpdateURL:     lookupString(get, "HTTP_UPDATE_URL", ""),
		UpdateEnabled: lookupBool(get, "HTTP_UPDATE_ENABLED", false),
		UpdateMethod:  strings.ToUpper(lookupString(get, "HTTP_UPDATE_METHOD", http.MethodPatch)),
		MaxRetries:    lookupInt(get, "MAX_RETRIES", 1),
		RetryBackoff:  lookupMillis(get, "RETRY_BACKOFF_MS", 3000*time.Millisecond),
		Timeout:       lookupDuration(get, "HTTP_TIMEOUT", 30*time.Second),
		AuthType:      AuthType(strings.ToLower(lookupString(get, "HTTP_AUTHORIZATION_TYPE", string(AuthNone)))),
		Authorization: lookupString(get, "HTTP_HEADERS_AUTHORIZATION", ""),
		BasicUser:     lookupString(get, "HTTP_BASIC_USER", ""),
		BasicPassword: lookupString(get, "HTTP_BASIC_PASSWORD", ""),
		OAuth2: OAuth2{
			TokenURL:          lookupString(get, "OAUTH2_ACCESS_TOKEN_URL", ""),
			ClientID:          lookupString(get, "OAUTH2_CLIENT_ID", ""),
			ClientSecret:      lookupString(get, "OAUTH2_CLIENT_SECRET", ""),
			Scopes:            parseScopes(lookupString(get, "OAUTH2_CLIENT_SCOPE", "")),
			AuthorizationMode: strings.ToLower(lookupString(get, "OAUTH2_CLIENT_AUTHORIZATION_MODE", OAuth2ModeHeader)),
		},
		ContentType: lookupString(get, "HTTP_HEADERS_CONTENT_TYPE", ""),
		Headers:     parseHeaders(lookupString(get, "HTTP_HEADERS_ADDITIONAL", "")),
	}
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "harborsink"),
		DB: DB{
			Enabled: getenvBool("DB_ENABLED", true),
			User:    getenv("DB_USER", "postgres"),
			Pass:    getenv("DB_PASS", "postgres"),
			Host:    getenv("DB_HOST", "postgres"),
			Port:    getenv("DB_PORT", "5432"),
			Name:    getenv("DB_NAME", "harborsink"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			RecordsTopic:   getenv("NSQ_RECORDS_TOPIC", "records"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "records_dlq"),
			SinkChannel:    getenv("NSQ_SINK_CHANNEL", "sink"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
		},
		Worker: Worker{
			PublishDLQ:  getenvBool("PUBLISH_DLQ_TOPIC", false),
			MaxInFlight: getenvInt("NSQ_MAX_IN_FLIGHT", 100),
			Concurrency: getenvInt("WORKER_CONCURRENCY", 4),
			HTTPPort:    ":" + getenv("WORKER_HTTP_PORT", "8083"),
			GRPCPort:    ":" + getenv("WORKER_GRPC_PORT", "50052"),
			StatsEvery:  getenvDuration("BACKLOG_POLL_INTERVAL", 15*time.Second),
		},
		Ingest: Ingest{
			HTTPPort:     ":" + getenv("INGEST_HTTP_PORT", "8080"),
			GRPCPort:     ":" + getenv("INGEST_GRPC_PORT", "50051"),
			MaxBodyBytes: int64(getenvInt("INGEST_MAX_BODY_BYTES", 1<<20)),
		},
		Sink: SinkFrom(os.Getenv),
		FakeReceiver: FakeReceiver{
			FailFirstN:    getenvInt("FAIL_FIRST_N", 0),
			FailStatus:    getenvInt("FAIL_STATUS", http.StatusInternalServerError),
			AuthMode:      strings.ToLower(getenv("RECEIVER_AUTH_MODE", "none")),
			Authorization: getenv("RECEIVER_AUTHORIZATION", ""),
			JWKSURL:       getenv("RECEIVER_JWKS_URL", "http://token-server:8082/.well-known/jwks.json"),
			Issuer:        getenv("JWT_ISSUER", "harborsink"),
			Audience:      getenv("JWT_AUDIENCE", "harborsink-receiver"),
			Port:          getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:   getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:  getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:   getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
		TokenServer: TokenServer{
			Port:         getenv("TOKEN_SERVER_PORT", ":8082"),
			ClientID:     getenv("TOKEN_SERVER_CLIENT_ID", "harborsink"),
			ClientSecret: getenv("TOKEN_SERVER_CLIENT_SECRET", ""),
			Issuer:       getenv("JWT_ISSUER", "harborsink"),
			Audience:     getenv("JWT_AUDIENCE", "harborsink-receiver"),
			TokenTTL:     getenvDuration("TOKEN_TTL", time.Hour),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Validate checks the sink configuration once, before any send.
func (s Sink) Validate() error {
	if err := validURL("HTTP_URL", s.URL); err != nil {
		return err
	}
	if s.UpdateURL != "" {
		if err := validURL("HTTP_UPDATE_URL", s.UpdateURL); err != nil {
			return err
		}
	}
	if s.UpdateEnabled && s.UpdateMethod == "" {
		return fmt.Errorf("%w: HTTP_UPDATE_METHOD is required when updates are enabled", ErrInvalid)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: MAX_RETRIES must be >= 0, got %d", ErrInvalid, s.MaxRetries)
	}
	if s.RetryBackoff < 0 {
		return fmt.Errorf("%w: RETRY_BACKOFF_MS must be >= 0, got %s", ErrInvalid, s.RetryBackoff)
	}

	switch s.AuthType {
	case AuthNone:
	case AuthStatic:
		if s.Authorization == "" && s.BasicUser == "" {
			return fmt.Errorf("%w: static authorization requires HTTP_HEADERS_AUTHORIZATION or HTTP_BASIC_USER", ErrInvalid)
		}
	case AuthOAuth2:
		if err := validURL("OAUTH2_ACCESS_TOKEN_URL", s.OAuth2.TokenURL); err != nil {
			return err
		}
		if s.OAuth2.ClientID == "" || s.OAuth2.ClientSecret == "" {
			return fmt.Errorf("%w: oauth2 authorization requires OAUTH2_CLIENT_ID and OAUTH2_CLIENT_SECRET", ErrInvalid)
		}
		if m := s.OAuth2.AuthorizationMode; m != OAuth2ModeHeader && m != OAuth2ModeURL {
			return fmt.Errorf("%w: unknown OAUTH2_CLIENT_AUTHORIZATION_MODE %q", ErrInvalid, m)
		}
	default:
		return fmt.Errorf("%w: unknown HTTP_AUTHORIZATION_TYPE %q", ErrInvalid, s.AuthType)
	}
	return nil
}

func validURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, key)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %s is not an absolute URL: %q", ErrInvalid, key, raw)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (s Sink) Redacted() Sink {
	out := s
	if out.Authorization != "" {
		out.Authorization = "[redacted]"
	}
	if out.BasicPassword != "" {
		out.BasicPassword = "[redacted]"
	}
	if out.OAuth2.ClientSecret != "" {
		out.OAuth2.ClientSecret = "[redacted]"
	}
	return out
}
