package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_sink/internal/metrics"
)

const statsJSON = `{
  "topics": [
    {"topic_name": "records", "depth": 3, "channels": [
      {"channel_name": "sink", "depth": 7, "in_flight_count": 2},
      {"channel_name": "archive", "depth": 1, "in_flight_count": 0}
    ]},
    {"topic_name": "other", "depth": 50, "channels": [
      {"channel_name": "sink", "depth": 99, "in_flight_count": 9}
    ]}
  ]
}`

func TestPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stats", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(statsJSON))
	}))
	defer srv.Close()

	m := &Monitor{
		NsqdHTTPAddr: strings.TrimPrefix(srv.URL, "http://"),
		Topic:        "records",
		Channel:      "sink",
	}
	backlog, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), backlog)

	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.QueueBacklog))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ChannelInFlight.WithLabelValues("records", "sink")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ChannelDepth.WithLabelValues("records", "archive")))
}

func TestPollMissingChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"topics": []}`))
	}))
	defer srv.Close()

	m := &Monitor{NsqdHTTPAddr: srv.URL, Topic: "records", Channel: "sink"}
	backlog, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, backlog)
}

func TestPollErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"bad status", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }},
		{"bad json", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("{nope")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			m := &Monitor{NsqdHTTPAddr: srv.URL, Topic: "records", Channel: "sink"}
			_, err := m.Poll(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		(&Monitor{NsqdHTTPAddr: "127.0.0.1:1"}).Run(ctx, 0)
		close(done)
	}()
	<-done
}
