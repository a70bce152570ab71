package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_sink/internal/metrics"
)

func TestMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.QueueBacklog)
	metrics.UpdateQueueBacklog(12)
	mux := newMux(reg)

	testCases := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/health", http.StatusOK, "OK"},
		{"/metrics", http.StatusOK, "harborsink_queue_backlog 12"},
		{"/missing", http.StatusNotFound, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tc.contains) {
				t.Fatalf("body %q does not contain %q", rec.Body.String(), tc.contains)
			}
		})
	}
}
