package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	RecordAttempt("insert")
	RecordSend("insert", "delivered", 10*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"harborsink_attempts_total", "harborsink_sends_total", "harborsink_send_duration_seconds"} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}

	defer func() {
		if recover() == nil {
			t.Error("registering twice should panic")
		}
	}()
	MustRegister(reg)
}

func TestCounters(t *testing.T) {
	tests := []struct {
		name   string
		record func()
		metric prometheus.Collector
	}{
		{"attempt", func() { RecordAttempt("update") }, AttemptsTotal.WithLabelValues("update")},
		{"retry", func() { RecordRetry("http_5xx") }, RetriesTotal.WithLabelValues("http_5xx")},
		{"send", func() { RecordSend("update", "exhausted", time.Second) }, SendsTotal.WithLabelValues("update", "exhausted")},
		{"token fetch", func() { RecordTokenFetch("rejected", "ok") }, TokenFetchesTotal.WithLabelValues("rejected", "ok")},
		{"consumed", func() { RecordConsumed("requeued") }, RecordsTotal.WithLabelValues("requeued")},
		{"dlq", func() { RecordDLQ("credential") }, DLQTotal.WithLabelValues("credential")},
		{"enqueued", func() { RecordEnqueued(true) }, EnqueuedTotal.WithLabelValues("true")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(tt.metric)
			tt.record()
			tt.record()
			if got := testutil.ToFloat64(tt.metric) - before; got != 2 {
				t.Errorf("counter grew by %v, want 2", got)
			}
		})
	}
}

func TestSendLatencyObserved(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(SendLatency)

	RecordSend("latency-test", "delivered", 300*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() != "route" || l.GetValue() != "latency-test" {
					continue
				}
				h := m.GetHistogram()
				if h.GetSampleCount() != 1 {
					t.Errorf("sample count = %d, want 1", h.GetSampleCount())
				}
				if sum := h.GetSampleSum(); sum < 0.29 || sum > 0.31 {
					t.Errorf("sample sum = %v, want 0.3", sum)
				}
				return
			}
		}
	}
	t.Error("no latency-test series gathered")
}

func TestGauges(t *testing.T) {
	UpdateQueueBacklog(17)
	if got := testutil.ToFloat64(QueueBacklog); got != 17 {
		t.Errorf("QueueBacklog = %v, want 17", got)
	}

	UpdateChannel("records", "sink", 5, 2)
	if got := testutil.ToFloat64(ChannelDepth.WithLabelValues("records", "sink")); got != 5 {
		t.Errorf("ChannelDepth = %v, want 5", got)
	}
	if got := testutil.ToFloat64(ChannelInFlight.WithLabelValues("records", "sink")); got != 2 {
		t.Errorf("ChannelInFlight = %v, want 2", got)
	}
}
