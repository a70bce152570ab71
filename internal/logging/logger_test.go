package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %q is not JSON: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		service   string
		envLevel  string
		wantLevel LogLevel
	}{
		{"default level", "harborsink-worker", "", LevelInfo},
		{"debug from env", "harborsink-worker", "debug", LevelDebug},
		{"mixed case", "sinkctl", " WARN ", LevelWarn},
		{"unknown level", "sinkctl", "verbose", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.envLevel)
			logger := New(tt.service)
			if logger.service != tt.service {
				t.Errorf("service = %q, want %q", logger.service, tt.service)
			}
			if logger.level != tt.wantLevel {
				t.Errorf("level = %q, want %q", logger.level, tt.wantLevel)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New("test").WithOutput(&buf, LevelWarn)

	logger.Plain().Debug("debug")
	logger.Plain().Info("info")
	logger.Plain().Warn("warn")
	logger.Plain().Errorf("error %d", 1)

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %s", len(entries), buf.String())
	}
	if entries[0].Level != LevelWarn || entries[0].Message != "warn" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Level != LevelError || entries[1].Message != "error 1" {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestEntryFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New("harborsink-sender").WithOutput(&buf, LevelDebug)

	logger.Plain().
		WithDelivery("d-1").
		WithRecordKey("42").
		WithRoute("update").
		WithField("attempt", 2).
		WithFields(map[string]any{"remaining": 1}).
		WithError(errors.New("server replied with status 503")).
		Info("Sending failed")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Service != "harborsink-sender" || e.DeliveryID != "d-1" || e.RecordKey != "42" || e.Route != "update" {
		t.Errorf("entry = %+v", e)
	}
	if e.Fields["attempt"] != float64(2) || e.Fields["remaining"] != float64(1) {
		t.Errorf("fields = %v", e.Fields)
	}
	if e.Fields["error"] != "server replied with status 503" {
		t.Errorf("error field = %v", e.Fields["error"])
	}
	if e.Time.IsZero() {
		t.Error("time not set")
	}
}

func TestWithErrorNil(t *testing.T) {
	var buf bytes.Buffer
	New("test").WithOutput(&buf, LevelDebug).Plain().WithError(nil).Info("ok")
	if strings.Contains(buf.String(), `"fields"`) {
		t.Errorf("empty fields should be omitted: %s", buf.String())
	}
}

func TestLoggerWithFieldsCopies(t *testing.T) {
	var buf bytes.Buffer
	fields := map[string]any{"a": 1}
	New("test").WithOutput(&buf, LevelDebug).WithFields(fields).WithField("b", 2).Info("x")
	if _, ok := fields["b"]; ok {
		t.Error("WithFields mutated the caller's map")
	}
}

func TestWithContextTraceID(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	New("test").WithOutput(&buf, LevelDebug).WithContext(ctx).Info("traced")
	entries := decodeLines(t, &buf)
	if want := span.SpanContext().TraceID().String(); entries[0].TraceID != want {
		t.Errorf("trace_id = %q, want %q", entries[0].TraceID, want)
	}

	buf.Reset()
	New("test").WithOutput(&buf, LevelDebug).WithContext(context.Background()).Info("untraced")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("trace_id should be omitted without a span: %s", buf.String())
	}
}

func TestConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := New("test").WithOutput(&buf, LevelDebug)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Plain().WithField("i", i).Info("line")
		}()
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 20 {
		t.Errorf("got %d lines, want 20", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug": LevelDebug,
		"INFO":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
		"fatal": LevelFatal,
		"":      LevelInfo,
		"trace": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDefaultLogger(t *testing.T) {
	SetDefaultService("harborsink-test")
	defer SetDefaultService("harborsink")

	if e := Plain(); e.Service != "harborsink-test" {
		t.Errorf("Plain().Service = %q", e.Service)
	}
	if e := WithFields(map[string]any{"k": "v"}); e.Fields["k"] != "v" {
		t.Errorf("WithFields() fields = %v", e.Fields)
	}
	if e := WithContext(context.Background()); e.TraceID != "" {
		t.Errorf("WithContext() trace id = %q", e.TraceID)
	}
}
