package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_sink/internal/delivery"
	"github.com/austindbirch/harbor_sink/internal/logging"
	"github.com/austindbirch/harbor_sink/internal/metrics"
	"github.com/austindbirch/harbor_sink/internal/store"
	"github.com/austindbirch/harbor_sink/internal/tracing"
)

var (
	// ErrInvalidRecord is returned for requests that can never be delivered.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrLogDisabled is returned by ListDeliveries when no delivery log is configured.
	ErrLogDisabled = errors.New("delivery log disabled")
)

// Publisher is the part of *nsq.Producer the service needs.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// DeliveryLister reads the worker's delivery log.
type DeliveryLister interface {
	ListDeliveries(ctx context.Context, f store.ListFilter) ([]store.Delivery, error)
}

// Service accepts records over HTTP and queues them for the sink workers.
type Service struct {
	pub        Publisher
	topic      string
	deliveries DeliveryLister // nil when the delivery log is disabled
	logger     *logging.Logger
	now        func() time.Time
}

func NewService(pub Publisher, topic string, deliveries DeliveryLister, logger *logging.Logger) *Service {
	return &Service{
		pub:        pub,
		topic:      topic,
		deliveries: deliveries,
		logger:     logger,
		now:        time.Now,
	}
}

// Enqueue publishes one record to the records topic. The returned record
// carries the assigned id and the caller's trace context.
func (s *Service) Enqueue(ctx context.Context, key *string, body string) (delivery.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Enqueue",
		attribute.Bool("record.keyed", key != nil),
		attribute.Int("record.body_bytes", len(body)),
	)
	defer span.End()

	rec := delivery.Record{
		ID:         uuid.NewString(),
		Key:        key,
		Body:       body,
		EnqueuedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := rec.Validate(); err != nil {
		tracing.SetSpanError(ctx, err)
		return delivery.Record{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	span.SetAttributes(attribute.String("record.id", rec.ID))
	rec.TraceHeaders = tracing.InjectHeaders(ctx)

	b, err := json.Marshal(rec)
	if err != nil {
		return delivery.Record{}, fmt.Errorf("encode record: %w", err)
	}
	tracing.AddSpanEvent(ctx, "nsq.publish", attribute.String("topic", s.topic))
	if err := s.pub.Publish(s.topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return delivery.Record{}, fmt.Errorf("nsq publish: %w", err)
	}

	metrics.RecordEnqueued(key != nil)
	entry := s.logger.WithContext(ctx).WithField("record_id", rec.ID).WithField("topic", s.topic)
	if key != nil {
		entry = entry.WithRecordKey(*key)
	}
	entry.Debug("record enqueued")
	return rec, nil
}

// ListDeliveries returns logged outcomes, newest first.
func (s *Service) ListDeliveries(ctx context.Context, f store.ListFilter) ([]store.Delivery, error) {
	if s.deliveries == nil {
		return nil, ErrLogDisabled
	}
	ctx, span := tracing.StartSpan(ctx, "ingest.ListDeliveries",
		attribute.String("filter.record_id", f.RecordID),
		attribute.String("filter.outcome", f.Outcome),
	)
	defer span.End()

	out, err := s.deliveries.ListDeliveries(ctx, f)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("deliveries_count", len(out)))
	return out, nil
}
