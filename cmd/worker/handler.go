package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_sink/internal/delivery"
	"github.com/austindbirch/harbor_sink/internal/logging"
	"github.com/austindbirch/harbor_sink/internal/metrics"
	"github.com/austindbirch/harbor_sink/internal/sink"
	"github.com/austindbirch/harbor_sink/internal/store"
	"github.com/austindbirch/harbor_sink/internal/tracing"
)

type recordSender interface {
	Send(ctx context.Context, body string, key *string) error
	Route(key *string) string
}

type deliveryRecorder interface {
	RecordDelivery(ctx context.Context, d store.Delivery) error
}

type publisher interface {
	Publish(topic string, body []byte) error
}

type action int

const (
	actionFinish action = iota
	actionRequeue
)

// handler delivers one queued record per message. ctx is the worker's root
// context: cancelling it interrupts sends that are backing off.
type handler struct {
	ctx      context.Context
	sender   recordSender
	recorder deliveryRecorder // nil when the delivery log is disabled
	dlq      publisher        // nil when DLQ publishing is disabled
	dlqTopic string
	logger   *logging.Logger
}

func (h *handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse() // we manually requeue or finish
	if h.process(m.Body) == actionRequeue {
		m.RequeueWithoutBackoff(0)
		return nil
	}
	m.Finish()
	return nil
}

func (h *handler) process(body []byte) action {
	var rec delivery.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		h.logger.Plain().WithError(err).Error("bad record payload")
		metrics.RecordConsumed("bad_payload")
		return actionFinish // terminal: don't retry bad payloads
	}
	if err := rec.Validate(); err != nil {
		h.logger.Plain().WithError(err).WithField("record_id", rec.ID).Error("undeliverable record")
		metrics.RecordConsumed("bad_payload")
		return actionFinish
	}

	deliveryID := uuid.New()
	route := h.sender.Route(rec.Key)

	ctx := tracing.ExtractHeaders(h.ctx, rec.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.record",
		attribute.String("delivery_id", deliveryID.String()),
		attribute.String("record_id", rec.ID),
		attribute.String("sink.route", route),
	)
	defer span.End()

	start := time.Now()
	err := h.sender.Send(ctx, rec.Body, rec.Key)
	elapsed := time.Since(start)
	outcome := sink.Outcome(err)
	span.SetAttributes(attribute.String("delivery.outcome", outcome))

	entry := h.logger.WithContext(ctx).WithDelivery(deliveryID.String()).WithRoute(route)
	if rec.Key != nil {
		entry = entry.WithRecordKey(*rec.Key)
	}

	if errors.Is(err, sink.ErrInterrupted) {
		// Shutting down: leave the record for the next worker.
		entry.WithError(err).Warn("send interrupted, requeueing record")
		metrics.RecordConsumed("requeued")
		return actionRequeue
	}

	h.record(ctx, store.Delivery{
		ID:         deliveryID,
		RecordID:   rec.ID,
		RecordKey:  rec.Key,
		Route:      route,
		Outcome:    outcome,
		HTTPStatus: sink.StatusCode(err),
		LastError:  errString(err),
		Duration:   elapsed,
	})

	if err == nil {
		entry.WithField("duration_ms", elapsed.Milliseconds()).Info("record delivered")
		metrics.RecordConsumed("delivered")
		return actionFinish
	}

	entry.WithError(err).WithField("outcome", outcome).Error("record delivery failed")
	metrics.RecordConsumed("failed")
	h.deadLetter(ctx, rec, deliveryID.String(), outcome, err)
	return actionFinish
}

func (h *handler) record(ctx context.Context, d store.Delivery) {
	if h.recorder == nil {
		return
	}
	// The root context may already be cancelled; the log row must still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	tracing.AddSpanEvent(ctx, "db.record_delivery")
	if err := h.recorder.RecordDelivery(ctx, d); err != nil {
		h.logger.WithContext(ctx).WithDelivery(d.ID.String()).WithError(err).Error("delivery log insert failed")
		tracing.SetSpanError(ctx, err)
	}
}

func (h *handler) deadLetter(ctx context.Context, rec delivery.Record, deliveryID, outcome string, cause error) {
	if h.dlq == nil {
		return
	}
	dl := delivery.NewDeadLetter(rec, deliveryID, outcome, sink.StatusCode(cause), errString(cause))
	b, err := json.Marshal(dl)
	if err == nil {
		err = h.dlq.Publish(h.dlqTopic, b)
	}
	if err != nil {
		h.logger.WithContext(ctx).WithDelivery(deliveryID).WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	h.logger.WithContext(ctx).WithDelivery(deliveryID).WithField("topic", h.dlqTopic).Info("dlq published")
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", h.dlqTopic))
	metrics.RecordDLQ(outcome)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
