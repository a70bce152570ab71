package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsink_attempts_total",
			Help: "Total number of HTTP exchanges attempted, by route.",
		},
		[]string{"route"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsink_retries_total",
			Help: "Total number of retries scheduled after a failed attempt, by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_auth, timeout, network
	)

	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsink_sends_total",
			Help: "Total number of sends by route and terminal outcome.",
		},
		[]string{"route", "outcome"},
	)

	SendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborsink_send_duration_seconds",
			Help:    "Wall time of a send including retries and backoff.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"route"},
	)

	TokenFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsink_token_fetches_total",
			Help: "Total number of OAuth2 token fetches by reason and result.",
		},
		[]string{"reason", "result"}, // reason: initial, rejected
	)

	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsink_records_total",
			Help: "Total number of queued records handled by the worker, by status.",
		},
		[]string{"status"}, // delivered, failed, requeued, bad_payload
	)

	EnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsink_records_enqueued_total",
			Help: "Total number of records accepted by the ingest API, by whether they carry a key.",
		},
		[]string{"keyed"},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsink_dlq_total",
			Help: "Total number of records moved to the DLQ, by outcome.",
		},
		[]string{"outcome"},
	)

	// QueueBacklog is the depth of the sink channel on the records topic.
	QueueBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harborsink_queue_backlog",
		Help: "Number of records waiting in the sink channel.",
	})

	ChannelDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harborsink_nsq_channel_depth",
		Help: "Depth of NSQ channels by topic and channel.",
	}, []string{"topic", "channel"})

	ChannelInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harborsink_nsq_channel_inflight",
		Help: "In-flight messages for NSQ channels by topic and channel.",
	}, []string{"topic", "channel"})
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(AttemptsTotal, RetriesTotal, SendsTotal, SendLatency, TokenFetchesTotal, RecordsTotal, EnqueuedTotal,
		DLQTotal, QueueBacklog, ChannelDepth, ChannelInFlight)
}

func RecordAttempt(route string) {
	AttemptsTotal.WithLabelValues(route).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordSend(route, outcome string, latency time.Duration) {
	SendsTotal.WithLabelValues(route, outcome).Inc()
	SendLatency.WithLabelValues(route).Observe(latency.Seconds())
}

func RecordTokenFetch(reason, result string) {
	TokenFetchesTotal.WithLabelValues(reason, result).Inc()
}

func RecordConsumed(status string) {
	RecordsTotal.WithLabelValues(status).Inc()
}

func RecordEnqueued(keyed bool) {
	EnqueuedTotal.WithLabelValues(strconv.FormatBool(keyed)).Inc()
}

func RecordDLQ(outcome string) {
	DLQTotal.WithLabelValues(outcome).Inc()
}

func UpdateQueueBacklog(depth float64) {
	QueueBacklog.Set(depth)
}

func UpdateChannel(topic, channel string, depth, inFlight float64) {
	ChannelDepth.WithLabelValues(topic, channel).Set(depth)
	ChannelInFlight.WithLabelValues(topic, channel).Set(inFlight)
}
