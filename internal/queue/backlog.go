// Package queue polls nsqd for the depth of the records topic.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/harbor_sink/internal/logging"
	"github.com/austindbirch/harbor_sink/internal/metrics"
)

// Stats is the subset of nsqd's /stats?format=json we read.
type Stats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Monitor exports channel depth for one topic as Prometheus gauges.
type Monitor struct {
	NsqdHTTPAddr string // host:port, with or without scheme
	Topic        string
	Channel      string // the channel whose depth is the queue backlog
	Client       *http.Client
	Logger       *logging.Logger
}

// Run polls every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Poll(ctx); err != nil && m.Logger != nil {
				m.Logger.Plain().WithError(err).Warn("Failed to update NSQ backlog metrics")
			}
		}
	}
}

// Poll fetches stats once and updates the gauges. It returns the backlog of
// the configured channel, or 0 when the channel doesn't exist yet.
func (m *Monitor) Poll(ctx context.Context) (int64, error) {
	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	addr := m.NsqdHTTPAddr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(addr, "/")+"/stats?format=json", nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to get NSQ stats: status %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	var backlog int64
	for _, topic := range stats.Topics {
		if topic.TopicName != m.Topic {
			continue
		}
		for _, ch := range topic.Channels {
			if ch.ChannelName == m.Channel {
				backlog = ch.Depth
			}
			metrics.UpdateChannel(topic.TopicName, ch.ChannelName, float64(ch.Depth), float64(ch.InFlightCount))
		}
	}
	metrics.UpdateQueueBacklog(float64(backlog))
	return backlog, nil
}
