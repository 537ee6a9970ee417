// Copyright 2024 The Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records operational counters for the relay.
type Metrics interface {
	GaugeSessions(value float64)
	GaugeTracked(value float64)
	Message(recvBytes int64, isErr bool)
	MessageBytesSent(sentBytes int64)
	CountStatusBroadcast(status string)
	CountDroppedEvent()
	PresenceEvent(queueDelay time.Duration)

	Handler() http.Handler
}

var _ Metrics = (*LocalMetrics)(nil)

// LocalMetrics is a Prometheus-backed Metrics implementation.
type LocalMetrics struct {
	registry *prometheus.Registry

	sessionsGauge      prometheus.Gauge
	trackedGauge       prometheus.Gauge
	messagesReceived   prometheus.Counter
	messagesErrored    prometheus.Counter
	bytesReceived      prometheus.Counter
	bytesSent          prometheus.Counter
	statusBroadcasts   *prometheus.CounterVec
	droppedEvents      prometheus.Counter
	presenceEventDelay prometheus.Histogram
}

func NewLocalMetrics(nodeName string) *LocalMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	constLabels := prometheus.Labels{"node": nodeName}

	return &LocalMetrics{
		registry: registry,

		sessionsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "relay_sessions",
			Help:        "Number of live transport sessions.",
			ConstLabels: constLabels,
		}),
		trackedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "relay_tracked_identities",
			Help:        "Number of identities with a presence tracking entry.",
			ConstLabels: constLabels,
		}),
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name:        "relay_messages_received_total",
			Help:        "Total inbound realtime messages.",
			ConstLabels: constLabels,
		}),
		messagesErrored: factory.NewCounter(prometheus.CounterOpts{
			Name:        "relay_messages_errored_total",
			Help:        "Total inbound realtime messages that failed processing.",
			ConstLabels: constLabels,
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name:        "relay_message_bytes_received_total",
			Help:        "Total inbound realtime message bytes.",
			ConstLabels: constLabels,
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name:        "relay_message_bytes_sent_total",
			Help:        "Total outbound realtime message bytes.",
			ConstLabels: constLabels,
		}),
		statusBroadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "relay_status_broadcasts_total",
			Help:        "Total presence status broadcasts, by status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		droppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name:        "relay_dropped_events_total",
			Help:        "Total presence events dropped due to a full dispatch queue.",
			ConstLabels: constLabels,
		}),
		presenceEventDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "relay_presence_event_queue_delay_seconds",
			Help:        "Time presence events spend queued before dispatch.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}

func (m *LocalMetrics) GaugeSessions(value float64) {
	m.sessionsGauge.Set(value)
}

func (m *LocalMetrics) GaugeTracked(value float64) {
	m.trackedGauge.Set(value)
}

func (m *LocalMetrics) Message(recvBytes int64, isErr bool) {
	m.messagesReceived.Inc()
	m.bytesReceived.Add(float64(recvBytes))
	if isErr {
		m.messagesErrored.Inc()
	}
}

func (m *LocalMetrics) MessageBytesSent(sentBytes int64) {
	m.bytesSent.Add(float64(sentBytes))
}

func (m *LocalMetrics) CountStatusBroadcast(status string) {
	m.statusBroadcasts.WithLabelValues(status).Inc()
}

func (m *LocalMetrics) CountDroppedEvent() {
	m.droppedEvents.Inc()
}

func (m *LocalMetrics) PresenceEvent(queueDelay time.Duration) {
	m.presenceEventDelay.Observe(queueDelay.Seconds())
}

func (m *LocalMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
