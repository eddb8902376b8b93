package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics contains HTTP-related Prometheus metrics
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// BrokerMetrics contains message-broker consume metrics
type BrokerMetrics struct {
	MessagesConsumed *prometheus.CounterVec
	HandlerDuration  *prometheus.HistogramVec
}

// SagaMetrics contains order-lifecycle metrics
type SagaMetrics struct {
	Transitions   *prometheus.CounterVec
	Compensations *prometheus.CounterVec
}

// NewHTTPMetrics creates HTTP metrics for a service
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// NewBrokerMetrics creates broker metrics for a service
func NewBrokerMetrics(serviceName string) *BrokerMetrics {
	return &BrokerMetrics{
		MessagesConsumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_broker_messages_consumed_total",
				Help: "Total number of consumed messages grouped by queue and result",
			},
			[]string{"queue", "result"},
		),
		HandlerDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_broker_handler_duration_seconds",
				Help:    "Message handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
	}
}

// NewSagaMetrics creates order-saga metrics for a service
func NewSagaMetrics(serviceName string) *SagaMetrics {
	return &SagaMetrics{
		Transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_saga_transitions_total",
				Help: "Total number of order state transitions",
			},
			[]string{"from", "to"},
		),
		Compensations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_saga_compensations_total",
				Help: "Total number of compensation events emitted",
			},
			[]string{"reason"},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric
func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordConsume records the outcome of one message delivery
func (m *BrokerMetrics) RecordConsume(queue, result string, duration time.Duration) {
	m.MessagesConsumed.WithLabelValues(queue, result).Inc()
	m.HandlerDuration.WithLabelValues(queue).Observe(duration.Seconds())
}
