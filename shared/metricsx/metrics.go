package metricsx

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_events_ingested_total",
			Help: "Inbound messages by origin and outcome (broadcast, duplicate, malformed).",
		},
		[]string{"origin", "outcome"},
	)
	subscribersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifier_subscribers",
			Help: "Currently registered subscribers by transport.",
		},
		[]string{"transport"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_deliveries_total",
			Help: "Per-subscriber delivery attempts by transport and result.",
		},
		[]string{"transport", "result"},
	)
	broadcastLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notifier_broadcast_duration_seconds",
			Help:    "Time to hand one event to every subscriber.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		},
	)
	adapterState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifier_adapter_state",
			Help: "Ingest adapter connection state (0 disconnected, 1 connecting, 2 subscribed).",
		},
		[]string{"adapter"},
	)
	adapterReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_adapter_reconnects_total",
			Help: "Reconnect attempts per ingest adapter.",
		},
		[]string{"adapter"},
	)
	notificationLogDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifier_notification_log_dropped_total",
			Help: "Notifications not recorded because the recorder queue was full.",
		},
	)
	publishedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_events_total",
			Help: "Events published by transport and result.",
		},
		[]string{"transport", "result"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency, kafkaConsumerLag, influxWriteFailures,
		eventsIngested, subscribersActive, deliveries, broadcastLatency,
		adapterState, adapterReconnects, notificationLogDropped, publishedEvents,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncIngested(origin string, outcome string) {
	eventsIngested.WithLabelValues(origin, outcome).Inc()
}

func AddSubscribers(transport string, delta int) {
	subscribersActive.WithLabelValues(transport).Add(float64(delta))
}

func IncDelivery(transport string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	deliveries.WithLabelValues(transport, result).Inc()
}

func ObserveBroadcast(d time.Duration) {
	broadcastLatency.Observe(d.Seconds())
}

func SetAdapterState(adapter string, state int) {
	adapterState.WithLabelValues(adapter).Set(float64(state))
}

func IncAdapterReconnect(adapter string) {
	adapterReconnects.WithLabelValues(adapter).Inc()
}

func IncNotificationLogDropped() {
	notificationLogDropped.Inc()
}

func IncPublished(transport string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	publishedEvents.WithLabelValues(transport, result).Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
