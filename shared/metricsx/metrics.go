package metricsx

import (
	"bufio"
	"errors"
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
	outboxEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "Outbox dispatch outcomes by topic.",
		},
		[]string{"topic", "outcome"},
	)
	outboxClaimed = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_claim_batch_size",
			Help:    "Number of events claimed per dispatcher poll.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Consumer chain handler latency by topic.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic", "status"},
	)
	damageIncrements = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "degradation_increment_total_damage",
			Help:    "Total damage added per telemetry window.",
			Buckets: prometheus.ExponentialBuckets(1e-9, 10, 10),
		},
		[]string{"regime"},
	)
	alertsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_created_total",
			Help: "Alerts created by the sanity engine.",
		},
		[]string{"severity"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification deliveries by channel and status.",
		},
		[]string{"channel", "status"},
	)
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Open websocket connections.",
		},
	)
	cacheFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_fallbacks_total",
			Help: "Cache errors that fell back to direct computation.",
		},
		[]string{"category"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency, kafkaConsumerLag,
		outboxEvents, outboxClaimed, stageDuration, damageIncrements,
		alertsCreated, notifications, wsConnections, cacheFallbacks,
		influxWriteFailures, asynqQueueDepth,
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
		httpRequests.WithLabelValues(r.Method, r.Pattern, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.Pattern, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncOutbox(topic string, outcome string) {
	outboxEvents.WithLabelValues(topic, outcome).Inc()
}

func ObserveOutboxClaim(n int) {
	outboxClaimed.Observe(float64(n))
}

func ObserveStage(topic string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	stageDuration.WithLabelValues(topic, status).Observe(d.Seconds())
}

func ObserveDamage(regime string, total float64) {
	damageIncrements.WithLabelValues(regime).Observe(total)
}

func IncAlertCreated(severity string) {
	alertsCreated.WithLabelValues(severity).Inc()
}

func IncNotification(channel string, status string) {
	notifications.WithLabelValues(channel, status).Inc()
}

func AddWebsocketConnections(delta int) {
	wsConnections.Add(float64(delta))
}

func IncCacheFallback(category string) {
	cacheFallbacks.WithLabelValues(category).Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets websocket upgrades pass through the instrumentation wrapper.
func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
