// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsReceived   *prometheus.CounterVec // by subscription type
	EventsDropped    prometheus.Counter
	EventsProcessed  prometheus.Counter
	HandlerErrors    prometheus.Counter
	Reconnects       *prometheus.CounterVec // by reason: reconnect|transport
	Subscriptions    *prometheus.CounterVec // by type, result
	TokenRefreshes   *prometheus.CounterVec // by identity, result
	Authorizations   *prometheus.CounterVec // by identity, method, result
	TitleUpdates     *prometheus.CounterVec // by result
	ScopeMismatches  prometheus.Counter
	RevokedSubsTotal prometheus.Counter

	// Histograms (seconds)
	HandlerDuration prometheus.Observer

	// Gauges
	QueueDepthGauge    prometheus.Gauge
	ListenerStateGauge prometheus.Gauge
	DBOpenConnections  prometheus.Gauge
	DBInUseConnections prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "subtender_events_received_total", Help: "EventSub notifications decoded"}, []string{"type"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "subtender_events_dropped_total", Help: "Events evicted from a full delivery queue"})
		EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{Name: "subtender_events_processed_total", Help: "Events handed to the consumer handler"})
		HandlerErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "subtender_handler_errors_total", Help: "Consumer handler failures"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "subtender_eventsub_reconnects_total", Help: "EventSub socket reconnects"}, []string{"reason"})
		Subscriptions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "subtender_eventsub_subscriptions_total", Help: "EventSub subscription attempts"}, []string{"type", "result"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "subtender_token_refreshes_total", Help: "OAuth refresh_token grants"}, []string{"identity", "result"})
		Authorizations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "subtender_authorizations_total", Help: "Interactive OAuth authorizations"}, []string{"identity", "method", "result"})
		TitleUpdates = promauto.NewCounterVec(prometheus.CounterOpts{Name: "subtender_title_updates_total", Help: "Channel title PATCH attempts"}, []string{"result"})
		ScopeMismatches = promauto.NewCounter(prometheus.CounterOpts{Name: "subtender_scope_mismatches_total", Help: "Stored credentials rejected for missing scopes"})
		RevokedSubsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "subtender_eventsub_revocations_total", Help: "Subscriptions revoked by Twitch"})
		HandlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "subtender_handler_duration_seconds", Help: "Consumer handler duration seconds", Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5}})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "subtender_queue_depth", Help: "Events waiting in the delivery queue"})
		ListenerStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "subtender_listener_state", Help: "EventSub listener state (0=connecting .. 5=closed)"})
		DBOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "subtender_db_open_connections", Help: "Open Postgres connections"})
		DBInUseConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "subtender_db_in_use_connections", Help: "Postgres connections in use"})
	})
}

// SetQueueDepth records the current delivery queue length.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// SetListenerState records the listener state ordinal.
func SetListenerState(s int) {
	if ListenerStateGauge != nil {
		ListenerStateGauge.Set(float64(s))
	}
}

func IncEventReceived(typ string) {
	if EventsReceived != nil {
		EventsReceived.WithLabelValues(typ).Inc()
	}
}

func IncEventDropped() {
	if EventsDropped != nil {
		EventsDropped.Inc()
	}
}

func IncEventProcessed() {
	if EventsProcessed != nil {
		EventsProcessed.Inc()
	}
}

func IncHandlerError() {
	if HandlerErrors != nil {
		HandlerErrors.Inc()
	}
}

func IncReconnect(reason string) {
	if Reconnects != nil {
		Reconnects.WithLabelValues(reason).Inc()
	}
}

func IncSubscription(typ, result string) {
	if Subscriptions != nil {
		Subscriptions.WithLabelValues(typ, result).Inc()
	}
}

func IncRevocation() {
	if RevokedSubsTotal != nil {
		RevokedSubsTotal.Inc()
	}
}

func IncTokenRefresh(identity, result string) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(identity, result).Inc()
	}
}

func IncAuthorization(identity, method, result string) {
	if Authorizations != nil {
		Authorizations.WithLabelValues(identity, method, result).Inc()
	}
}

func IncScopeMismatch() {
	if ScopeMismatches != nil {
		ScopeMismatches.Inc()
	}
}

func IncTitleUpdate(result string) {
	if TitleUpdates != nil {
		TitleUpdates.WithLabelValues(result).Inc()
	}
}

// UpdateDatabasePoolMetrics records sql.DBStats connection counts.
func UpdateDatabasePoolMetrics(open, inUse int) {
	if DBOpenConnections != nil {
		DBOpenConnections.Set(float64(open))
	}
	if DBInUseConnections != nil {
		DBInUseConnections.Set(float64(inUse))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
