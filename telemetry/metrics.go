// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollsTotal          *prometheus.CounterVec // per site
	PollErrors          *prometheus.CounterVec // per site
	TransitionsTotal    *prometheus.CounterVec // per site, kind
	NotificationsSent   *prometheus.CounterVec // per site
	NotificationsFailed *prometheus.CounterVec // per site
	TargetsDisabled     prometheus.Counter
	RateLimitSleeps     *prometheus.CounterVec // per site
	StaleCursorResets   prometheus.Counter

	// Histograms (seconds)
	TickDuration *prometheus.HistogramVec // per site

	// Gauges
	TrackedChannelsGauge *prometheus.GaugeVec // per site
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_polls_total", Help: "Number of platform API polls performed"}, []string{"site"})
		PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_poll_errors_total", Help: "Number of platform API polls that failed"}, []string{"site"})
		TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_transitions_total", Help: "Number of state transitions detected"}, []string{"site", "kind"})
		NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_notifications_sent_total", Help: "Number of Discord notifications delivered"}, []string{"site"})
		NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_notifications_failed_total", Help: "Number of Discord notification deliveries that failed"}, []string{"site"})
		TargetsDisabled = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_targets_disabled_total", Help: "Number of targets removed after permission loss"})
		RateLimitSleeps = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_rate_limit_sleeps_total", Help: "Number of mid-tick rate limit suspensions"}, []string{"site"})
		StaleCursorResets = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_stale_cursor_resets_total", Help: "Number of cursors reset to the platform high-water mark"})
		TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "tracker_tick_duration_seconds", Help: "Full tick duration seconds", Buckets: prometheus.DefBuckets}, []string{"site"})
		TrackedChannelsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "tracker_tracked_channels", Help: "Current number of tracked channels"}, []string{"site"})
	})
}

// SetTrackedChannels records the tracked-channel count at tick start.
func SetTrackedChannels(site string, n int) {
	if TrackedChannelsGauge != nil {
		TrackedChannelsGauge.WithLabelValues(site).Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
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
