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
	TrainsStarted   prometheus.Counter
	TrainsResolved  prometheus.Counter
	TrainsCancelled prometheus.Counter
	TrainEvents     prometheus.Counter
	RemindersFired  prometheus.Counter
	TriviaStarted   prometheus.Counter
	TriviaQuestions prometheus.Counter
	TriviaCorrect   prometheus.Counter
	TriviaCompleted prometheus.Counter
	TriviaCancelled prometheus.Counter
	NotifyFailures  prometheus.Counter

	// Histograms (seconds)
	SessionDuration prometheus.Observer

	// Gauges
	ActiveSessionsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TrainsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "rally_trains_started_total", Help: "Number of message trains started"})
		TrainsResolved = promauto.NewCounter(prometheus.CounterOpts{Name: "rally_trains_resolved_total", Help: "Number of message trains resolved by timeout"})
		TrainsCancelled = promauto.NewCounter(prometheus.CounterOpts{Name: "rally_trains_cancelled_total", Help: "Number of message trains cancelled"})
		TrainEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "rally_train_events_total", Help: "Number of qualifying chat events recorded by trains"})
		RemindersFired = promauto.NewCounter(prometheus.CounterOpts{Name: "rally_reminders_fired_total", Help: "Number of reminder thresholds fired"})
		TriviaStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "rally_trivia_started_total", Help: "Number of trivia runs started"})
		TriviaQuestions = promauto.NewCounter(prometheus.CounterOpts{Name: "rally_trivia_questions_total", Help: "Number of trivia questions opened"})
		TriviaCorrect = promauto.NewCounter(prometheus.CounterOpts{Name: "rally_trivia_correct_total", Help: "Number of correct trivia answers"})
		TriviaCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "rally_trivia_completed_total", Help: "Number of trivia runs completed"})
		TriviaCancelled = promauto.NewCounter(prometheus.CounterOpts{Name: "rally_trivia_cancelled_total", Help: "Number of trivia runs cancelled"})
		NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "rally_notify_failures_total", Help: "Number of failed chat render/lock calls"})
		SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rally_session_duration_seconds",
			Help:    "Lifetime of a session from start to terminal transition",
			Buckets: []float64{15, 30, 60, 120, 300, 600, 1800, 3600},
		})
		ActiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "rally_active_sessions", Help: "Currently active sessions across all channels"})
	})
}

// Inc bumps c when metrics are registered; safe before Init.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// ObserveDuration records d in seconds when obs is registered.
func ObserveDuration(obs prometheus.Observer, d time.Duration) {
	if obs != nil {
		obs.Observe(d.Seconds())
	}
}

// SessionOpened and SessionClosed move the active-sessions gauge; safe before Init.
func SessionOpened() {
	if ActiveSessionsGauge != nil {
		ActiveSessionsGauge.Inc()
	}
}

func SessionClosed() {
	if ActiveSessionsGauge != nil {
		ActiveSessionsGauge.Dec()
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

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
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
