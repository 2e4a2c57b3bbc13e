package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "slotwatch"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Queue task outcomes by kind.",
		},
		[]string{"kind", "outcome"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Handler run time by task kind.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180},
		},
		[]string{"kind"},
	)

	queueOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_open_tasks",
			Help:      "Unfinished tasks by kind.",
		},
		[]string{"kind"},
	)

	poolSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_sessions",
			Help:      "Automation sessions by state.",
		},
		[]string{"state"},
	)

	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Availability checks by target and result status.",
		},
		[]string{"target", "status"},
	)

	targetsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "targets",
			Help:      "Targets by health status.",
		},
		[]string{"status"},
	)

	detectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Slot detections by target.",
		},
		[]string{"target"},
	)

	bookingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome.",
		},
		[]string{"outcome"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Emitted notifications by type.",
		},
		[]string{"type"},
	)

	alertsSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Blocked-target alerts dropped by the cooldown.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			tasksTotal,
			taskDuration,
			queueOpen,
			poolSessions,
			checksTotal,
			targetsByStatus,
			detectionsTotal,
			bookingsTotal,
			notificationsTotal,
			alertsSuppressed,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// ObserveTask records a finished handler run.
func ObserveTask(kind, outcome string, d time.Duration) {
	tasksTotal.WithLabelValues(kind, outcome).Inc()
	taskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func SetQueueOpen(kind string, n int) {
	queueOpen.WithLabelValues(kind).Set(float64(n))
}

// SetPool publishes the pool snapshot.
func SetPool(capacity, active, idle, waiting int) {
	poolSessions.WithLabelValues("capacity").Set(float64(capacity))
	poolSessions.WithLabelValues("active").Set(float64(active))
	poolSessions.WithLabelValues("idle").Set(float64(idle))
	poolSessions.WithLabelValues("waiting").Set(float64(waiting))
}

func IncCheck(target, status string) {
	checksTotal.WithLabelValues(target, status).Inc()
}

// SetTargets replaces the per-status target counts.
func SetTargets(counts map[string]int) {
	targetsByStatus.Reset()
	for status, n := range counts {
		targetsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func IncDetection(target string) {
	detectionsTotal.WithLabelValues(target).Inc()
}

func IncBooking(outcome string) {
	bookingsTotal.WithLabelValues(outcome).Inc()
}

func IncNotification(typ string) {
	notificationsTotal.WithLabelValues(typ).Inc()
}

func IncAlertSuppressed() {
	alertsSuppressed.Inc()
}
