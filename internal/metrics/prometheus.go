package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Logins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome",
		},
		[]string{"result"},
	)

	SessionValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_session_validations_total",
			Help: "Session validations by outcome",
		},
		[]string{"result"},
	)

	SessionsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_sessions_swept_total",
			Help: "Expired sessions deleted by the sweeper",
		},
	)

	CSRFRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csrf_rejections_total",
			Help: "Unsafe requests rejected by the CSRF guard",
		},
		[]string{"check"},
	)

	AuthzDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_denials_total",
			Help: "Tenant operations refused by the authorization layer",
		},
		[]string{"reason"},
	)

	AuditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Audit events by pipeline stage and outcome",
		},
		[]string{"stage", "result"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rabbitmq_queue_depth",
			Help: "Number of messages waiting in a queue",
		},
		[]string{"queue"},
	)

	WorkerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background job runs by worker and outcome",
		},
		[]string{"worker", "result"},
	)
)

// Init registers metrics with Prometheus
func Init() {
	prometheus.MustRegister(Logins)
	prometheus.MustRegister(SessionValidations)
	prometheus.MustRegister(SessionsSwept)
	prometheus.MustRegister(CSRFRejections)
	prometheus.MustRegister(AuthzDenials)
	prometheus.MustRegister(AuditEvents)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkerRuns)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
