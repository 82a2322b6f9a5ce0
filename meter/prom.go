package meter

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pixelforge/admitgate"
)

// PromMeter exports admission metrics to Prometheus.
type PromMeter struct {
	admissions *prometheus.CounterVec
	points     *prometheus.CounterVec
	results    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var _ admitgate.Meter = (*PromMeter)(nil)

// NewPromMeter registers the admission metrics with the given registerer.
// Pass prometheus.DefaultRegisterer for the process-global registry.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	factory := promauto.With(reg)
	return &PromMeter{
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admitgate_admissions_total",
			Help: "Reservations taken, by identity class.",
		}, []string{"operation", "identity"}),
		points: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admitgate_points_reserved_total",
			Help: "Points reserved, by pool.",
		}, []string{"operation", "pool"}),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admitgate_results_total",
			Help: "Settled requests, by outcome.",
		}, []string{"operation", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admitgate_request_duration_seconds",
			Help:    "End-to-end request duration, admission through settlement.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *PromMeter) OnAdmit(e admitgate.AdmitEvent) {
	m.admissions.WithLabelValues(e.Operation, identityLabel(e.Account)).Inc()
	if e.FromFree > 0 {
		m.points.WithLabelValues(e.Operation, "free").Add(float64(e.FromFree))
	}
	if e.FromAccount > 0 {
		m.points.WithLabelValues(e.Operation, "account").Add(float64(e.FromAccount))
	}
}

func (m *PromMeter) OnResult(e admitgate.ResultEvent) {
	m.results.WithLabelValues(e.Operation, outcomeLabel(e)).Inc()
	m.duration.WithLabelValues(e.Operation).Observe(e.Duration.Seconds())
}

func identityLabel(account bool) string {
	if account {
		return "account"
	}
	return "anonymous"
}

func outcomeLabel(e admitgate.ResultEvent) string {
	switch {
	case e.Committed:
		return "committed"
	case e.RolledBack:
		if errors.Is(e.Err, admitgate.ErrAmbiguousOutcome) {
			return "rolled_back_ambiguous"
		}
		return "rolled_back"
	case errors.Is(e.Err, admitgate.ErrUnknownOperation):
		return "unknown_operation"
	case errors.Is(e.Err, admitgate.ErrBlocked):
		return "blocked"
	case errors.Is(e.Err, admitgate.ErrAccountRequired):
		return "account_required"
	case errors.Is(e.Err, admitgate.ErrInsufficientFreeQuota):
		return "insufficient_free_quota"
	case errors.Is(e.Err, admitgate.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(e.Err, admitgate.ErrAccountNotFound):
		return "account_not_found"
	default:
		return "error"
	}
}
