package mqauth

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Phase and result label values of the authentication metrics.
const (
	phaseConnect = "connect"
	phaseReauth  = "reauth"

	resultSuccess           = "success"
	resultInvalidMethod     = "invalid_method"
	resultMechanismError    = "mechanism_error"
	resultProtocolViolation = "protocol_violation"
	resultRefused           = "refused"
	resultError             = "error"
)

// authMetrics holds the Prometheus collectors of a client. A nil
// *authMetrics records nothing.
type authMetrics struct {
	rounds   *prometheus.CounterVec
	results  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newAuthMetrics(reg prometheus.Registerer) (*authMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	rounds, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mqauth",
		Name:      "auth_rounds_total",
		Help:      "Number of AUTH challenges answered",
	}, []string{"method"}))
	if err != nil {
		return nil, err
	}

	results, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mqauth",
		Name:      "auth_results_total",
		Help:      "Number of finished authentication exchanges by outcome",
	}, []string{"method", "phase", "result"}))
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mqauth",
		Name:      "auth_duration_seconds",
		Help:      "Time from the first client message to the end of the exchange",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "phase"}))
	if err != nil {
		return nil, err
	}

	return &authMetrics{rounds: rounds, results: results, duration: duration}, nil
}

// register registers c with reg, returning the collector registered before
// under the same descriptor if there is one.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *authMetrics) round(method string) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(method).Inc()
}

func (m *authMetrics) result(method, phase, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(method, phase, result).Inc()
	m.duration.WithLabelValues(method, phase).Observe(elapsed.Seconds())
}

// resultLabel classifies the outcome of an exchange.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return resultSuccess
	case errors.Is(err, ErrInvalidMethod):
		return resultInvalidMethod
	case errors.Is(err, ErrProtocolViolation):
		return resultProtocolViolation
	case errors.Is(err, ErrMechanism):
		return resultMechanismError
	case errors.Is(err, ErrConnectionRefused):
		return resultRefused
	default:
		return resultError
	}
}
