package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PaymentMetrics tracks bank calls, settlements and security events.
type PaymentMetrics struct {
	gatewayDuration *prometheus.HistogramVec
	gatewayCalls    *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	security        *prometheus.CounterVec
}

// NewPaymentMetrics registers the payment metrics on the provided registerer.
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		return &PaymentMetrics{}
	}
	gatewayDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "posnet_request_duration_seconds",
		Help:    "Duration of bank gateway calls in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})
	gatewayCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "posnet_requests_total",
		Help: "Bank gateway calls by operation and outcome.",
	}, []string{"operation", "outcome"})
	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Order settlements by result.",
	}, []string{"result"})
	security := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_security_events_total",
		Help: "Security events raised while validating bank callbacks.",
	}, []string{"kind"})
	reg.MustRegister(gatewayDuration, gatewayCalls, settlements, security)
	return &PaymentMetrics{
		gatewayDuration: gatewayDuration,
		gatewayCalls:    gatewayCalls,
		settlements:     settlements,
		security:        security,
	}
}

// ObserveGatewayCall records one bank call.
func (p *PaymentMetrics) ObserveGatewayCall(operation, outcome string, duration time.Duration) {
	if p == nil || p.gatewayDuration == nil {
		return
	}
	p.gatewayDuration.WithLabelValues(normalizeLabel(operation)).Observe(duration.Seconds())
	p.gatewayCalls.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
}

// IncSettlement counts a settlement attempt by result.
func (p *PaymentMetrics) IncSettlement(result string) {
	if p == nil || p.settlements == nil {
		return
	}
	p.settlements.WithLabelValues(normalizeLabel(result)).Inc()
}

// IncSecurityEvent counts a security event such as a MAC mismatch.
func (p *PaymentMetrics) IncSecurityEvent(kind string) {
	if p == nil || p.security == nil {
		return
	}
	p.security.WithLabelValues(normalizeLabel(kind)).Inc()
}
