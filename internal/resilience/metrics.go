package resilience

import "github.com/prometheus/client_golang/prometheus"

// Breaker collectors, labelled by provider. They live on the default registry
// so every BreakerSet in the process reports to the same series.
var (
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payment_provider_breaker_state",
		Help: "Provider circuit state: 0=closed, 1=open, 2=half-open.",
	}, []string{"provider"})
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_provider_breaker_transitions_total",
		Help: "Provider circuit state transitions.",
	}, []string{"provider", "from", "to"})
	BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_provider_breaker_opened_total",
		Help: "Times a provider circuit opened.",
	}, []string{"provider"})
	BreakerRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_provider_breaker_rejected_total",
		Help: "Provider calls refused while the circuit was open.",
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal, BreakerRejectedTotal)
}
