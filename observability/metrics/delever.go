package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DeleverMetrics tracks repayment orchestration outcomes. Path labels are
// "direct" or "financed"; outcome labels are "committed" or the short error
// class that aborted the run.
type DeleverMetrics struct {
	repayments      *prometheus.CounterVec
	repayDuration   *prometheus.HistogramVec
	feesPaid        prometheus.Counter
	premiumsPaid    prometheus.Counter
	whitelistSize   prometheus.Gauge
	policyMutations prometheus.Counter
}

var (
	deleverOnce     sync.Once
	deleverRegistry *DeleverMetrics
)

func Delever() *DeleverMetrics {
	deleverOnce.Do(func() {
		deleverRegistry = &DeleverMetrics{
			repayments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "delever_repayments_total",
				Help: "Count of repayment attempts by execution path and outcome.",
			}, []string{"path", "outcome"}),
			repayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "delever_repayment_duration_seconds",
				Help:    "Wall-clock duration of repayment orchestration by path.",
				Buckets: prometheus.DefBuckets,
			}, []string{"path"}),
			feesPaid: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "delever_fees_paid_total",
				Help: "Cumulative operator fees paid out, in base units.",
			}),
			premiumsPaid: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "delever_financing_premiums_total",
				Help: "Cumulative flash financing premiums settled, in base units.",
			}),
			whitelistSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "delever_whitelist_size",
				Help: "Current number of whitelisted operators.",
			}),
			policyMutations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "delever_policy_mutations_total",
				Help: "Count of accepted user policy writes.",
			}),
		}
		prometheus.MustRegister(
			deleverRegistry.repayments,
			deleverRegistry.repayDuration,
			deleverRegistry.feesPaid,
			deleverRegistry.premiumsPaid,
			deleverRegistry.whitelistSize,
			deleverRegistry.policyMutations,
		)
	})
	return deleverRegistry
}

func (m *DeleverMetrics) ObserveRepayment(path, outcome string, seconds float64) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.repayments.WithLabelValues(path, outcome).Inc()
	m.repayDuration.WithLabelValues(path).Observe(seconds)
}

func (m *DeleverMetrics) AddFeesPaid(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.feesPaid.Add(amount)
}

func (m *DeleverMetrics) AddPremiumPaid(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.premiumsPaid.Add(amount)
}

func (m *DeleverMetrics) SetWhitelistSize(size int) {
	if m == nil {
		return
	}
	m.whitelistSize.Set(float64(size))
}

func (m *DeleverMetrics) IncPolicyMutation() {
	if m == nil {
		return
	}
	m.policyMutations.Inc()
}
