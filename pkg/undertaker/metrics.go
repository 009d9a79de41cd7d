package undertaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds the Prometheus metrics for the reaper.
type Metrics struct {
	DeletedDIDs        prometheus.Counter
	DeletedRules       prometheus.Counter
	TombstonedReplicas prometheus.Counter
	SweepFailures      prometheus.Counter
	SweepSeconds       prometheus.Histogram
}

// InitMetrics registers the reaper metrics once. Pass nil to use the
// default Prometheus registry.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			DeletedDIDs: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "didcat_undertaker_deleted_dids_total",
				Help: "Collections removed by the reaper",
			}),
			DeletedRules: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "didcat_undertaker_deleted_rules_total",
				Help: "Replication rules removed by deletion cascades",
			}),
			TombstonedReplicas: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "didcat_undertaker_tombstoned_replicas_total",
				Help: "Replicas whose lock count reached zero and were tombstoned",
			}),
			SweepFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "didcat_undertaker_sweep_failures_total",
				Help: "Expired-DID sweeps that ended with an error",
			}),
			SweepSeconds: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
				Name:    "didcat_undertaker_sweep_seconds",
				Help:    "Duration of one expired-DID sweep",
				Buckets: prometheus.DefBuckets,
			}),
		}
	})
	return metricsInstance
}
