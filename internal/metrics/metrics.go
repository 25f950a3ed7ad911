package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sync"
)

const namespace = "decypharr"

var (
	ProviderAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Torrent processing attempts per provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	ProviderPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_polls_total",
			Help:      "Status polls sent to each provider.",
		},
		[]string{"provider"},
	)

	LinkResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_resolutions_total",
			Help:      "Direct link resolutions by provider; provider is empty when every provider failed.",
		},
		[]string{"provider"},
	)

	Ingestions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blackhole_ingestions_total",
			Help:      "Blackhole files processed by outcome.",
		},
		[]string{"outcome"},
	)

	Downloads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downloads",
			Help:      "Managed downloads by state.",
		},
		[]string{"state"},
	)

	registerOnce sync.Once
)

// Register adds the collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ProviderAttempts, ProviderPolls, LinkResolutions, Ingestions, Downloads)
	})
}
