package loader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const errorTypeLabel = "error_type"

var (
	loadStartCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loader_load_starts_total",
		Help: "The number of scope loads issued to the datasource.",
	})

	scopeLoadedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loader_scopes_loaded_total",
		Help: "The number of scopes that resolved their entities.",
	})

	loadedEntityCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loader_loaded_entities_total",
		Help: "The number of entities produced by scope loads.",
	})

	loadFailureCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loader_load_failures_total",
		Help: "The number of scope loads that resolved with an error.",
	}, []string{
		errorTypeLabel,
	})

	activeScopeCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loader_active_scopes",
		Help: "The number of scopes currently covered by a camera grid.",
	})

	compromisedRecoveryCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loader_compromised_recoveries_total",
		Help: "The number of scope loads reissued after their background work lost its execution context.",
	})

	originRebaseCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loader_origin_rebases_total",
		Help: "The number of floating origin rebases.",
	})
)

func instrumentLoadStart() {
	loadStartCount.Inc()
}

func instrumentScopeLoaded(entityCount int) {
	scopeLoadedCount.Inc()
	loadedEntityCount.Add(float64(entityCount))
}

func instrumentLoadFailure(errType string) {
	loadFailureCount.With(prometheus.Labels{errorTypeLabel: errType}).Inc()
}

func instrumentActiveScopes(n int) {
	activeScopeCount.Set(float64(n))
}

func instrumentCompromisedRecovery() {
	compromisedRecoveryCount.Inc()
}

func instrumentOriginRebase() {
	originRebaseCount.Inc()
}
