package datasource

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	dataTypeLabel = "data_type"
	outcomeLabel  = "outcome"
)

var (
	operationCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datasource_operations_total",
		Help: "The number of resolved datasource operations.",
	}, []string{
		dataTypeLabel,
		outcomeLabel,
	})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datasource_operation_duration_seconds",
		Help:    "The time from operation start to resolution.",
		Buckets: prometheus.DefBuckets,
	}, []string{
		dataTypeLabel,
	})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datasource_cache_lookups_total",
		Help: "The number of tile cache lookups.",
	}, []string{
		outcomeLabel,
	})
)

func instrumentOperation(dataType DataType, outcome string) {
	operationCount.With(prometheus.Labels{
		dataTypeLabel: dataType.String(),
		outcomeLabel:  outcome,
	}).Inc()
}

func instrumentOperationDuration(dataType DataType, d time.Duration) {
	operationDuration.With(prometheus.Labels{
		dataTypeLabel: dataType.String(),
	}).Observe(d.Seconds())
}

func instrumentCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookups.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}
