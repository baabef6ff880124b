package models

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entityCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "entity_count",
		Help: "The number of registered persistent entities.",
	})
)

func instrumentEntityCount(n int) {
	entityCount.Set(float64(n))
}
