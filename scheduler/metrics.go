package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	frameTickCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_frame_ticks_total",
		Help: "The number of frame ticks dispatched by the main loop.",
	})
)

func instrumentFrameTick() {
	frameTickCount.Inc()
}
