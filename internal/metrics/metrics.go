package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters, labeled by outcome so rejected marks (closed window,
// outside fence, duplicates) are visible next to successes.
var (
	Marks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_marks_total",
		Help: "Self-mark attempts by outcome.",
	}, []string{"outcome"})

	Overrides = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_overrides_total",
		Help: "Committed faculty/admin overrides.",
	})

	Sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_sessions_total",
		Help: "Session lifecycle events.",
	}, []string{"event"})

	MarkDistance = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_mark_distance_meters",
		Help:    "Measured distance from fence center for accepted self-marks.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000},
	})
)
