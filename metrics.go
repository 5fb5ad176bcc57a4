package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("xdanalysis")

var (
	puzzlesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdanalysis_puzzles_total",
		Help: "Puzzles processed, by outcome",
	}, []string{"outcome"})

	cluesAnalyzed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xdanalysis_clues_total",
		Help: "Clues analyzed, by staleness",
	}, []string{"kind"})

	analysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "xdanalysis_analysis_duration_seconds",
		Help:    "Time spent analyzing one puzzle against the corpus",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	})

	danglingNeighbors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xdanalysis_dangling_neighbors_total",
		Help: "Similar-grid references that did not resolve to a known puzzle",
	})

	corpusRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xdanalysis_corpus_records",
		Help: "Clue/answer records in the current corpus index",
	})
)
