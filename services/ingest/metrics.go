package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	artifactsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidenced_artifacts_received_total",
		Help: "Artifacts accepted by the ingest service, by upload method.",
	}, []string{"method"})

	chunksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evidenced_chunks_received_total",
		Help: "Chunks accepted across all upload sessions.",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evidenced_upload_sessions_active",
		Help: "Open chunked upload sessions.",
	})
)
