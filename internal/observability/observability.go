package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesTotal counts consumed messages by event kind and outcome
	// (ok, ignored, dropped_decode, dropped_state, dropped_storage).
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zbservice_messages_total",
			Help: "Messages consumed by event kind and outcome.",
		},
		[]string{"event", "outcome"},
	)

	// SamplesStored counts EEG samples persisted.
	SamplesStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zbservice_samples_stored_total",
			Help: "EEG power samples persisted.",
		},
	)
)

func init() { prometheus.MustRegister(MessagesTotal, SamplesStored) }

func MetricsHandler() http.Handler { return promhttp.Handler() }
