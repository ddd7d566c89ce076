package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery-guarantee counters. Registered on the default registry and served
// by the app's /metrics endpoint.
var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connected_clients",
		Help: "Number of currently connected clients on this worker.",
	})

	messagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_stored_total",
		Help: "Messages durably appended to the log.",
	})

	duplicatePublishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_duplicate_publishes_total",
		Help: "Publish requests resolved as duplicates by dedup key.",
	})

	storageFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_storage_failures_total",
		Help: "Append attempts that failed at the storage layer.",
	})

	messagesReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_replayed_total",
		Help: "Messages replayed to reconnecting clients.",
	})

	replayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_replay_failures_total",
		Help: "Replays aborted by a store read failure.",
	})

	fanoutPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_fanout_published_total",
		Help: "Events fanned out by this worker.",
	})

	fanoutReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_fanout_received_total",
		Help: "Events received from other workers over the bus.",
	})

	fanoutErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_fanout_errors_total",
		Help: "Bus publish failures (event degraded to local-only delivery).",
	})
)
