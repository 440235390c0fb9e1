// Package metrics holds the prometheus collectors for the browser transport.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cdpmux"

var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Protocol commands written to tab connections.",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Protocol frames read from tab connections.",
	})
	MessagesBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "messages_buffered",
		Help:      "Inbound messages held in pending buffers awaiting a matching receive.",
	})
	ReceiveTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receive_timeouts_total",
		Help:      "Filtered receives that reached their deadline without a match.",
	})
	ConnectRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_retries_total",
		Help:      "Tab connection attempts retried after recreating the tab.",
	})
	ActiveTabs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tabs_active",
		Help:      "Tab keys currently bound to a remote tab.",
	})
	ProcessesLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "processes_launched_total",
		Help:      "Browser processes started.",
	})
	ProcessesDied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "processes_died_total",
		Help:      "Browser processes found exited during a liveness check.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors surfaced to callers, by error code.",
	}, []string{"code"})
)

// Handler serves the default registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
