package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "MDCache"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	CachedObjects = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "objects",
		Help:      "resident objects in the metadata cache",
	}, []string{"type"})

	CacheFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "faults",
		Help:      "invariant violations detected by the metadata cache",
	}, []string{"kind"})

	OpenInodeFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "fetches",
		Help:      "backtrace fetches issued by the inode resolver",
	}, []string{"result"})

	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "requests",
		Help:      "requests by terminal state",
	}, []string{"op", "state"})

	JournalEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "events",
		Help:      "journal events submitted",
	}, []string{"type", "result"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		CachedObjects,
		CacheFaults,
		OpenInodeFetches,
		Requests,
		JournalEvents,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
