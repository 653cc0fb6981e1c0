// Package metrics exposes the relay engine's prometheus collectors:
// registry size, eviction counts, bridge byte counters and the request
// listener's parking activity. The shape of safe-to-re-register
// collectors mirrors the karoo reference repo's
// internal/metrics/prometheus.go.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors holds every prometheus metric the engine updates.
type Collectors struct {
	TunnelsActive     prometheus.Gauge
	TunnelsRegistered prometheus.Counter
	TunnelsEvicted    prometheus.Counter
	ParkedRequests    prometheus.Gauge
	RequestsProxied   prometheus.Counter
	ProxyErrors       *prometheus.CounterVec
	BridgeBytes       *prometheus.CounterVec
}

// register registers c, returning the already-registered collector of
// the same name if Register reports a duplicate instead of panicking —
// this lets tests construct multiple Engines in one process.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(T)
		}
	}
	return c
}

// New constructs and registers all collectors under the "subway" namespace.
func New() *Collectors {
	return &Collectors{
		TunnelsActive: register(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "subway",
			Name:      "tunnels_active",
			Help:      "Number of subdomains currently registered.",
		})),
		TunnelsRegistered: register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subway",
			Name:      "tunnels_registered_total",
			Help:      "Total number of tunnels registered since start.",
		})),
		TunnelsEvicted: register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subway",
			Name:      "tunnels_evicted_total",
			Help:      "Total number of tunnels evicted by the cleanup sweep.",
		})),
		ParkedRequests: register(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "subway",
			Name:      "parked_requests",
			Help:      "Number of accepted public connections awaiting an accept{id}.",
		})),
		RequestsProxied: register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subway",
			Name:      "requests_proxied_total",
			Help:      "Total number of HTTP requests handed to an upstream, counted before forwarding (failed forwards included).",
		})),
		ProxyErrors: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subway",
			Name:      "proxy_errors_total",
			Help:      "Total number of proxy errors by class (not_found, upstream, parked_limit).",
		}, []string{"class"})),
		BridgeBytes: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subway",
			Name:      "bridge_bytes_total",
			Help:      "Total bytes spliced by the byte bridge, by direction.",
		}, []string{"direction"})),
	}
}

// AddBytes implements bridge.Counter.
func (c *Collectors) AddBytes(direction string, n int64) {
	if c == nil {
		return
	}
	c.BridgeBytes.WithLabelValues(direction).Add(float64(n))
}
