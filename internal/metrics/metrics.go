package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the relay
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // Connections tracks live socket connections per declared role
    Connections = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{Name: "relay_connections", Help: "Live socket connections by role."},
        []string{"role"},
    )
    // Handshakes counts connection attempts by outcome
    Handshakes = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "relay_handshakes_total", Help: "Socket handshakes by result."},
        []string{"result"},
    )
    // InboundEvents counts frames received from connections
    InboundEvents = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "relay_inbound_events_total", Help: "Inbound socket events by role, event and outcome."},
        []string{"role", "event", "outcome"},
    )
    // Deliveries counts per-connection fan-out attempts
    Deliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "relay_deliveries_total", Help: "Fan-out deliveries by event and result."},
        []string{"event", "result"},
    )
    // AuthzDecisions counts subscribe authorization outcomes
    AuthzDecisions = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "relay_authz_decisions_total", Help: "Subscribe authorization decisions."},
        []string{"result"},
    )
    // AuthzLatency tracks authorization call latency in milliseconds
    AuthzLatency = prometheus.NewHistogram(
        prometheus.HistogramOpts{Name: "relay_authz_latency_ms", Help: "Authorization decision latency in ms.", Buckets: []float64{5, 10, 50, 100, 200, 500, 1000, 2000, 5000}},
    )
    // IngressEvents counts events injected over HTTP
    IngressEvents = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "relay_ingress_events_total", Help: "HTTP ingress pushes by event and status."},
        []string{"event", "status"},
    )
)

// RegisterDefault registers collectors to the relay registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(Connections)
        Registry.MustRegister(Handshakes)
        Registry.MustRegister(InboundEvents)
        Registry.MustRegister(Deliveries)
        Registry.MustRegister(AuthzDecisions)
        Registry.MustRegister(AuthzLatency)
        Registry.MustRegister(IngressEvents)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
