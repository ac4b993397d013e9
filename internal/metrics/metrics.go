// Package metrics exposes the proxy's runtime counters over Prometheus:
// one private registry, served over net/http by cmd/wlproxyd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mahkoh/wl-proxy-sub007/internal/protoerr"
)

// Metrics bundles every counter/gauge the dispatch loop and I/O driver touch
// per message or per endpoint lifecycle event.
type Metrics struct {
	reg *prometheus.Registry

	MessagesForwarded *prometheus.CounterVec
	FatalTeardowns    *prometheus.CounterVec
	BytesFlushed      *prometheus.CounterVec
	LiveEndpoints     prometheus.Gauge
	LiveObjects       prometheus.Gauge
}

// New builds a fresh registry and registers every metric on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		MessagesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wlproxyd",
			Name:      "messages_forwarded_total",
			Help:      "Messages forwarded across the proxy, by direction.",
		}, []string{"direction"}),
		FatalTeardowns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wlproxyd",
			Name:      "fatal_teardowns_total",
			Help:      "Endpoint teardowns caused by a fatal protocol error, by error kind.",
		}, []string{"kind"}),
		BytesFlushed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wlproxyd",
			Name:      "bytes_flushed_total",
			Help:      "Bytes written to peer sockets, by endpoint role.",
		}, []string{"role"}),
		LiveEndpoints: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "wlproxyd",
			Name:      "live_endpoints",
			Help:      "Endpoints currently connected (server plus clients).",
		}),
		LiveObjects: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "wlproxyd",
			Name:      "live_objects",
			Help:      "Objects currently bound across every endpoint's table.",
		}),
	}
	return m
}

// Handler returns the net/http handler cmd/wlproxyd serves on -metrics-addr.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveForward records one message successfully forwarded in direction
// ("request" or "event").
func (m *Metrics) ObserveForward(direction string) {
	m.MessagesForwarded.WithLabelValues(direction).Inc()
}

// ObserveTeardown records one endpoint teardown caused by err, bucketed by
// protoerr.Kind when err carries one, or "io" otherwise (the I/O driver's own
// read/write/accept failures, which never produce a *protoerr.Error).
func (m *Metrics) ObserveTeardown(err error) {
	kind := "io"
	if e, ok := asProtoErr(err); ok {
		kind = e.Kind.String()
	}
	m.FatalTeardowns.WithLabelValues(kind).Inc()
}

// ObserveFlush records n bytes written toward an endpoint in the given role
// ("server" or "client").
func (m *Metrics) ObserveFlush(role string, n int) {
	m.BytesFlushed.WithLabelValues(role).Add(float64(n))
}

func asProtoErr(err error) (*protoerr.Error, bool) {
	type causer interface{ Cause() error }
	for err != nil {
		if e, ok := err.(*protoerr.Error); ok {
			return e, true
		}
		c, ok := err.(causer)
		if !ok {
			return nil, false
		}
		err = c.Cause()
	}
	return nil, false
}
