// Package metrics exposes the driver's Prometheus counters/gauges over
// HTTP, alongside a /healthz endpoint, on a port separate from the hot
// path. Grounded on nonchalant's internal/svc/health.Service
// (RegisterRoutes on a shared mux, a plain 200-OK liveness probe),
// generalized to also serve client_golang's /metrics handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the driver-wide Prometheus collectors.
type Registry struct {
	registry *prometheus.Registry

	FramesIn           prometheus.Counter
	FramesOut          prometheus.Counter
	NAKsSent           prometheus.Counter
	NAKsReceived       prometheus.Counter
	PublicationsTotal  prometheus.Counter
	ImagesTotal        prometheus.Counter
	ActivePublications prometheus.Gauge
	ActiveImages       prometheus.Gauge
}

// NewRegistry constructs and registers every collector.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registry: reg,
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_frames_in_total", Help: "Frames received by the Receiver.",
		}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_frames_out_total", Help: "Frames transmitted by the Sender.",
		}),
		NAKsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_naks_sent_total", Help: "NAK frames emitted by the loss detector.",
		}),
		NAKsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_naks_received_total", Help: "NAK frames serviced by the Sender's retransmit queue.",
		}),
		PublicationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_publications_total", Help: "Publications registered since driver start.",
		}),
		ImagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_images_total", Help: "Images registered since driver start.",
		}),
		ActivePublications: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_active_publications", Help: "Publications currently registered.",
		}),
		ActiveImages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_active_images", Help: "Images currently connected.",
		}),
	}
	reg.MustRegister(
		r.FramesIn, r.FramesOut, r.NAKsSent, r.NAKsReceived,
		r.PublicationsTotal, r.ImagesTotal, r.ActivePublications, r.ActiveImages,
	)
	return r
}

// Server serves /metrics and /healthz on its own listener, entirely off
// any agent's hot path.
type Server struct {
	httpServer *http.Server
}

// NewServer builds (but does not start) the metrics HTTP server.
func NewServer(addr string, reg *Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return &Server{httpServer: &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}}
}

// ListenAndServe blocks serving metrics/health traffic until the server is
// shut down; it returns http.ErrServerClosed on a clean Shutdown.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown() error {
	return s.httpServer.Close()
}
