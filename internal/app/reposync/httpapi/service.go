package httpapi

import (
	"context"
	"net/http"
	"time"

	core "github.com/R3E-Network/service_layer/internal/app/core/service"
	"github.com/R3E-Network/service_layer/internal/app/system"
	"github.com/R3E-Network/service_layer/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "reposync",
	Subsystem: "httpapi",
	Name:      "request_duration_seconds",
	Help:      "Connection API request latency by path and HTTP status text.",
	Buckets:   prometheus.DefBuckets,
}, []string{"path", "status"})

func init() {
	prometheus.MustRegister(requestDuration)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		requestDuration.WithLabelValues(r.URL.Path, http.StatusText(rec.status)).Observe(time.Since(start).Seconds())
	})
}

// ReposyncService wraps the Connection API handler in an http.Server and
// adapts it to system.Service so it can be registered alongside the sync
// engine in the same manager.
type ReposyncService struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// NewReposyncService builds the Connection API's HTTP service, exposing
// both the sync endpoints and a Prometheus /metrics endpoint.
func NewReposyncService(deps ReposyncDeps, addr string) *ReposyncService {
	log := deps.Log
	if log == nil {
		log = logger.NewDefault("reposync-httpapi")
	}
	mux := http.NewServeMux()
	mux.Handle("/", NewReposyncHandler(deps))
	mux.Handle("/metrics", promhttp.Handler())

	return &ReposyncService{
		addr:    addr,
		handler: wrapWithCORS(instrumentHandler(mux)),
		log:     log,
	}
}

var _ system.Service = (*ReposyncService)(nil)

func (s *ReposyncService) Name() string { return "reposync-httpapi" }

func (s *ReposyncService) Descriptor() core.Descriptor {
	return core.Descriptor{Name: s.Name(), Domain: "reposync", Layer: core.LayerIngress}
}

func (s *ReposyncService) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithField("error", err).Error("reposync httpapi: server stopped unexpectedly")
		}
	}()
	return nil
}

func (s *ReposyncService) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
