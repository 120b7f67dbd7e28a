package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	rpcTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moenhome_grpc_requests_total",
			Help: "Unary RPCs handled, by method and status code",
		},
		[]string{"method", "code"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moenhome_grpc_request_duration_seconds",
			Help:    "Unary RPC latency, including the upstream cloud call",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)
	httpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moenhome_http_requests_total",
			Help: "HTTP requests handled, by route pattern and status",
		},
		[]string{"route", "status"},
	)
)

// MetricsCollectors exposes the request collectors owned by the servers.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{rpcTotal, rpcDuration, httpTotal}
}

// MetricsHandler exposes the Prometheus registry. A failing collector drops
// its own series rather than the whole scrape.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		Registry:      registry,
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// UnaryMetrics counts every unary RPC and records its latency.
func UnaryMetrics() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		rpcTotal.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		rpcDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// countRequests labels by chi route pattern so device ids stay out of the
// label set.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		httpTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	})
}
