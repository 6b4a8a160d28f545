package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crewboard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	chatMessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewboard_chat_messages_posted_total",
			Help: "Chat messages stored, by chat type and whether the body was encrypted",
		},
		[]string{"chat_type", "encrypted"},
	)
	chatDecryptionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crewboard_chat_decryption_failures_total",
			Help: "Envelopes that failed to decrypt and were replaced by a placeholder",
		},
	)
	chatStatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewboard_chat_status_transitions_total",
			Help: "Message status changes that were applied",
		},
		[]string{"status"},
	)
)

// metricsMiddleware records request duration labelled by route pattern so
// path parameters do not explode label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
