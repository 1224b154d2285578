package httpapi

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	requestDuration otelmetric.Float64Histogram
	requestTotal    otelmetric.Int64Counter
)

func init() {
	m := otel.Meter("internal/httpapi")
	requestDuration, _ = m.Float64Histogram("httpapi.request_duration_ms", otelmetric.WithDescription("Request latency in milliseconds"))
	requestTotal, _ = m.Int64Counter("httpapi.requests_total", otelmetric.WithDescription("Total HTTP requests by route and status"))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Flush() {
	if fl, ok := w.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

// withAccessLog logs each request at info level and records latency/status
// OTel instruments, matching the structured-access-log pattern used
// throughout the rest of this codebase's HTTP handlers.
func withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("http_request")

		attrs := otelmetric.WithAttributes(
			attribute.String("http.route", r.URL.Path),
			attribute.Int("http.status_code", rec.status),
		)
		requestDuration.Record(r.Context(), float64(elapsed.Milliseconds()), attrs)
		requestTotal.Add(r.Context(), 1, attrs)
	})
}
