package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// probePaths are polled every few seconds by the load balancer and the
// Prometheus scraper. Their completion logs go to debug so call traffic
// stays readable.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// responseRecorder captures the downstream status code and supports the
// WebSocket upgrade on the media-stream path: once the handler hijacks the
// connection, the response belongs to the stream, not to this middleware.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	hijacked   bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket.Accept take over the TCP connection.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	r.hijacked = true
	r.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware wraps the voicebridge mux with request telemetry: W3C trace
// context extraction, a server span per request, the X-Correlation-ID
// response header, the request-duration histogram, and a completion log.
//
// A hijacked request is a media stream whose lifetime is the call itself.
// It is excluded from the request-duration histogram (call.duration covers
// that) and logged as a stream disconnect instead.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			if rec.hijacked {
				slog.LogAttrs(ctx, slog.LevelInfo, "media stream disconnected",
					slog.String("trace_id", cid),
					slog.String("path", r.URL.Path),
					slog.Duration("connected", duration),
				)
				return
			}

			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
				),
			)

			level := slog.LevelInfo
			if probePaths[r.URL.Path] {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
