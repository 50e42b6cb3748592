package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/signalsfoundry/satops/internal/logging"
)

const requestIDHeader = "X-Request-ID"

type subjectKey struct{}

// ContextWithSubject stores the authenticated caller on ctx.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the caller stored by ContextWithSubject.
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// ContextIdentity resolves the caller placed on the request context by the
// identity middleware. It satisfies flightplan.Identity.
type ContextIdentity struct{}

func (ContextIdentity) Subject(ctx context.Context) (string, error) {
	return SubjectFromContext(ctx), nil
}

// identity copies the upstream-authenticated caller from header onto the
// request context. Authentication itself happens in front of this service.
func identity(header string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sub := strings.TrimSpace(r.Header.Get(header)); sub != "" {
				r = r.WithContext(ContextWithSubject(r.Context(), sub))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestContext attaches a request ID (taken from X-Request-ID when
// present) and a request-scoped logger.
func requestContext(base logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := strings.TrimSpace(r.Header.Get(requestIDHeader)); id != "" {
				ctx = logging.ContextWithRequestID(ctx, id)
			}
			ctx, id := logging.EnsureRequestID(ctx)
			w.Header().Set(requestIDHeader, id)
			ctx = logging.ContextWithLogger(ctx, base.With(
				logging.String("request_id", id),
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
			))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HTTPMetrics receives per-request measurements.
type HTTPMetrics interface {
	ObserveHTTP(route, method string, code int, d time.Duration)
}

// instrument records request counts and latency by route template.
func instrument(m HTTPMetrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.ObserveHTTP(route, r.Method, rec.code, time.Since(started))
		})
	}
}

// statusRecorder captures the response code. It forwards Hijack so the
// websocket endpoint can upgrade through it.
type statusRecorder struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.code, s.wroteHeader = code, true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code, s.wroteHeader = http.StatusSwitchingProtocols, true
	return h.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
