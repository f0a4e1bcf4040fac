package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/lorekeep/lorekeep/internal/observability"
)

// openPaths skip API-key auth: deployment probes and the scrape target.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// withCorrelation moves the correlation headers into the request context
// and echoes the trace id back on the response.
func (s *Server) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if tenantID, siteID, ok := scope(r); ok {
			ctx = observability.WithScope(ctx, tenantID, siteID)
		}
		if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
			ctx = observability.WithTraceID(ctx, traceID)
			w.Header().Set("X-Trace-ID", traceID)
		}
		if sessionID := r.Header.Get("X-Session-ID"); sessionID != "" {
			ctx = observability.WithSessionID(ctx, sessionID)
		}
		if npcID := r.Header.Get("X-NPC-ID"); npcID != "" {
			ctx = observability.WithNPCID(ctx, npcID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withAuth enforces the shared service secret. An empty configured key
// disables the check, for sandbox runs.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.APIKey != "" && !openPaths[r.URL.Path] {
			if r.Header.Get("X-Internal-API-Key") != s.deps.APIKey {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withMetrics records request latency per route pattern.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		// Route patterns, not raw paths, keep the label cardinality bounded.
		_, route := s.mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		s.deps.Metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
