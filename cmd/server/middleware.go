package main

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/liamcoop/tariffrules/internal/logger"
)

const traceIDHeader = "X-Trace-Id"

// corsMiddleware allows the configured origins. A "*" entry allows any origin.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	allowAll := slices.Contains(allowed, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || slices.Contains(allowed, origin)) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Request-Id, X-Trace-Id")
				w.Header().Set("Access-Control-Expose-Headers", traceIDHeader)
				w.Header().Add("Vary", "Origin")
			}

			// Handle pre-flight requests
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// traceMiddleware puts the caller's X-Trace-Id (or a fresh UUID) and chi's
// request ID into the context, so every log record carries them
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceIDHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(traceIDHeader, traceID)

		ctx := logger.WithTraceID(r.Context(), traceID)
		if reqID := middleware.GetReqID(ctx); reqID != "" {
			ctx = logger.WithRequestID(ctx, reqID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// originLogger logs the origin, method and path of every request
func originLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Logger.InfoContext(r.Context(), "request received",
			"origin", r.Header.Get("Origin"),
			"method", r.Method,
			"path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
