package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/geoip"
)

// requestLogger logs each request as structured JSON and records it in the
// _logs table for the admin surface. The row insert is fire-and-forget so
// logging never adds latency to the response path.
func requestLogger(logger *slog.Logger, d *db.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				latency := time.Since(start)
				logger.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", latency.Milliseconds(),
					"bytes", ww.BytesWritten(),
					"request_id", middleware.GetReqID(r.Context()),
					"remote", r.RemoteAddr,
				)
				if d != nil && r.URL.Path != "/healthz" {
					go recordRequestLog(d, r, ww.Status(), latency)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func recordRequestLog(d *db.DB, r *http.Request, status int, latency time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	_, _ = d.Exec(ctx,
		`INSERT INTO _logs (created, status, method, url, latency_ms, client_ip, client_cc, referer, user_agent)
		 VALUES (:now, :status, :method, :url, :latency, :ip, :cc, :referer, :ua)`,
		sql.Named("now", time.Now().Unix()),
		sql.Named("status", int64(status)),
		sql.Named("method", r.Method),
		sql.Named("url", r.URL.Path),
		sql.Named("latency", float64(latency.Microseconds())/1000.0),
		sql.Named("ip", ip),
		sql.Named("cc", geoip.CountryCode(ip)),
		sql.Named("referer", r.Referer()),
		sql.Named("ua", r.UserAgent()),
	)
}

// corsMiddleware sets CORS headers. Access-Control-Allow-Origin is either
// "*" or the echoed matching origin with Vary: Origin for caches.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if wildcard {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" {
				if _, ok := originSet[origin]; ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, CSRF-Token, Refresh-Token")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
