package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger logs each upgrade attempt before it reaches the limiter.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attrs := []any{slog.String("path", r.URL.Path)}
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				attrs = append(attrs, slog.String("ip", reqMeta.IP))
				if reqMeta.Origin != "" {
					attrs = append(attrs, slog.String("origin", reqMeta.Origin))
				}
			}
			logger.Info("Incoming upgrade request", attrs...)
			next.ServeHTTP(w, r)
		})
	}
}
