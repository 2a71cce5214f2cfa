package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// NewHandshakeCredential picks up a token presented during the upgrade request, from an
// "Authorization: Bearer" header or a "token" query parameter. It never rejects: the
// token is submitted to the channel's gate once the connection is admitted, exactly as
// if the client had sent an auth message.
func NewHandshakeCredential(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			token := ""
			if header := r.Header.Get("Authorization"); header != "" {
				if after, found := strings.CutPrefix(header, "Bearer "); found {
					token = strings.TrimSpace(after)
				}
			}
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token != "" {
				logger.Debug("Handshake credential present", slog.String("ip", reqMeta.IP))
				reqMeta.Credential = token
			}
			next.ServeHTTP(w, r)
		})
	}
}
