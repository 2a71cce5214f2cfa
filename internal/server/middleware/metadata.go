package middleware

import (
	"context"
	"net"
	"net/http"
)

// Middleware wraps the upgrade handler; the type matches chi's middleware signature.
type Middleware = func(http.Handler) http.Handler

type contextKey string

const reqMetaKey = contextKey("upgrade-metadata")

// RequestMetadata is filled in by the upgrade middlewares and read by the upgrade handler.
type RequestMetadata struct {
	IP     string
	Origin string
	// Credential is a token presented during the handshake, if any.
	Credential string
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// RequestMetadataMiddleware must run first: every other upgrade middleware reads from it.
// RemoteAddr has already been rewritten by chi's RealIP when behind a proxy.
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			reqMeta := &RequestMetadata{
				IP:     ip,
				Origin: r.Header.Get("Origin"),
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), reqMetaKey, reqMeta)))
		})
	}
}
