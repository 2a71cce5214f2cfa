package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/vadosdog/multipleWebSocketServer/pkg/config"
	"github.com/vadosdog/multipleWebSocketServer/pkg/state"
)

var errConnectionCycled = errors.New("connection cycled by new connection")

// ClientFinder is the part of the registry the limiter reads.
type ClientFinder interface {
	FilterClients(predicate func(*state.Client) bool) []*state.Client
}

// NewConnectionLimiter caps open connections per remote IP across every channel.
// Over the cap, LimitReject answers 429 and LimitCycle closes the IP's oldest client.
func NewConnectionLimiter(logger *slog.Logger, clients ClientFinder, limits config.ConnectionLimitConfig) Middleware {
	return func(next http.Handler) http.Handler {
		if limits.MaxPerIP <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			open := clients.FilterClients(func(c *state.Client) bool { return c.RemoteAddr() == reqMeta.IP })
			if len(open) < limits.MaxPerIP {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("IP connection limit reached", slog.String("ip", reqMeta.IP), slog.Int("open", len(open)))
			switch limits.Mode {
			case config.LimitReject:
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			case config.LimitCycle:
				oldest := open[0]
				for _, c := range open[1:] {
					if c.CreatedAt().Before(oldest.CreatedAt()) {
						oldest = c
					}
				}
				logger.Info("Cycling connection: closing oldest", slog.String("ip", reqMeta.IP), slog.String("clientID", oldest.ID().String()))
				oldest.Close(errConnectionCycled)
				next.ServeHTTP(w, r)
			default:
				logger.Error("Invalid connection limit mode configured", slog.String("mode", limits.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}
