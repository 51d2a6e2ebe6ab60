package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/relay"
	"github.com/DoyleJ11/arena-backend/internal/store"
	"github.com/DoyleJ11/arena-backend/internal/ws"
)

// Options tunes the HTTP surface.
type Options struct {
	// RateLimitRequests caps requests per client IP per window.
	RateLimitRequests int
	// RateLimitWindow is the rate-limiting window.
	RateLimitWindow time.Duration
}

func (o *Options) applyDefaults() {
	if o.RateLimitRequests <= 0 {
		o.RateLimitRequests = 100
	}
	if o.RateLimitWindow <= 0 {
		o.RateLimitWindow = 15 * time.Minute
	}
}

// SetupRoutes builds the router with the relay and store injected.
func SetupRoutes(r *relay.Relay, s store.Store, log *zap.Logger, opts Options) http.Handler {
	opts.applyDefaults()

	mux := chi.NewRouter()
	mux.Use(httprate.LimitByIP(opts.RateLimitRequests, opts.RateLimitWindow))

	mux.Get("/healthz", Healthz)
	mux.Get("/rooms", ListRooms(s, log))
	mux.Get("/ws", ws.Handler(r, log))
	return mux
}
