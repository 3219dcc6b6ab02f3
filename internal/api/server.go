// Package api exposes the relay over HTTP: the socket handshake, ingress
// endpoints for the system of record, health and metrics.
package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"busrelay/internal/auth"
	"busrelay/internal/metrics"
	"busrelay/internal/relay"
)

// Options configures a Server.
type Options struct {
	// IngressSecret, when set, requires a valid SignatureHeader on ingress requests.
	IngressSecret string
	// IngressRPS and IngressBurst rate limit all ingress requests; 0 disables.
	IngressRPS   float64
	IngressBurst int
	// AllowedOrigins restricts socket handshakes by Origin header; empty allows any.
	AllowedOrigins []string
	WriteWait      time.Duration
	// DebugInfo is reported by /debug/info. It must not hold secrets.
	DebugInfo map[string]any
	// ReadyChecks are run by /readyz; any error makes the relay not ready.
	ReadyChecks map[string]func(context.Context) error
}

type Server struct {
	Broker   *relay.Broker
	Auth     *auth.Verifier
	opts     Options
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	validate *validator.Validate
	// baseCtx outlives individual requests; cancelling it ends all sessions.
	baseCtx context.Context
	logTags log.Fields
}

// NewServer creates a Server. Sessions it serves end when ctx is cancelled.
func NewServer(ctx context.Context, broker *relay.Broker, verifier *auth.Verifier, opts Options) *Server {
	s := &Server{
		Broker:   broker,
		Auth:     verifier,
		opts:     opts,
		validate: newValidator(),
		baseCtx:  ctx,
		logTags:  log.Fields{"module": "api", "component": "server"},
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	if opts.IngressRPS > 0 {
		burst := opts.IngressBurst
		if burst <= 0 {
			burst = int(opts.IngressRPS) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.IngressRPS), burst)
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) || strings.EqualFold(o, u.Host) {
			return true
		}
	}
	return false
}

// Handler returns the routed handler for all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Socket handshake
	mux.HandleFunc("/ws", s.SocketHandler)

	// Ingress from the system of record
	mux.HandleFunc("/notify/location-update", s.ingress("location-update", s.notifyLocation))
	mux.HandleFunc("/notify/trip-start", s.ingress("trip-start", s.notifyTripStart))
	mux.HandleFunc("/notify/trip-end", s.ingress("trip-end", s.notifyTripEnd))
	mux.HandleFunc("/notify/child-status", s.ingress("child-status", s.notifyChildStatus))

	// Health & ops
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.HandleFunc("/debug/info", s.DebugJSON)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}
