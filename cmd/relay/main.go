package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"

	"busrelay/internal/api"
	"busrelay/internal/auth"
	"busrelay/internal/authz"
	"busrelay/internal/buildinfo"
	"busrelay/internal/config"
	"busrelay/internal/metrics"
	"busrelay/internal/model"
	"busrelay/internal/relay"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string
	ConfigFile string
	Listen     string
}

var cmdArgs cliArgs

var logTags log.Fields

func main() {
	hostname, _ := os.Hostname()
	logTags = log.Fields{"module": "main", "component": "main", "instance": hostname}

	app := &cli.App{
		Name:    "relay",
		Version: buildinfo.Version,
		Usage:   "real-time bus location and notification relay",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Destination: &cmdArgs.JSONLog,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Destination: &cmdArgs.LogLevel,
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "YAML config file; environment variables override it",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Destination: &cmdArgs.ConfigFile,
			},
			&cli.StringFlag{
				Name:        "listen",
				Usage:       "Listen address, e.g. :8080",
				Destination: &cmdArgs.Listen,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

func setupLogging(cfg config.LogConfig) {
	if cmdArgs.JSONLog || cfg.JSON {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	level := cfg.Level
	if cmdArgs.LogLevel != "" {
		level = cmdArgs.LogLevel
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

func run(_ *cli.Context) error {
	cfg, err := config.Load(cmdArgs.ConfigFile)
	if err != nil {
		return err
	}
	if cmdArgs.Listen != "" {
		cfg.Listen = cmdArgs.Listen
	}
	setupLogging(cfg.Log)
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gate, closeGate, err := buildGate(ctx, cfg.Authz)
	if err != nil {
		return err
	}
	defer closeGate()

	cache, err := buildCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Warn("Closing location cache")
		}
	}()

	broker := relay.NewBroker(relay.NewRegistry(), gate, cache, relay.Options{
		SendBuffer:         cfg.Relay.SendBuffer,
		AuthzTimeout:       cfg.Authz.Timeout,
		InboundRPS:         cfg.Relay.InboundRPS,
		InboundBurst:       cfg.Relay.InboundBurst,
		PingInterval:       cfg.Relay.PingInterval,
		PongWait:           cfg.Relay.PongWait,
		WriteWait:          cfg.Relay.WriteWait,
		ReplayLastLocation: cfg.Relay.ReplayLastLocation,
		CacheTimeout:       cfg.Cache.Timeout,
		CacheQueue:         cfg.Cache.Queue,
	})
	verifier := auth.NewVerifier([]byte(cfg.Auth.HMACSecret), cfg.Auth.SubjectClaim, cfg.Auth.RoleClaim)

	sessions, endSessions := context.WithCancel(context.Background())
	defer endSessions()
	srvDeps := api.NewServer(sessions, broker, verifier, api.Options{
		IngressSecret:  cfg.Ingress.Secret,
		IngressRPS:     cfg.Ingress.RPS,
		IngressBurst:   cfg.Ingress.Burst,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		WriteWait:      cfg.Relay.WriteWait,
		DebugInfo:      cfg.DebugInfo(),
		ReadyChecks:    readyChecks(gate, cache),
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           logMiddleware(srvDeps.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logTags).WithFields(log.Fields{
			"addr": cfg.Listen, "authz": cfg.Authz.Mode, "version": buildinfo.Version,
		}).Info("Relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.WithFields(logTags).Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).WithFields(logTags).Warn("HTTP shutdown incomplete")
	}
	broker.CloseAll(websocket.CloseGoingAway, "server shutting down")
	endSessions()
	broker.Close()
	return nil
}

func buildGate(ctx context.Context, cfg config.AuthzConfig) (authz.Gate, func(), error) {
	noop := func() {}
	switch cfg.Mode {
	case config.AuthzHTTP:
		return authz.NewHTTPGate(cfg.URL, cfg.Timeout, cfg.MaxRetries), noop, nil
	case config.AuthzPostgres:
		g, err := authz.NewPostgresGate(ctx, cfg.DatabaseURL, cfg.Query)
		if err != nil {
			return nil, noop, fmt.Errorf("postgres authz: %w", err)
		}
		return g, func() { _ = g.Close() }, nil
	case config.AuthzStatic:
		g := authz.StaticGate{}
		for subject, entities := range cfg.Static {
			for _, e := range entities {
				g[model.ID(subject)] = append(g[model.ID(subject)], model.ID(e))
			}
		}
		log.WithFields(logTags).Warn("Using static authorization allowlist")
		return g, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown authz mode %q", cfg.Mode)
}

func buildCache(ctx context.Context, cfg config.CacheConfig) (relay.LocationCache, error) {
	if cfg.RedisURL == "" {
		return relay.NewMemoryLocationCache(cfg.TTL), nil
	}
	c, err := relay.NewRedisLocationCache(ctx, cfg.RedisURL, cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("redis location cache: %w", err)
	}
	return c, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// readyChecks collects the dependencies that can report reachability.
func readyChecks(gate authz.Gate, cache relay.LocationCache) map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if p, ok := gate.(pinger); ok {
		checks["authz"] = p.Ping
	}
	if p, ok := cache.(pinger); ok {
		checks["location_cache"] = p.Ping
	}
	return checks
}

// routeLabel is the mux pattern that served r, keeping metric labels bounded.
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.Pattern
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		status := strconv.Itoa(rec.status)
		route := routeLabel(r)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route, status).Observe(dur.Seconds())
		log.WithFields(logTags).WithFields(log.Fields{
			"remote": r.RemoteAddr, "method": r.Method, "path": r.URL.Path, "status": rec.status, "duration": dur,
		}).Debug("Request")
	})
}
