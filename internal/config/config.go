// Package config loads relay settings from an optional YAML file and the
// environment. Environment values win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Authorization modes.
const (
	AuthzHTTP     = "http"
	AuthzPostgres = "postgres"
	AuthzStatic   = "static"
)

type AuthConfig struct {
	// HMACSecret verifies HS256 handshake tokens.
	HMACSecret   string `yaml:"hmac_secret" validate:"required"`
	SubjectClaim string `yaml:"subject_claim" validate:"required"`
	// RoleClaim, when set, must agree with the declared role if the token carries it.
	RoleClaim string `yaml:"role_claim"`
}

type AuthzConfig struct {
	Mode string `yaml:"mode" validate:"required,oneof=http postgres static"`
	// URL is the system of record endpoint; {subjectId} is substituted.
	URL        string        `yaml:"url" validate:"required_if=Mode http"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
	// DatabaseURL and Query drive the postgres mode.
	DatabaseURL string `yaml:"database_url" validate:"required_if=Mode postgres"`
	Query       string `yaml:"query"`
	// Static maps subject ids to the entity ids they may follow.
	Static map[string][]string `yaml:"static"`
}

type RelayConfig struct {
	SendBuffer         int           `yaml:"send_buffer" validate:"gte=1"`
	InboundRPS         float64       `yaml:"inbound_rps" validate:"gte=0"`
	InboundBurst       int           `yaml:"inbound_burst" validate:"gte=0"`
	PingInterval       time.Duration `yaml:"ping_interval" validate:"gte=0"`
	PongWait           time.Duration `yaml:"pong_wait" validate:"gte=0"`
	WriteWait          time.Duration `yaml:"write_wait" validate:"gte=0"`
	ReplayLastLocation bool          `yaml:"replay_last_location"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`
}

type CacheConfig struct {
	// RedisURL selects the Redis cache; empty keeps positions in memory.
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl" validate:"gte=0"`
	// Timeout bounds one cache read or write; Queue caps pending writes.
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
	Queue    int           `yaml:"queue" validate:"gte=0"`
}

type IngressConfig struct {
	Secret string  `yaml:"secret"`
	RPS    float64 `yaml:"rate_rps" validate:"gte=0"`
	Burst  int     `yaml:"rate_burst" validate:"gte=0"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error fatal"`
	JSON  bool   `yaml:"json"`
}

// Config is the full relay configuration.
type Config struct {
	Listen  string        `yaml:"listen" validate:"required"`
	Auth    AuthConfig    `yaml:"auth"`
	Authz   AuthzConfig   `yaml:"authz"`
	Relay   RelayConfig   `yaml:"relay"`
	Cache   CacheConfig   `yaml:"cache"`
	Ingress IngressConfig `yaml:"ingress"`
	Log     LogConfig     `yaml:"log"`
}

// Default returns a Config with every optional setting filled in.
func Default() Config {
	return Config{
		Listen: ":8080",
		Auth:   AuthConfig{SubjectClaim: "sub"},
		Authz:  AuthzConfig{Mode: AuthzHTTP, Timeout: 5 * time.Second, MaxRetries: 2},
		Relay: RelayConfig{
			SendBuffer:         64,
			InboundRPS:         20,
			InboundBurst:       40,
			PingInterval:       25 * time.Second,
			PongWait:           60 * time.Second,
			WriteWait:          10 * time.Second,
			ReplayLastLocation: true,
		},
		Cache: CacheConfig{TTL: 10 * time.Minute, Timeout: 500 * time.Millisecond, Queue: 256},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads path (if non-empty), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []string
	num := func(key string, parse func(string) error) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			if err := parse(strings.TrimSpace(v)); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		num(key, func(v string) (err error) { *dst, err = time.ParseDuration(v); return })
	}
	flt := func(key string, dst *float64) {
		num(key, func(v string) (err error) { *dst, err = strconv.ParseFloat(v, 64); return })
	}
	integer := func(key string, dst *int) {
		num(key, func(v string) (err error) { *dst, err = strconv.Atoi(v); return })
	}

	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		c.Listen = ":" + strings.TrimSpace(v)
	}
	str("RELAY_LISTEN", &c.Listen)
	str("AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	str("AUTH_SUBJECT_CLAIM", &c.Auth.SubjectClaim)
	str("AUTH_ROLE_CLAIM", &c.Auth.RoleClaim)
	str("AUTHZ_MODE", &c.Authz.Mode)
	str("AUTHZ_URL", &c.Authz.URL)
	dur("AUTHZ_TIMEOUT", &c.Authz.Timeout)
	integer("AUTHZ_MAX_RETRIES", &c.Authz.MaxRetries)
	str("DATABASE_URL", &c.Authz.DatabaseURL)
	str("AUTHZ_QUERY", &c.Authz.Query)
	str("REDIS_URL", &c.Cache.RedisURL)
	dur("LOCATION_TTL", &c.Cache.TTL)
	dur("LOCATION_CACHE_TIMEOUT", &c.Cache.Timeout)
	integer("LOCATION_CACHE_QUEUE", &c.Cache.Queue)
	str("INGRESS_SECRET", &c.Ingress.Secret)
	flt("INGRESS_RATE_RPS", &c.Ingress.RPS)
	integer("INGRESS_RATE_BURST", &c.Ingress.Burst)
	flt("RELAY_INBOUND_RPS", &c.Relay.InboundRPS)
	integer("RELAY_INBOUND_BURST", &c.Relay.InboundBurst)
	integer("RELAY_SEND_BUFFER", &c.Relay.SendBuffer)
	if v, ok := lookup("ALLOW_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		c.Relay.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Relay.AllowedOrigins = append(c.Relay.AllowedOrigins, o)
			}
		}
	}
	str("LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("LOG_AS_JSON"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("LOG_AS_JSON: %v", err))
		}
		c.Log.JSON = b
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DebugInfo is the non-secret view of c reported by /debug/info.
func (c Config) DebugInfo() map[string]any {
	return map[string]any{
		"listen":             c.Listen,
		"authzMode":          c.Authz.Mode,
		"authzTimeout":       c.Authz.Timeout.String(),
		"hasDatabaseUrl":     c.Authz.DatabaseURL != "",
		"hasRedisUrl":        c.Cache.RedisURL != "",
		"locationTtl":        c.Cache.TTL.String(),
		"ingressSigned":      c.Ingress.Secret != "",
		"ingressRateRps":     c.Ingress.RPS,
		"inboundRps":         c.Relay.InboundRPS,
		"sendBuffer":         c.Relay.SendBuffer,
		"replayLastLocation": c.Relay.ReplayLastLocation,
		"allowedOrigins":     c.Relay.AllowedOrigins,
	}
}
