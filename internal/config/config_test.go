package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envMap(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	yml := `
listen: ":9000"
auth:
  hmac_secret: file-secret
authz:
  mode: static
  timeout: 2s
  static:
    "42": ["7", "8"]
relay:
  inbound_rps: 5
cache:
  ttl: 1m
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil { t.Fatal(err) }
	t.Setenv("AUTH_HMAC_SECRET", "env-secret")
	t.Setenv("LOCATION_TTL", "30s")

	cfg, err := Load(path)
	if err != nil { t.Fatalf("Load: %v", err) }
	if cfg.Listen != ":9000" || cfg.Authz.Mode != AuthzStatic || cfg.Authz.Timeout != 2*time.Second {
		t.Fatalf("file values: %+v", cfg)
	}
	if cfg.Auth.HMACSecret != "env-secret" { t.Fatalf("env should win: %q", cfg.Auth.HMACSecret) }
	if cfg.Cache.TTL != 30*time.Second { t.Fatalf("ttl: %v", cfg.Cache.TTL) }
	if got := cfg.Authz.Static["42"]; len(got) != 2 { t.Fatalf("static: %v", got) }
	if cfg.Relay.InboundRPS != 5 || cfg.Relay.SendBuffer != 64 {
		t.Fatalf("defaults should survive partial file: %+v", cfg.Relay)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"PORT":                 "3001",
		"AUTHZ_MODE":           "postgres",
		"DATABASE_URL":         "postgres://localhost/app",
		"INGRESS_RATE_RPS":     "2.5",
		"RELAY_SEND_BUFFER":    "16",
		"ALLOW_ORIGINS":        "https://a.example, b.example",
		"LOG_AS_JSON":          "true",
		"LOCATION_CACHE_QUEUE": "8",
	}))
	if err != nil { t.Fatal(err) }
	if cfg.Listen != ":3001" || cfg.Authz.Mode != AuthzPostgres || cfg.Ingress.RPS != 2.5 || cfg.Relay.SendBuffer != 16 {
		t.Fatalf("env: %+v", cfg)
	}
	if len(cfg.Relay.AllowedOrigins) != 2 || cfg.Relay.AllowedOrigins[1] != "b.example" {
		t.Fatalf("origins: %v", cfg.Relay.AllowedOrigins)
	}
	if !cfg.Log.JSON { t.Fatal("json log") }
	if cfg.Cache.Queue != 8 || cfg.Cache.Timeout != 500*time.Millisecond {
		t.Fatalf("cache: %+v", cfg.Cache)
	}

	cfg = Default()
	if err := cfg.applyEnv(envMap(map[string]string{"AUTHZ_TIMEOUT": "soon"})); err == nil {
		t.Fatal("expected bad duration error")
	}
}

func TestValidate(t *testing.T) {
	ok := Default()
	ok.Auth.HMACSecret = "s"
	ok.Authz.URL = "http://records/api/parents/{subjectId}/buses"
	if err := ok.Validate(); err != nil { t.Fatalf("valid config: %v", err) }

	cases := map[string]func(c *Config){
		"no secret":       func(c *Config) { c.Auth.HMACSecret = "" },
		"http without url": func(c *Config) { c.Authz.URL = "" },
		"postgres without dsn": func(c *Config) { c.Authz.Mode = AuthzPostgres },
		"unknown mode":    func(c *Config) { c.Authz.Mode = "ldap" },
		"zero buffer":     func(c *Config) { c.Relay.SendBuffer = 0 },
		"bad level":       func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		c := ok
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
