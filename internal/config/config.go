// Package config handles loading and parsing application configuration.
// It supports two sources for the YAML file (in priority order):
//  1. An environment variable:  CONFIG_PATH=/path/to/config.yaml
//  2. A command-line flag:      --config=/path/to/config.yaml
//
// A .env file in the working directory (or one of its parents) is loaded
// before anything else, so secrets such as BACKEND_ANON_KEY can stay out of
// the YAML file. Every value can be overridden by its environment variable.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Backend kinds.
const (
	BackendRemote   = "remote"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the root configuration structure.
// Every field maps to a key in the YAML file AND can be overridden
// by the corresponding environment variable (env:"...").
type Config struct {
	// Env controls log format and verbosity: "dev", "staging" or "prod".
	Env string `yaml:"env" env:"ENV" env-required:"true"`

	// StoragePath is the SQLite .db file used by the sqlite backend and by
	// local accounts.
	StoragePath string `yaml:"storage_path" env:"STORAGE_PATH" env-default:"storage/registry.db"`

	// DatabaseURL is the Postgres DSN used by the postgres backend.
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`

	// RequestTimeout bounds every call to the data and auth backends.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" env-default:"10s"`

	HTTPServer `yaml:"http_server"`
	Backend    Backend `yaml:"backend"`
	Session    Session `yaml:"session"`
}

// HTTPServer holds settings specific to the HTTP server.
type HTTPServer struct {
	Addr         string        `yaml:"address" env:"HTTP_SERVER_ADDR" env-required:"true"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"HTTP_SERVER_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"HTTP_SERVER_WRITE_TIMEOUT" env-default:"10s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"HTTP_SERVER_IDLE_TIMEOUT" env-default:"60s"`
}

// Backend selects where student records and accounts live.
type Backend struct {
	// Kind is "remote" (hosted data + auth API), "sqlite" (local file with
	// local accounts) or "postgres" (direct connection, hosted auth API).
	Kind string `yaml:"kind" env:"BACKEND_KIND" env-default:"sqlite"`

	// URL is the base URL of the hosted API, e.g. https://xyz.supabase.co.
	URL string `yaml:"url" env:"BACKEND_URL"`

	// AnonKey is the public API key sent with every hosted API call.
	AnonKey string `yaml:"anon_key" env:"BACKEND_ANON_KEY"`

	// JWTSecret verifies access tokens (hosted auth) or signs them (local
	// accounts).
	JWTSecret string `yaml:"jwt_secret" env:"BACKEND_JWT_SECRET"`
}

// Session configures the session cookie and its server-side store.
type Session struct {
	CookieName   string        `yaml:"cookie_name" env:"SESSION_COOKIE_NAME" env-default:"registry_session"`
	CookieSecure bool          `yaml:"cookie_secure" env:"SESSION_COOKIE_SECURE"`
	TTL          time.Duration `yaml:"ttl" env:"SESSION_TTL" env-default:"168h"`

	// RedisAddr, when set, stores sessions in Redis instead of memory.
	RedisAddr     string `yaml:"redis_addr" env:"SESSION_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"SESSION_REDIS_PASSWORD"`
}

// Validate checks the combinations cleanenv cannot express with tags.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendRemote:
		if c.Backend.URL == "" || c.Backend.AnonKey == "" {
			return errors.New("backend.url and backend.anon_key are required for the remote backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database_url is required for the postgres backend")
		}
		if c.Backend.URL == "" || c.Backend.AnonKey == "" {
			return errors.New("backend.url and backend.anon_key are required for hosted sign-in")
		}
	case BackendSQLite:
		if c.StoragePath == "" {
			return errors.New("storage_path is required for the sqlite backend")
		}
		if c.Backend.JWTSecret == "" {
			return errors.New("backend.jwt_secret is required to sign local access tokens")
		}
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	return nil
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// MustLoad reads, validates, and returns the application config.
// Functions prefixed with "Must" fatal on failure; if this returns, the
// config is valid.
func MustLoad() *Config {
	loadDotenv()

	// ── Source 1: environment variable ───────────────────────────────
	configPath := os.Getenv("CONFIG_PATH")

	// ── Source 2: command-line flag ───────────────────────────────────
	//   go run ./cmd/students-web --config=config/local.yaml
	if configPath == "" {
		flags := flag.String("config", "", "Path to the configuration YAML file")
		flag.Parse()
		configPath = *flags
	}

	if configPath == "" {
		log.Fatal("config path is not set: use --config flag or CONFIG_PATH env var")
	}

	cfg, err := Load(configPath)
	if err != nil {
		log.Fatal(err.Error())
	}
	return cfg
}

// loadDotenv loads the first .env found walking up from the working
// directory. Variables already set in the environment win.
func loadDotenv() {
	for _, p := range []string{".env", filepath.Join("..", ".env"), filepath.Join("..", "..", ".env")} {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err != nil {
				log.Printf("[env] cannot load %s: %s", p, err)
			}
			return
		}
	}
}
