package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Backend values for ServerConfig.Store
const (
	BackendFS        = "fs"
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendDatastore = "datastore"
)

// Challenge backend values for ServerConfig.Challenges. Empty uses Store.
const (
	ChallengesRedis   = "redis"
	ChallengesUserRow = "user-row"
)

// ServerConfig holds the settings that only the server binary needs.
type ServerConfig struct {
	Addr            string        `env:"ADDR" envDefault:":3001"`
	GRPCAddr        string        `env:"GRPC_ADDR"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	SweepInterval   time.Duration `env:"CHALLENGE_SWEEP_INTERVAL" envDefault:"1m"`

	Store              string `env:"STORE" envDefault:"fs"`
	DataDir            string `env:"DATA_DIR" envDefault:"./data"`
	DatabaseURL        string `env:"DATABASE_URL"`
	DatastoreProject   string `env:"DATASTORE_PROJECT"`
	DatastoreNamespace string `env:"DATASTORE_NAMESPACE"`

	Challenges string `env:"CHALLENGES"`
	RedisURL   string `env:"REDIS_URL"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GithubClientID     string `env:"GITHUB_CLIENT_ID"`
	GithubClientSecret string `env:"GITHUB_CLIENT_SECRET"`

	// BackendURL is where provider callbacks land
	BackendURL string `env:"BACKEND_URL" envDefault:"http://localhost:3001"`
}

func loadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := env.ParseWithOptions(&cfg, env.Options{Prefix: "ONEIDD_"})
	if err != nil {
		return ServerConfig{}, fmt.Errorf("parse server config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c ServerConfig) validate() error {
	switch c.Store {
	case BackendFS, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("ONEIDD_DATABASE_URL is required for the postgres store")
		}
	case BackendDatastore:
		if c.DatastoreProject == "" {
			return fmt.Errorf("ONEIDD_DATASTORE_PROJECT is required for the datastore store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	switch c.Challenges {
	case "":
	case ChallengesRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("ONEIDD_REDIS_URL is required for redis challenges")
		}
	case ChallengesUserRow:
		if c.Store != BackendSQLite && c.Store != BackendPostgres {
			return fmt.Errorf("user-row challenges need a sql store")
		}
	default:
		return fmt.Errorf("unknown challenge backend %q", c.Challenges)
	}
	return nil
}

func (c ServerConfig) callbackURL(provider string) string {
	return strings.TrimRight(c.BackendURL, "/") + "/api/auth/" + provider + "/callback"
}

func (c ServerConfig) slogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
