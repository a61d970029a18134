package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robokop/oneid"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := loadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":3001", cfg.Addr)
	assert.Equal(t, BackendFS, cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.slogLevel())
	assert.Equal(t, "http://localhost:3001/api/auth/google/callback", cfg.callbackURL("google"))
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("ONEIDD_STORE", "postgres")
	t.Setenv("ONEIDD_DATABASE_URL", "postgres://localhost/oneid")
	t.Setenv("ONEIDD_CHALLENGES", "user-row")
	t.Setenv("ONEIDD_LOG_LEVEL", "debug")
	t.Setenv("ONEIDD_BACKEND_URL", "https://api.example.org/")

	cfg, err := loadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Store)
	assert.Equal(t, ChallengesUserRow, cfg.Challenges)
	assert.Equal(t, slog.LevelDebug, cfg.slogLevel())
	assert.Equal(t, "https://api.example.org/api/auth/github/callback", cfg.callbackURL("github"))
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		ok   bool
	}{
		{"fs", ServerConfig{Store: BackendFS}, true},
		{"unknown store", ServerConfig{Store: "mongo"}, false},
		{"postgres without url", ServerConfig{Store: BackendPostgres}, false},
		{"datastore without project", ServerConfig{Store: BackendDatastore}, false},
		{"redis without url", ServerConfig{Store: BackendFS, Challenges: ChallengesRedis}, false},
		{"redis", ServerConfig{Store: BackendFS, Challenges: ChallengesRedis, RedisURL: "redis://localhost:6379"}, true},
		{"user-row on fs", ServerConfig{Store: BackendFS, Challenges: ChallengesUserRow}, false},
		{"user-row on sqlite", ServerConfig{Store: BackendSQLite, Challenges: ChallengesUserRow}, true},
		{"unknown challenges", ServerConfig{Store: BackendFS, Challenges: "memcache"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestOpenBackendsSQLiteUserRow(t *testing.T) {
	cfg := ServerConfig{Store: BackendSQLite, DataDir: t.TempDir(), Challenges: ChallengesUserRow}
	b, err := openBackends(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	user := &oneid.User{ID: "u-row", Email: "row@example.org"}
	require.NoError(t, b.Users.CreateUser(ctx, user))

	exp := time.Now().Add(time.Minute)
	userChallenge := &oneid.Challenge{Kind: oneid.CeremonyRegistration, ScopeKey: oneid.UserScope(user.ID), Value: "c1", ExpiresAt: exp}
	linkChallenge := &oneid.Challenge{Kind: oneid.CeremonyEmailLink, ScopeKey: oneid.LinkScope("jti-1"), Value: "c2", ExpiresAt: exp}
	require.NoError(t, b.Challenges.PutChallenge(ctx, userChallenge))
	require.NoError(t, b.Challenges.PutChallenge(ctx, linkChallenge))

	got, err := b.Challenges.TakeChallenge(ctx, oneid.CeremonyRegistration, oneid.UserScope(user.ID))
	require.NoError(t, err)
	assert.Equal(t, userChallenge.ScopeKey, got.ScopeKey)

	got, err = b.Challenges.TakeChallenge(ctx, oneid.CeremonyEmailLink, oneid.LinkScope("jti-1"))
	require.NoError(t, err)
	assert.Equal(t, linkChallenge.ScopeKey, got.ScopeKey)

	_, err = b.Challenges.TakeChallenge(ctx, oneid.CeremonyEmailLink, oneid.LinkScope("jti-1"))
	assert.ErrorIs(t, err, oneid.ErrChallengeNotFound)
}
