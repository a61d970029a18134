package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"cloud.google.com/go/datastore"
	gormlib "gorm.io/gorm"

	"github.com/robokop/oneid"
	"github.com/robokop/oneid/stores/fs"
	"github.com/robokop/oneid/stores/gae"
	gormstore "github.com/robokop/oneid/stores/gorm"
	redisstore "github.com/robokop/oneid/stores/redis"
)

// expirer is implemented by challenge stores that need sweeping
type expirer interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type backends struct {
	Users       oneid.IdentityStore
	Credentials oneid.CredentialStore
	Challenges  oneid.ChallengeStore

	closers []io.Closer
}

func (b *backends) Close() {
	for _, c := range b.closers {
		c.Close()
	}
}


func openBackends(ctx context.Context, cfg ServerConfig) (*backends, error) {
	b := &backends{}
	var db *gormlib.DB

	switch cfg.Store {
	case BackendFS:
		b.Users = fs.NewUserStore(cfg.DataDir)
		b.Credentials = fs.NewCredentialStore(cfg.DataDir)
		b.Challenges = fs.NewChallengeStore(cfg.DataDir)

	case BackendSQLite, BackendPostgres:
		var err error
		if cfg.Store == BackendSQLite {
			db, err = gormstore.OpenSQLite(filepath.Join(cfg.DataDir, "oneid.db"))
		} else {
			db, err = gormstore.OpenPostgres(cfg.DatabaseURL)
		}
		if err != nil {
			return nil, err
		}
		if err := gormstore.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			b.closers = append(b.closers, sqlDB)
		}
		b.Users = gormstore.NewUserStore(db)
		b.Credentials = gormstore.NewCredentialStore(db)
		b.Challenges = gormstore.NewChallengeStore(db)

	case BackendDatastore:
		client, err := datastore.NewClient(ctx, cfg.DatastoreProject)
		if err != nil {
			return nil, fmt.Errorf("datastore client: %w", err)
		}
		b.closers = append(b.closers, client)
		b.Users = gae.NewUserStore(client, cfg.DatastoreNamespace)
		b.Credentials = gae.NewCredentialStore(client, cfg.DatastoreNamespace)
		b.Challenges = gae.NewChallengeStore(client, cfg.DatastoreNamespace)
	}

	switch cfg.Challenges {
	case ChallengesRedis:
		client, err := redisstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, client)
		b.Challenges = redisstore.NewChallengeStore(client, "")
	case ChallengesUserRow:
		// only passkey ceremonies fit on the user row; email links and
		// discoverable sessions still use the table store
		b.Challenges = &splitChallenges{
			user:  gormstore.NewUserRowChallengeStore(db),
			other: b.Challenges,
		}
	}
	return b, nil
}

// splitChallenges routes user-scoped passkey challenges to one store and
// everything else to another.
type splitChallenges struct {
	user  oneid.ChallengeStore
	other oneid.ChallengeStore
}

func (s *splitChallenges) pick(kind oneid.CeremonyKind, scopeKey string) oneid.ChallengeStore {
	if _, ok := oneid.UserIDFromScope(scopeKey); ok && kind != oneid.CeremonyEmailLink {
		return s.user
	}
	return s.other
}

func (s *splitChallenges) PutChallenge(ctx context.Context, c *oneid.Challenge) error {
	return s.pick(c.Kind, c.ScopeKey).PutChallenge(ctx, c)
}

func (s *splitChallenges) TakeChallenge(ctx context.Context, kind oneid.CeremonyKind, scopeKey string) (*oneid.Challenge, error) {
	return s.pick(kind, scopeKey).TakeChallenge(ctx, kind, scopeKey)
}

func (s *splitChallenges) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if e, ok := s.other.(expirer); ok {
		return e.DeleteExpired(ctx, now)
	}
	return 0, nil
}

// sweepChallenges deletes expired challenges until ctx is cancelled
func sweepChallenges(ctx context.Context, store oneid.ChallengeStore, every time.Duration, logger *slog.Logger) {
	e, ok := store.(expirer)
	if !ok || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := e.DeleteExpired(ctx, now)
			if err != nil {
				logger.Warn("sweep challenges", "error", err)
			} else if n > 0 {
				logger.Debug("swept expired challenges", "count", n)
			}
		}
	}
}

