package fs

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/robokop/oneid"
)

// ChallengeStore keeps one JSON file per ceremony kind and scope. Takes are
// serialized by a mutex, so a single store instance must own the directory.
type ChallengeStore struct {
	StoragePath string
	mu          sync.Mutex
}

func NewChallengeStore(storagePath string) *ChallengeStore {
	return &ChallengeStore{StoragePath: storagePath}
}

func (s *ChallengeStore) getChallengePath(kind oneid.CeremonyKind, scopeKey string) string {
	return filepath.Join(s.StoragePath, "challenges", hashKey(string(kind)+"|"+scopeKey)+".json")
}

func (s *ChallengeStore) PutChallenge(ctx context.Context, c *oneid.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.getChallengePath(c.Kind, c.ScopeKey), c)
}

func (s *ChallengeStore) TakeChallenge(ctx context.Context, kind oneid.CeremonyKind, scopeKey string) (*oneid.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.getChallengePath(kind, scopeKey)
	var c oneid.Challenge
	if err := readJSON(path, &c, oneid.ErrChallengeNotFound); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil, oneid.ErrChallengeNotFound
		}
		return nil, err
	}
	return &c, nil
}
