package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robokop/oneid"
)

// CredentialStore stores passkeys as JSON files. External ids are indexed
// with exclusively created files so they stay globally unique.
type CredentialStore struct {
	StoragePath string
	mu          sync.RWMutex
}

func NewCredentialStore(storagePath string) *CredentialStore {
	return &CredentialStore{StoragePath: storagePath}
}

func (s *CredentialStore) getCredentialDir() string {
	return filepath.Join(s.StoragePath, "credentials")
}

func (s *CredentialStore) getCredentialPath(id string) string {
	return filepath.Join(s.getCredentialDir(), filepath.Base(id)+".json")
}

func (s *CredentialStore) getExternalPath(externalID string) string {
	return filepath.Join(s.StoragePath, "credential_ids", hashKey(externalID)+".json")
}

type externalIndex struct {
	CredentialID string `json:"credential_id"`
}

func (s *CredentialStore) FindCredentialByID(ctx context.Context, id string) (*oneid.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUnsafe(id)
}

func (s *CredentialStore) getUnsafe(id string) (*oneid.Credential, error) {
	if id == "" {
		return nil, oneid.ErrCredentialNotFound
	}
	var cred oneid.Credential
	if err := readJSON(s.getCredentialPath(id), &cred, oneid.ErrCredentialNotFound); err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *CredentialStore) FindCredentialByExternalID(ctx context.Context, externalID string) (*oneid.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var idx externalIndex
	if err := readJSON(s.getExternalPath(externalID), &idx, oneid.ErrCredentialNotFound); err != nil {
		return nil, err
	}
	return s.getUnsafe(idx.CredentialID)
}

func (s *CredentialStore) ListCredentialsByOwner(ctx context.Context, ownerID string) ([]*oneid.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.getCredentialDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*oneid.Credential{}, nil
		}
		return nil, err
	}

	out := []*oneid.Credential{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var cred oneid.Credential
		if err := readJSON(filepath.Join(s.getCredentialDir(), entry.Name()), &cred, oneid.ErrCredentialNotFound); err != nil {
			continue
		}
		if cred.OwnerID == ownerID {
			out = append(out, &cred)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *CredentialStore) CreateCredential(ctx context.Context, cred *oneid.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := json.Marshal(externalIndex{CredentialID: cred.ID})
	if err != nil {
		return err
	}
	if err := createExclusive(s.getExternalPath(cred.ExternalID), idx); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", cred.ExternalID, oneid.ErrDuplicateCredential)
		}
		return err
	}
	if err := writeJSON(s.getCredentialPath(cred.ID), cred); err != nil {
		os.Remove(s.getExternalPath(cred.ExternalID))
		return err
	}
	return nil
}

func (s *CredentialStore) UpdateSignCounter(ctx context.Context, id string, expected, next uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.getUnsafe(id)
	if err != nil {
		return err
	}
	if cred.SignCount != expected {
		return oneid.ErrCounterConflict
	}
	cred.SignCount = next
	cred.LastUsedAt = &usedAt
	return writeJSON(s.getCredentialPath(id), cred)
}

func (s *CredentialStore) DeleteCredential(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.getUnsafe(id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.getCredentialPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.getExternalPath(cred.ExternalID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
