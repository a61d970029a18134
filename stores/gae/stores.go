//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	"github.com/robokop/oneid"
)

// Kind constants for Datastore entities
const (
	KindUser                 = "User"
	KindUserEmail            = "UserEmail"
	KindCredential           = "Credential"
	KindCredentialExternalID = "CredentialExternalID"
	KindChallenge            = "Challenge"
)

type base struct {
	client    *datastore.Client
	namespace string
}

func (s *base) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *base) query(kind string) *datastore.Query {
	q := datastore.NewQuery(kind)
	if s.namespace != "" {
		q = q.Namespace(s.namespace)
	}
	return q
}

// ============================================================================
// UserStore
// ============================================================================

// UserStore implements oneid.IdentityStore using Google Cloud Datastore
type UserStore struct {
	base
}

// NewUserStore creates a new Datastore-backed UserStore
func NewUserStore(client *datastore.Client, namespace string) *UserStore {
	return &UserStore{base{client: client, namespace: namespace}}
}

func (s *UserStore) FindUserByID(ctx context.Context, id string) (*oneid.User, error) {
	var entity UserEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindUser, id), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, oneid.ErrUserNotFound
		}
		return nil, err
	}
	return entity.ToUser(), nil
}

func (s *UserStore) FindUserByEmail(ctx context.Context, email string) (*oneid.User, error) {
	var idx IndexEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindUserEmail, oneid.NormalizeEmail(email)), &idx); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, oneid.ErrUserNotFound
		}
		return nil, err
	}
	return s.FindUserByID(ctx, idx.OwnerID)
}

func (s *UserStore) CreateUser(ctx context.Context, user *oneid.User) error {
	user.Email = oneid.NormalizeEmail(user.Email)
	if user.Version == 0 {
		user.Version = 1
	}
	emailKey := s.namespacedKey(KindUserEmail, user.Email)
	userKey := s.namespacedKey(KindUser, user.ID)

	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing IndexEntity
		err := tx.Get(emailKey, &existing)
		if err == nil {
			return fmt.Errorf("%s: %w", user.Email, oneid.ErrDuplicateEmail)
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		if _, err := tx.Put(emailKey, &IndexEntity{OwnerID: user.ID}); err != nil {
			return err
		}
		_, err = tx.Put(userKey, UserToEntity(user, userKey))
		return err
	})
	return err
}

func (s *UserStore) UpdateUser(ctx context.Context, user *oneid.User) error {
	key := s.namespacedKey(KindUser, user.ID)
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var current UserEntity
		if err := tx.Get(key, &current); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return oneid.ErrUserNotFound
			}
			return err
		}
		if current.Version != user.Version {
			return oneid.ErrVersionConflict
		}
		next := UserToEntity(user, key)
		next.Email = current.Email
		next.PendingChallenge = current.PendingChallenge
		next.Version = current.Version + 1
		_, err := tx.Put(key, next)
		return err
	})
	if err != nil {
		return err
	}
	user.Version++
	return nil
}

// ============================================================================
// CredentialStore
// ============================================================================

// CredentialStore implements oneid.CredentialStore using Google Cloud Datastore
type CredentialStore struct {
	base
}

// NewCredentialStore creates a new Datastore-backed CredentialStore
func NewCredentialStore(client *datastore.Client, namespace string) *CredentialStore {
	return &CredentialStore{base{client: client, namespace: namespace}}
}

func (s *CredentialStore) FindCredentialByID(ctx context.Context, id string) (*oneid.Credential, error) {
	var entity CredentialEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindCredential, id), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, oneid.ErrCredentialNotFound
		}
		return nil, err
	}
	return entity.ToCredential(), nil
}

func (s *CredentialStore) FindCredentialByExternalID(ctx context.Context, externalID string) (*oneid.Credential, error) {
	var idx IndexEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindCredentialExternalID, externalID), &idx); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, oneid.ErrCredentialNotFound
		}
		return nil, err
	}
	return s.FindCredentialByID(ctx, idx.OwnerID)
}

func (s *CredentialStore) ListCredentialsByOwner(ctx context.Context, ownerID string) ([]*oneid.Credential, error) {
	query := s.query(KindCredential).FilterField("owner_id", "=", ownerID)

	out := []*oneid.Credential{}
	it := s.client.Run(ctx, query)
	for {
		var entity CredentialEntity
		_, err := it.Next(&entity)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entity.ToCredential())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *CredentialStore) CreateCredential(ctx context.Context, cred *oneid.Credential) error {
	idxKey := s.namespacedKey(KindCredentialExternalID, cred.ExternalID)
	credKey := s.namespacedKey(KindCredential, cred.ID)

	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing IndexEntity
		err := tx.Get(idxKey, &existing)
		if err == nil {
			return fmt.Errorf("%s: %w", cred.ExternalID, oneid.ErrDuplicateCredential)
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		// index entity owner is the credential id
		if _, err := tx.Put(idxKey, &IndexEntity{OwnerID: cred.ID}); err != nil {
			return err
		}
		_, err = tx.Put(credKey, CredentialToEntity(cred, credKey))
		return err
	})
	return err
}

func (s *CredentialStore) UpdateSignCounter(ctx context.Context, id string, expected, next uint32, usedAt time.Time) error {
	key := s.namespacedKey(KindCredential, id)
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var entity CredentialEntity
		if err := tx.Get(key, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return oneid.ErrCredentialNotFound
			}
			return err
		}
		if uint32(entity.SignCount) != expected {
			return oneid.ErrCounterConflict
		}
		entity.SignCount = int64(next)
		entity.LastUsedAt = usedAt
		_, err := tx.Put(key, &entity)
		return err
	})
	return err
}

func (s *CredentialStore) DeleteCredential(ctx context.Context, id string) error {
	key := s.namespacedKey(KindCredential, id)
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var entity CredentialEntity
		if err := tx.Get(key, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return oneid.ErrCredentialNotFound
			}
			return err
		}
		if err := tx.Delete(s.namespacedKey(KindCredentialExternalID, entity.ExternalID)); err != nil {
			return err
		}
		return tx.Delete(key)
	})
	return err
}

// ============================================================================
// ChallengeStore
// ============================================================================

// ChallengeStore implements oneid.ChallengeStore using Google Cloud Datastore
type ChallengeStore struct {
	base
}

// NewChallengeStore creates a new Datastore-backed ChallengeStore
func NewChallengeStore(client *datastore.Client, namespace string) *ChallengeStore {
	return &ChallengeStore{base{client: client, namespace: namespace}}
}

func (s *ChallengeStore) challengeKey(kind oneid.CeremonyKind, scopeKey string) *datastore.Key {
	return s.namespacedKey(KindChallenge, string(kind)+"|"+scopeKey)
}

func (s *ChallengeStore) PutChallenge(ctx context.Context, c *oneid.Challenge) error {
	key := s.challengeKey(c.Kind, c.ScopeKey)
	_, err := s.client.Put(ctx, key, ChallengeToEntity(c, key))
	return err
}

func (s *ChallengeStore) TakeChallenge(ctx context.Context, kind oneid.CeremonyKind, scopeKey string) (*oneid.Challenge, error) {
	key := s.challengeKey(kind, scopeKey)
	var taken *oneid.Challenge
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var entity ChallengeEntity
		if err := tx.Get(key, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return oneid.ErrChallengeNotFound
			}
			return err
		}
		taken = entity.ToChallenge()
		return tx.Delete(key)
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

// DeleteExpired removes challenges that expired before now
func (s *ChallengeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := s.query(KindChallenge).FilterField("expires_at", "<", now).KeysOnly()
	keys, err := s.client.GetAll(ctx, query, nil)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.client.DeleteMulti(ctx, keys); err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}
