package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/robokop/oneid"
)

// UserStore stores users as JSON files, with a per-email index file that
// enforces email uniqueness.
type UserStore struct {
	StoragePath string
	mu          sync.RWMutex
}

func NewUserStore(storagePath string) *UserStore {
	return &UserStore{StoragePath: storagePath}
}

func (s *UserStore) getUserPath(userID string) string {
	return filepath.Join(s.StoragePath, "users", filepath.Base(userID)+".json")
}

func (s *UserStore) getEmailPath(email string) string {
	return filepath.Join(s.StoragePath, "emails", hashKey(email)+".json")
}

type emailIndex struct {
	UserID string `json:"user_id"`
}

func (s *UserStore) FindUserByID(ctx context.Context, id string) (*oneid.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUserUnsafe(id)
}

func (s *UserStore) getUserUnsafe(id string) (*oneid.User, error) {
	if id == "" {
		return nil, oneid.ErrUserNotFound
	}
	var user oneid.User
	if err := readJSON(s.getUserPath(id), &user, oneid.ErrUserNotFound); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *UserStore) FindUserByEmail(ctx context.Context, email string) (*oneid.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var idx emailIndex
	if err := readJSON(s.getEmailPath(oneid.NormalizeEmail(email)), &idx, oneid.ErrUserNotFound); err != nil {
		return nil, err
	}
	return s.getUserUnsafe(idx.UserID)
}

func (s *UserStore) CreateUser(ctx context.Context, user *oneid.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Email = oneid.NormalizeEmail(user.Email)
	idx, err := json.Marshal(emailIndex{UserID: user.ID})
	if err != nil {
		return err
	}
	if err := createExclusive(s.getEmailPath(user.Email), idx); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", user.Email, oneid.ErrDuplicateEmail)
		}
		return err
	}
	if user.Version == 0 {
		user.Version = 1
	}
	if err := writeJSON(s.getUserPath(user.ID), user); err != nil {
		os.Remove(s.getEmailPath(user.Email))
		return err
	}
	return nil
}

func (s *UserStore) UpdateUser(ctx context.Context, user *oneid.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getUserUnsafe(user.ID)
	if err != nil {
		return err
	}
	if current.Version != user.Version {
		return oneid.ErrVersionConflict
	}
	// email is the identity key and never changes
	user.Email = current.Email
	user.Version++
	if err := writeJSON(s.getUserPath(user.ID), user); err != nil {
		user.Version--
		return err
	}
	return nil
}
