//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/robokop/oneid"
)

// AutoMigrate runs database migrations for all oneid tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserModel{},
		&CredentialModel{},
		&ChallengeModel{},
	)
}

// isDuplicate recognizes unique violations whether or not the dialector
// translates errors
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// =============================================================================
// UserStore
// =============================================================================

// UserStore implements oneid.IdentityStore using GORM
type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) FindUserByID(ctx context.Context, id string) (*oneid.User, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, oneid.ErrUserNotFound
		}
		return nil, err
	}
	return model.ToUser(), nil
}

func (s *UserStore) FindUserByEmail(ctx context.Context, email string) (*oneid.User, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "email = ?", oneid.NormalizeEmail(email)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, oneid.ErrUserNotFound
		}
		return nil, err
	}
	return model.ToUser(), nil
}

func (s *UserStore) CreateUser(ctx context.Context, user *oneid.User) error {
	if user.Version == 0 {
		user.Version = 1
	}
	model := UserToModel(user)
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%s: %w", model.Email, oneid.ErrDuplicateEmail)
		}
		return err
	}
	user.Email = model.Email
	return nil
}

func (s *UserStore) UpdateUser(ctx context.Context, user *oneid.User) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ? AND version = ?", user.ID, user.Version).
		Updates(map[string]any{
			"display_name":  user.DisplayName,
			"avatar_url":    user.AvatarURL,
			"password_hash": user.PasswordHash,
			"version":       user.Version + 1,
			"updated_at":    user.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.FindUserByID(ctx, user.ID); err != nil {
			return err
		}
		return oneid.ErrVersionConflict
	}
	user.Version++
	return nil
}

// =============================================================================
// CredentialStore
// =============================================================================

// CredentialStore implements oneid.CredentialStore using GORM
type CredentialStore struct {
	db *gorm.DB
}

func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (s *CredentialStore) find(ctx context.Context, query string, arg any) (*oneid.Credential, error) {
	var model CredentialModel
	if err := s.db.WithContext(ctx).First(&model, query, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, oneid.ErrCredentialNotFound
		}
		return nil, err
	}
	return model.ToCredential(), nil
}

func (s *CredentialStore) FindCredentialByID(ctx context.Context, id string) (*oneid.Credential, error) {
	return s.find(ctx, "id = ?", id)
}

func (s *CredentialStore) FindCredentialByExternalID(ctx context.Context, externalID string) (*oneid.Credential, error) {
	return s.find(ctx, "external_id = ?", externalID)
}

func (s *CredentialStore) ListCredentialsByOwner(ctx context.Context, ownerID string) ([]*oneid.Credential, error) {
	var models []CredentialModel
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*oneid.Credential, 0, len(models))
	for i := range models {
		out = append(out, models[i].ToCredential())
	}
	return out, nil
}

func (s *CredentialStore) CreateCredential(ctx context.Context, cred *oneid.Credential) error {
	if err := s.db.WithContext(ctx).Create(CredentialToModel(cred)).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%s: %w", cred.ExternalID, oneid.ErrDuplicateCredential)
		}
		return err
	}
	return nil
}

func (s *CredentialStore) UpdateSignCounter(ctx context.Context, id string, expected, next uint32, usedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&CredentialModel{}).
		Where("id = ? AND sign_count = ?", id, expected).
		Updates(map[string]any{"sign_count": next, "last_used_at": usedAt})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.FindCredentialByID(ctx, id); err != nil {
			return err
		}
		return oneid.ErrCounterConflict
	}
	return nil
}

func (s *CredentialStore) DeleteCredential(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&CredentialModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return oneid.ErrCredentialNotFound
	}
	return nil
}

// =============================================================================
// ChallengeStore
// =============================================================================

// ChallengeStore implements oneid.ChallengeStore with a challenges table
type ChallengeStore struct {
	db *gorm.DB
}

func NewChallengeStore(db *gorm.DB) *ChallengeStore {
	return &ChallengeStore{db: db}
}

func (s *ChallengeStore) PutChallenge(ctx context.Context, c *oneid.Challenge) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "scope_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "issued_at", "expires_at"}),
	}).Create(ChallengeToModel(c)).Error
}

// TakeChallenge reads the row and deletes it conditionally on the value read,
// so only one of several concurrent takers sees RowsAffected == 1.
func (s *ChallengeStore) TakeChallenge(ctx context.Context, kind oneid.CeremonyKind, scopeKey string) (*oneid.Challenge, error) {
	db := s.db.WithContext(ctx)
	var model ChallengeModel
	if err := db.First(&model, "kind = ? AND scope_key = ?", string(kind), scopeKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, oneid.ErrChallengeNotFound
		}
		return nil, err
	}
	res := db.Where("kind = ? AND scope_key = ? AND value = ?", model.Kind, model.ScopeKey, model.Value).Delete(&ChallengeModel{})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, oneid.ErrChallengeNotFound
	}
	return model.ToChallenge(), nil
}

// DeleteExpired removes challenges that expired before now
func (s *ChallengeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&ChallengeModel{})
	return res.RowsAffected, res.Error
}

// =============================================================================
// UserRowChallengeStore
// =============================================================================

// UserRowChallengeStore keeps the pending challenge on the user's row. It
// holds one challenge per user across all ceremony kinds, so starting any
// ceremony replaces the previous one. Only user scopes are supported.
type UserRowChallengeStore struct {
	db *gorm.DB
}

func NewUserRowChallengeStore(db *gorm.DB) *UserRowChallengeStore {
	return &UserRowChallengeStore{db: db}
}

func userFromScope(scopeKey string) (string, error) {
	userID, ok := oneid.UserIDFromScope(scopeKey)
	if !ok || userID == "" {
		return "", fmt.Errorf("user-row challenge store cannot hold scope %q", scopeKey)
	}
	return userID, nil
}

func (s *UserRowChallengeStore) PutChallenge(ctx context.Context, c *oneid.Challenge) error {
	userID, err := userFromScope(c.ScopeKey)
	if err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", userID).Update("pending_challenge", string(data))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return oneid.ErrUserNotFound
	}
	return nil
}

func (s *UserRowChallengeStore) TakeChallenge(ctx context.Context, kind oneid.CeremonyKind, scopeKey string) (*oneid.Challenge, error) {
	userID, err := userFromScope(scopeKey)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	var model UserModel
	if err := db.Select("id", "pending_challenge").First(&model, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, oneid.ErrChallengeNotFound
		}
		return nil, err
	}
	if model.PendingChallenge == "" {
		return nil, oneid.ErrChallengeNotFound
	}
	var c oneid.Challenge
	if err := json.Unmarshal([]byte(model.PendingChallenge), &c); err != nil {
		return nil, fmt.Errorf("decode pending challenge: %w", err)
	}
	if c.Kind != kind {
		return nil, oneid.ErrChallengeNotFound
	}

	res := db.Model(&UserModel{}).
		Where("id = ? AND pending_challenge = ?", userID, model.PendingChallenge).
		Update("pending_challenge", "")
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, oneid.ErrChallengeNotFound
	}
	return &c, nil
}
