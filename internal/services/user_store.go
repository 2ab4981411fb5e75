package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/inkboard/inkboard/internal/models"
)

// NormaliseEmail lower-cases and trims an email address.
func NormaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormaliseUsername trims a username and applies NFKC so visually identical
// names compare equal.
func NormaliseUsername(username string) string {
	return norm.NFKC.String(strings.TrimSpace(username))
}

// UserStore is the credential store for user accounts.
type UserStore struct {
	db *gorm.DB
}

// NewUserStore constructs a UserStore.
func NewUserStore(db *gorm.DB) (*UserStore, error) {
	if db == nil {
		return nil, errors.New("user store: db is required")
	}
	return &UserStore{db: db}, nil
}

// WithDB returns a copy of the store bound to tx.
func (s *UserStore) WithDB(tx *gorm.DB) *UserStore {
	if tx == nil {
		return s
	}
	return &UserStore{db: tx}
}

// FindByEmail looks up a user by email, case-insensitively.
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	email = NormaliseEmail(email)
	if email == "" {
		return nil, ErrRecordNotFound
	}
	var user models.User
	err := s.db.WithContext(ctx).Where("LOWER(email) = ?", email).Take(&user).Error
	return s.result(&user, err, "find user by email")
}

// FindByID looks up a user by id.
func (s *UserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrRecordNotFound
	}
	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "id = ?", id).Error
	return s.result(&user, err, "find user by id")
}

// IdentityTaken reports whether email or username is already registered.
// Both comparisons ignore case.
func (s *UserStore) IdentityTaken(ctx context.Context, email, username string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("LOWER(email) = ? OR LOWER(username) = ?", NormaliseEmail(email), strings.ToLower(NormaliseUsername(username))).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("user store: check identity: %w", err)
	}
	return count > 0, nil
}

// Create inserts a new user. Email and username are normalised first.
func (s *UserStore) Create(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("user store: user is required")
	}
	user.Email = NormaliseEmail(user.Email)
	user.Username = NormaliseUsername(user.Username)
	if user.Role == "" {
		user.Role = models.RoleUser
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrRecordConflict
		}
		return fmt.Errorf("user store: create user: %w", err)
	}
	return nil
}

// MarkVerified sets the verified flag and timestamp.
func (s *UserStore) MarkVerified(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, map[string]any{
		"is_verified": true,
		"verified_at": at.UTC(),
	}, "mark verified")
}

// UpdatePassword replaces the stored password hash.
func (s *UserStore) UpdatePassword(ctx context.Context, id, hash string) error {
	if hash == "" {
		return errors.New("user store: password hash is required")
	}
	return s.update(ctx, id, map[string]any{"password": hash}, "update password")
}

// TouchLastLogin stamps the last successful login.
func (s *UserStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, map[string]any{"last_login_at": at.UTC()}, "touch last login")
}

func (s *UserStore) update(ctx context.Context, id string, values map[string]any, op string) error {
	result := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(values)
	if result.Error != nil {
		return fmt.Errorf("user store: %s: %w", op, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *UserStore) result(user *models.User, err error, op string) (*models.User, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user store: %s: %w", op, err)
	}
	return user, nil
}
