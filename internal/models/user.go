package models

import (
	"time"
)

// Roles a user may hold. Content services interpret them; the auth subsystem only
// carries the value into issued tokens.
const (
	RoleUser   = "user"
	RoleAuthor = "author"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

// User is a registered account. Email and username are unique across the platform.
type User struct {
	BaseModel

	Username string `gorm:"uniqueIndex;size:64;not null" json:"username"`
	Email    string `gorm:"uniqueIndex;size:320;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`
	Role     string `gorm:"size:32;not null;default:user" json:"role"`

	IsVerified bool       `gorm:"default:false" json:"is_verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	IsActive   bool       `gorm:"default:true" json:"is_active"`

	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// PublicUser is the client-safe view of a user.
type PublicUser struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Username    string     `json:"username"`
	Role        string     `json:"role"`
	IsVerified  bool       `json:"is_verified"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Public returns the client-safe projection of the user.
func (u *User) Public() PublicUser {
	if u == nil {
		return PublicUser{}
	}
	return PublicUser{
		ID:          u.ID,
		Email:       u.Email,
		Username:    u.Username,
		Role:        u.Role,
		IsVerified:  u.IsVerified,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAuthor, RoleEditor, RoleAdmin:
		return true
	default:
		return false
	}
}
