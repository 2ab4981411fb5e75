package models

import (
	"time"

	"gorm.io/datatypes"
)

// RefreshToken is the server-side ledger entry for an issued refresh token. Only
// the SHA-256 digest of the token material is stored.
type RefreshToken struct {
	BaseModel

	JTI       string            `gorm:"column:jti;uniqueIndex;size:64;not null" json:"jti"`
	UserID    string            `gorm:"type:uuid;not null;index" json:"user_id"`
	User      *User             `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	TokenHash string            `gorm:"size:64;not null" json:"-"`
	UserAgent string            `gorm:"size:512" json:"user_agent"`
	IPAddress string            `gorm:"size:64" json:"ip_address"`
	Metadata  datatypes.JSONMap `json:"metadata,omitempty"`
	ExpiresAt time.Time         `gorm:"index;not null" json:"expires_at"`
	Revoked   bool              `gorm:"not null;default:false;index" json:"revoked"`
	RevokedAt *time.Time        `json:"revoked_at,omitempty"`
}

// IsLive reports whether the token is unrevoked and strictly unexpired at now.
func (t *RefreshToken) IsLive(now time.Time) bool {
	return t != nil && !t.Revoked && t.ExpiresAt.After(now)
}
