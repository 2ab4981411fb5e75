package models

import "time"

// OTP purposes.
const (
	OTPPurposeEmailVerification = "email_verification"
	OTPPurposePasswordReset     = "password_reset"
)

// OTPCode is a single-use numeric code bound to a user and purpose. Records are
// retained after consumption for audit.
type OTPCode struct {
	BaseModel

	UserID     string     `gorm:"type:uuid;not null;index:idx_otp_user_purpose" json:"user_id"`
	User       *User      `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Purpose    string     `gorm:"size:32;not null;index:idx_otp_user_purpose" json:"purpose"`
	CodeHash   string     `gorm:"size:64;not null" json:"-"`
	ExpiresAt  time.Time  `gorm:"index;not null" json:"expires_at"`
	Consumed   bool       `gorm:"not null;default:false" json:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	Attempts   int        `gorm:"not null;default:0" json:"attempts"`
}

// TableName pins the table name.
func (OTPCode) TableName() string {
	return "otp_codes"
}

// ValidOTPPurpose reports whether purpose is recognised.
func ValidOTPPurpose(purpose string) bool {
	return purpose == OTPPurposeEmailVerification || purpose == OTPPurposePasswordReset
}
