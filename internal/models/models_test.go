package models

import (
	"testing"
	"time"
)

func TestBaseModelBeforeCreateGeneratesID(t *testing.T) {
	var base BaseModel
	if err := base.BeforeCreate(nil); err != nil {
		t.Fatalf("before create: %v", err)
	}
	if base.ID == "" {
		t.Fatal("expected base model ID to be generated")
	}
}

func TestEmbeddedModelsUseBaseBeforeCreate(t *testing.T) {
	cases := []struct {
		name  string
		model func() *BaseModel
	}{
		{"user", func() *BaseModel {
			u := &User{}
			return &u.BaseModel
		}},
		{"refresh_token", func() *BaseModel {
			r := &RefreshToken{}
			return &r.BaseModel
		}},
		{"otp_code", func() *BaseModel {
			o := &OTPCode{}
			return &o.BaseModel
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := tc.model()
			if err := model.BeforeCreate(nil); err != nil {
				t.Fatalf("before create: %v", err)
			}
			if model.ID == "" {
				t.Fatal("expected ID to be generated")
			}
		})
	}
}

func TestRefreshTokenIsLive(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	token := &RefreshToken{ExpiresAt: now.Add(time.Minute)}
	if !token.IsLive(now) {
		t.Fatal("expected unexpired token to be live")
	}
	if token.IsLive(now.Add(time.Minute)) {
		t.Fatal("expected token expiring exactly now to be dead")
	}
	token.Revoked = true
	if token.IsLive(now) {
		t.Fatal("expected revoked token to be dead")
	}
}

func TestPublicOmitsPassword(t *testing.T) {
	u := &User{Username: "ink", Email: "ink@example.com", Password: "hash", Role: RoleAuthor}
	view := u.Public()
	if view.Username != "ink" || view.Role != RoleAuthor {
		t.Fatalf("unexpected public view: %+v", view)
	}
	if (*User)(nil).Public().ID != "" {
		t.Fatal("expected nil user to produce empty view")
	}
}

func TestValidators(t *testing.T) {
	if !ValidRole(RoleEditor) || ValidRole("root") {
		t.Fatal("unexpected role validation result")
	}
	if !ValidOTPPurpose(OTPPurposePasswordReset) || ValidOTPPurpose("login") {
		t.Fatal("unexpected purpose validation result")
	}
}
