package validator

import (
	"testing"

	"github.com/go-playground/validator/v10"
)

type testPayload struct {
	Username string `json:"username" validate:"required,min=3,max=32,username"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"min=6,max=64"`
}

func TestValidateStructSuccess(t *testing.T) {
	payload := testPayload{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "secret-pass",
	}

	if err := ValidateStruct(payload); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateStructFailures(t *testing.T) {
	payload := testPayload{
		Username: "",
		Email:    "invalid",
		Password: "abc",
	}

	err := ValidateStruct(payload)
	if err == nil {
		t.Fatal("expected validation error")
	}

	vErrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(vErrs) != 3 {
		t.Fatalf("expected 3 validation errors, got %d", len(vErrs))
	}

	foundEmail := false
	for _, v := range vErrs {
		if v.Field == "email" {
			foundEmail = true
		}
	}

	if !foundEmail {
		t.Fatal("expected email field to be present in validation errors")
	}
}

func TestUsernameRule(t *testing.T) {
	cases := map[string]bool{
		"alice_01":   true,
		"jean.luc":   true,
		"zoë":        true,
		"bad name":   false,
		"semi;colon": false,
	}
	for name, want := range cases {
		err := ValidateStruct(testPayload{Username: name, Email: "a@example.com", Password: "secret1"})
		if (err == nil) != want {
			t.Fatalf("username %q: expected valid=%v, got err=%v", name, want, err)
		}
	}
}

func TestValidateEmail(t *testing.T) {
	if !ValidateEmail("writer@inkboard.io") {
		t.Fatal("expected address to be valid")
	}
	for _, bad := range []string{"", "   ", "no-at-sign", "a@", "@b.com"} {
		if ValidateEmail(bad) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	err := RegisterValidation("inkboard", func(fl validator.FieldLevel) bool {
		return fl.Field().String() == "inkboard"
	})
	if err != nil {
		t.Fatalf("register validation: %v", err)
	}

	type custom struct {
		Value string `validate:"inkboard"`
	}

	if err := ValidateStruct(custom{Value: "inkboard"}); err != nil {
		t.Fatalf("expected validation to pass, got %v", err)
	}
	if err := ValidateStruct(custom{Value: "other"}); err == nil {
		t.Fatal("expected validation to fail for non-matching value")
	}
}
