package app

import (
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func TestKeyByteLength(t *testing.T) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}

	cases := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"0123456789abcdef0123456789abcdef", 16},
		{base64.StdEncoding.EncodeToString(raw), 32},
		{base64.RawURLEncoding.EncodeToString(raw), 32},
		{"short raw secret!", 17},
	}
	for _, tc := range cases {
		got, err := KeyByteLength(tc.input)
		if err != nil {
			t.Fatalf("KeyByteLength(%q) returned error: %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("KeyByteLength(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}
