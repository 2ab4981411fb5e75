package app

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// minJWTSecretBytes is the smallest accepted HMAC signing key.
const minJWTSecretBytes = 32

// KeyByteLength returns the decoded byte length of a key string.
// It supports hex, base64, and raw string encodings.
func KeyByteLength(value string) (int, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, nil
	}

	if len(v)%2 == 0 {
		if decoded, err := hex.DecodeString(v); err == nil {
			return len(decoded), nil
		}
	}

	// Support both standard and raw base64 encodings
	if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
		return len(decoded), nil
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(v); err == nil {
		return len(decoded), nil
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(v); err == nil {
		return len(decoded), nil
	}

	return len(v), nil
}
