package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes is the longest input bcrypt accepts.
const MaxPasswordBytes = 72

var (
	// ErrEmptyPassword is returned when hashing an empty plaintext.
	ErrEmptyPassword = errors.New("crypto: password is empty")
	// ErrPasswordTooLong is returned when the plaintext exceeds MaxPasswordBytes.
	ErrPasswordTooLong = errors.New("crypto: password exceeds 72 bytes")
)

// PasswordHasher produces and checks salted bcrypt hashes at a fixed cost.
type PasswordHasher struct {
	cost      int
	dummyHash []byte
}

// NewPasswordHasher returns a hasher using cost clamped to bcrypt's valid range.
// A zero cost selects bcrypt.DefaultCost.
func NewPasswordHasher(cost int) *PasswordHasher {
	switch {
	case cost == 0:
		cost = bcrypt.DefaultCost
	case cost < bcrypt.MinCost:
		cost = bcrypt.MinCost
	case cost > bcrypt.MaxCost:
		cost = bcrypt.MaxCost
	}

	// Used to equalise timing when the account does not exist.
	dummy, err := bcrypt.GenerateFromPassword([]byte("inkboard-dummy-password"), cost)
	if err != nil {
		dummy = nil
	}
	return &PasswordHasher{cost: cost, dummyHash: dummy}
}

// Cost reports the bcrypt cost factor in use.
func (h *PasswordHasher) Cost() int {
	return h.cost
}

// Hash returns a bcrypt hash of the supplied password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify compares the plaintext candidate with the stored hash. Malformed hashes
// yield false.
func (h *PasswordHasher) Verify(password, hashedPassword string) bool {
	if hashedPassword == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}

// VerifyDummy spends the same work as Verify against a fixed hash and always
// reports false.
func (h *PasswordHasher) VerifyDummy(password string) bool {
	if len(h.dummyHash) > 0 {
		_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
	}
	return false
}

// GenerateToken returns a random URL-safe token of the requested byte length.
func GenerateToken(length int) (string, error) {
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// HashToken returns the hex encoded SHA-256 digest of secret material such as
// refresh tokens and one-time codes.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(value)))
	return hex.EncodeToString(sum[:])
}

// EqualHashes compares two digests in constant time.
func EqualHashes(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
