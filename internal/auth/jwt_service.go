package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultAccessTokenTTL defines the fallback validity period for access tokens.
	DefaultAccessTokenTTL = 15 * time.Minute
	// DefaultRefreshTokenTTL is the fallback refresh token lifetime.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	// DefaultAlgorithm is used when no signing algorithm is configured.
	DefaultAlgorithm = "HS256"
)

// Token type discriminators carried in the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// ErrInvalidToken wraps every decode failure: malformed input, bad signature,
// wrong algorithm, wrong issuer, wrong type or expiry.
var ErrInvalidToken = errors.New("jwt: invalid token")

// JWTConfig bundles the configuration required to build a JWTService.
type JWTConfig struct {
	Secret          string
	Issuer          string
	Algorithm       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Clock           func() time.Time
}

// Claims represents the custom claims embedded in issued JWTs.
type Claims struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

// IssuedRefresh describes a newly minted refresh token.
type IssuedRefresh struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// JWTService is responsible for issuing and validating JSON Web Tokens.
type JWTService struct {
	secret     []byte
	issuer     string
	method     jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewJWTService constructs a JWTService instance when provided with the required configuration.
func NewJWTService(cfg JWTConfig) (*JWTService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret must be provided")
	}

	method, err := signingMethod(cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	return &JWTService{
		secret:     secret,
		issuer:     strings.TrimSpace(cfg.Issuer),
		method:     method,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        now,
	}, nil
}

// AccessTTL reports the configured access token lifetime.
func (s *JWTService) AccessTTL() time.Duration {
	return s.accessTTL
}

// RefreshTTL reports the configured refresh token lifetime.
func (s *JWTService) RefreshTTL() time.Duration {
	return s.refreshTTL
}

// IssueAccess issues a signed access token for the identity.
func (s *JWTService) IssueAccess(identity Identity) (string, time.Time, error) {
	if identity.Subject == "" {
		return "", time.Time{}, errors.New("jwt: subject is required")
	}

	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	signed, err := s.sign(identity, TokenTypeAccess, "", now, expiresAt)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// IssueRefresh issues a signed refresh token with a fresh random jti.
func (s *JWTService) IssueRefresh(identity Identity) (IssuedRefresh, error) {
	if identity.Subject == "" {
		return IssuedRefresh{}, errors.New("jwt: subject is required")
	}

	now := s.now()
	expiresAt := now.Add(s.refreshTTL)
	jti := strings.ReplaceAll(uuid.NewString(), "-", "")

	signed, err := s.sign(identity, TokenTypeRefresh, jti, now, expiresAt)
	if err != nil {
		return IssuedRefresh{}, err
	}
	return IssuedRefresh{Token: signed, JTI: jti, ExpiresAt: expiresAt}, nil
}

// Decode verifies signature, algorithm, issuer and expiry and returns the claims.
func (s *JWTService) Decode(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, true)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}
	return claims, nil
}

// DecodeAccess decodes a token and requires it to be an access token.
func (s *JWTService) DecodeAccess(tokenString string) (*Claims, error) {
	return s.decodeTyped(tokenString, TokenTypeAccess)
}

// DecodeRefresh decodes a token and requires it to be a refresh token carrying a jti.
func (s *JWTService) DecodeRefresh(tokenString string) (*Claims, error) {
	claims, err := s.decodeTyped(tokenString, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti claim", ErrInvalidToken)
	}
	return claims, nil
}

// ResolveRefreshJTI returns the jti and subject of an authentic refresh token
// without enforcing expiry, so a failed refresh can still revoke it.
func (s *JWTService) ResolveRefreshJTI(tokenString string) (string, string, error) {
	claims, err := s.parse(tokenString, false)
	if err != nil {
		return "", "", err
	}
	if claims.Type != TokenTypeRefresh || claims.ID == "" {
		return "", "", fmt.Errorf("%w: not a refresh token", ErrInvalidToken)
	}
	return claims.ID, claims.Subject, nil
}

func (s *JWTService) decodeTyped(tokenString, tokenType string) (*Claims, error) {
	claims, err := s.Decode(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != tokenType {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, tokenType)
	}
	return claims, nil
}

func (s *JWTService) sign(identity Identity, tokenType, jti string, now, expiresAt time.Time) (string, error) {
	claims := &Claims{
		Email:    identity.Email,
		Username: identity.Username,
		Role:     identity.Role,
		Type:     tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject,
			Issuer:    s.issuer,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(s.method, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}
	return signed, nil
}

func (s *JWTService) parse(tokenString string, validate bool) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, fmt.Errorf("%w: token string is empty", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if validate {
		opts = append(opts, jwt.WithExpirationRequired())
		if s.issuer != "" {
			opts = append(opts, jwt.WithIssuer(s.issuer))
		}
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !validate && s.issuer != "" && claims.Issuer != s.issuer {
		return nil, fmt.Errorf("%w: invalid issuer", ErrInvalidToken)
	}

	return &claims, nil
}

func signingMethod(name string) (jwt.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", DefaultAlgorithm:
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("jwt: unsupported signing algorithm %q", name)
	}
}
