package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/inkboard/inkboard/internal/auth"
	"github.com/inkboard/inkboard/pkg/errors"
	"github.com/inkboard/inkboard/pkg/response"
)

const (
	CtxIdentityKey = "authIdentity"
	CtxUserIDKey   = "userID"
)

// RequireAuth decodes the bearer access token and attaches the caller's identity
// to the gin context and the request context. Missing, invalid, expired and
// refresh-typed tokens are rejected before any handler runs.
func RequireAuth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		token := strings.TrimSpace(authz[7:])
		claims, err := jwt.DecodeAccess(token)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
			response.Error(c, errors.ErrInvalidOrExpiredToken)
			c.Abort()
			return
		}

		identity := iauth.IdentityFromClaims(claims)
		c.Set(CtxIdentityKey, identity)
		c.Set(CtxUserIDKey, identity.Subject)
		c.Request = c.Request.WithContext(iauth.ContextWithIdentity(c.Request.Context(), identity))

		c.Next()
	}
}

// RequireRole allows the request through only when the authenticated identity
// holds one of roles. It must run after RequireAuth.
//
// No auth route gates on role; content services mount it on their own groups.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}
		if !identity.HasRole(roles...) {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the identity attached by RequireAuth.
func IdentityFrom(c *gin.Context) (iauth.Identity, bool) {
	if c == nil {
		return iauth.Identity{}, false
	}
	if value, ok := c.Get(CtxIdentityKey); ok {
		if identity, ok := value.(iauth.Identity); ok && identity.Subject != "" {
			return identity, true
		}
	}
	if c.Request != nil {
		return iauth.IdentityFromContext(c.Request.Context())
	}
	return iauth.Identity{}, false
}
