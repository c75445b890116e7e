package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// ContextKeySubject is the key for the token subject in gin context
	ContextKeySubject = "subject"
	// ContextKeyClaims is the key for JWT claims in gin context
	ContextKeyClaims = "claims"

	// RoleOperator may post stock into warehouses.
	RoleOperator = "operator"
	// RoleViewer may only read.
	RoleViewer = "viewer"
)

// JWTClaims represents the claims in a JWT token.
type JWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AuthConfig holds configuration for JWT authentication.
type AuthConfig struct {
	SecretKey      string        // HMAC secret
	ExpiryDuration time.Duration // Token expiry duration
	Issuer         string        // Expected and issued "iss"
	TokenHeader    string        // Header name for token
	TokenPrefix    string        // Prefix before token (e.g., "Bearer ")
}

// DefaultAuthConfig returns default authentication configuration.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		SecretKey:      "change-me",
		ExpiryDuration: 24 * time.Hour,
		Issuer:         "warehouse-allocator",
		TokenHeader:    "Authorization",
		TokenPrefix:    "Bearer ",
	}
}

// AuthMiddleware validates bearer tokens on the routes it is mounted on.
type AuthMiddleware struct {
	config *AuthConfig
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(config *AuthConfig) *AuthMiddleware {
	if config == nil {
		config = DefaultAuthConfig()
	}
	return &AuthMiddleware{config: config}
}

func abortUnauthorized(c *gin.Context, status int, message, code string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   http.StatusText(status),
		"message": message,
		"code":    code,
	})
}

// GinMiddleware returns the Gin middleware handler function.
func (a *AuthMiddleware) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(a.config.TokenHeader)
		if authHeader == "" {
			abortUnauthorized(c, http.StatusUnauthorized, "missing authorization header", "AUTH_MISSING_HEADER")
			return
		}

		if !strings.HasPrefix(authHeader, a.config.TokenPrefix) {
			abortUnauthorized(c, http.StatusUnauthorized, "invalid authorization header format", "AUTH_INVALID_FORMAT")
			return
		}

		claims, err := a.validateToken(strings.TrimPrefix(authHeader, a.config.TokenPrefix))
		if err != nil {
			abortUnauthorized(c, http.StatusUnauthorized, err.Error(), "AUTH_INVALID_TOKEN")
			return
		}

		c.Set(ContextKeySubject, claims.Subject)
		c.Set(ContextKeyClaims, claims)

		c.Next()
	}
}

// RequireRole rejects authenticated requests whose token lacks role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok || claims.Role != role {
			abortUnauthorized(c, http.StatusForbidden, "insufficient role", "AUTH_FORBIDDEN")
			return
		}
		c.Next()
	}
}

// validateToken parses and validates a JWT token.
func (a *AuthMiddleware) validateToken(tokenString string) (*JWTClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(a.config.SecretKey), nil
	}, opts...)
	if err != nil {
		return nil, errors.New("invalid or expired token")
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// GenerateToken issues a token for subject with role.
func (a *AuthMiddleware) GenerateToken(subject, role string) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.ExpiryDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.config.Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.SecretKey))
}

// GetSubject extracts the token subject from gin context.
func GetSubject(c *gin.Context) (string, bool) {
	subject, exists := c.Get(ContextKeySubject)
	if !exists {
		return "", false
	}
	s, ok := subject.(string)
	return s, ok
}

// GetClaims extracts the JWT claims from gin context.
func GetClaims(c *gin.Context) (*JWTClaims, bool) {
	claims, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil, false
	}
	jwtClaims, ok := claims.(*JWTClaims)
	return jwtClaims, ok
}
