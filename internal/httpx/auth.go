package httpx

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
)

// Roles carried in the token's "role" claim. Buyers and sellers carry none;
// what they may do follows from the resource they act on.
const (
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

const principalKey = "principal"

// Claims are the bearer-token claims issued by the identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Principal is the authenticated caller.
type Principal struct {
	ID   string
	Role string
}

// TokenValidator checks HS256 tokens signed with a shared secret.
type TokenValidator struct {
	secret []byte
	issuer string
}

func NewTokenValidator(secret, issuer string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret), issuer: issuer}
}

func (v *TokenValidator) Validate(tokenStr string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("token validation not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Issue signs a token for subject. Used by operators and tests; production
// tokens come from the identity provider.
func (v *TokenValidator) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Auth requires a valid bearer token and stores the Principal on the
// context. It fails closed when no validator is configured.
func Auth(v *TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, tok, ok := strings.Cut(header, " ")
		if !ok || scheme != "Bearer" || tok == "" {
			WriteError(c, fmt.Errorf("%w: expected 'Bearer <token>'", apperr.ErrUnauthorized))
			return
		}
		claims, err := v.Validate(tok)
		if err != nil {
			WriteError(c, fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err))
			return
		}
		if claims.Subject == "" {
			WriteError(c, fmt.Errorf("%w: token subject is required", apperr.ErrUnauthorized))
			return
		}
		c.Set(principalKey, Principal{ID: claims.Subject, Role: claims.Role})
		c.Next()
	}
}

func CurrentPrincipal(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// RequireRole aborts with 403 unless the principal has one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := CurrentPrincipal(c)
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		WriteError(c, apperr.ErrForbidden)
	}
}
