// Package handler is the HTTP boundary of the governance core: gin
// handlers over the scorer, gate, containment controller, and proof
// ledger, plus the auth, rate-limit, and metrics middleware.
package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const claimsKey = "cognigate_claims"

// Claims are the JWT claims for an API token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"` // "writer" or "admin"
}

// TokenIssuer issues and verifies HS256 API tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. ttl defaults to 24 hours.
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: secret, issuer: issuer, ttl: ttl}
}

// Issue creates a signed token for the given subject and role.
func (t *TokenIssuer) Issue(subject, role string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// RequireAuth returns a middleware that rejects requests without a valid
// bearer token and stores the claims on the context.
func RequireAuth(issuer *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenStr, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := issuer.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ClaimsFromCtx returns the verified claims, or nil when the request was
// not authenticated.
func ClaimsFromCtx(c *gin.Context) *Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

// IsAdmin reports whether the request carries an admin token.
func IsAdmin(c *gin.Context) bool {
	claims := ClaimsFromCtx(c)
	return claims != nil && claims.Role == "admin"
}

// RequireAdmin returns a middleware that rejects non-admin tokens. It must
// run after RequireAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin token required"})
			return
		}
		c.Next()
	}
}

// AuthHandler exchanges the deployment's admin secret for API tokens.
type AuthHandler struct {
	tokens          *TokenIssuer
	adminSecretHash []byte // bcrypt hash, never the secret itself
	logger          *zap.Logger
}

// NewAuthHandler creates an AuthHandler. adminSecretHash is a bcrypt hash
// of the deployment's admin secret.
func NewAuthHandler(tokens *TokenIssuer, adminSecretHash []byte, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{tokens: tokens, adminSecretHash: adminSecretHash, logger: logger}
}

// Register mounts the auth routes on the given router group.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	auth := rg.Group("/auth")
	{
		auth.POST("/token", h.IssueToken)
	}
}

type tokenRequest struct {
	Secret  string `json:"secret" binding:"required"`
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// IssueToken handles POST /auth/token. Writer tokens need no role field;
// admin tokens require role=admin and are only minted for the holder of
// the admin secret, which every issuance path verifies.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := bcrypt.CompareHashAndPassword(h.adminSecretHash, []byte(req.Secret)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}

	role := req.Role
	if role == "" {
		role = "writer"
	}
	if role != "writer" && role != "admin" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be writer or admin"})
		return
	}
	subject := req.Subject
	if subject == "" {
		subject = role
	}

	tok, err := h.tokens.Issue(subject, role)
	if err != nil {
		h.logger.Error("issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "role": role})
}
