package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	identityContextKey    = "identity"
	identityTokenIssuer   = "wastewatch"
	defaultIdentityTTL    = 12 * time.Hour
	identityLookupTimeout = 3 * time.Second
)

func containsString(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}

func anyMapToJSON(value map[string]any) []byte {
	if value == nil {
		return []byte("{}")
	}
	encoded, _ := json.Marshal(value)
	return encoded
}

func jsonToAnyMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded == nil {
		return map[string]any{}
	}
	return decoded
}

// createIdentityToken signs a token whose subject is the user id. Roles are
// never embedded; they are read from the users table on every request.
func createIdentityToken(secret, userID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    identityTokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func (a *App) verifyIdentityToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(a.cfg.AppSigningSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(identityTokenIssuer))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid identity token")
	}
	if !isValidID(claims.Subject) {
		return "", fmt.Errorf("invalid subject")
	}
	return claims.Subject, nil
}

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func (a *App) identityUser(ctx context.Context, userID string) (*User, error) {
	if a.lookupUser != nil {
		return a.lookupUser(ctx, userID)
	}
	return a.getUserByID(ctx, userID)
}

// requireIdentity resolves the bearer token to a users row.
func (a *App) requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			writeAPIError(c, errUnauthorized("Identity token required"))
			c.Abort()
			return
		}
		userID, err := a.verifyIdentityToken(token)
		if err != nil {
			writeAPIError(c, errUnauthorized("Identity token required"))
			c.Abort()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), identityLookupTimeout)
		defer cancel()
		user, err := a.identityUser(ctx, userID)
		if err != nil {
			a.log.Error("identity lookup failed", "user_id", userID, "err", err)
			writeAPIError(c, classifyTransient(err, "identity lookup"))
			c.Abort()
			return
		}
		if user == nil {
			writeAPIError(c, errUnauthorized("Unknown user"))
			c.Abort()
			return
		}
		c.Set(identityContextKey, *user)
		c.Next()
	}
}

func (a *App) requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := getSessionUser(c)
		if err != nil {
			writeAPIError(c, errUnauthorized("Identity token required"))
			c.Abort()
			return
		}
		if user.Role != role {
			writeAPIError(c, errForbidden("Insufficient role"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func getSessionUser(c *gin.Context) (User, error) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return User{}, errUnauthorized("Identity token required")
	}
	user, ok := value.(User)
	if !ok {
		return User{}, errUnauthorized("Identity token required")
	}
	return user, nil
}
