package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/dnenashev/ocr-shools-import/config"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AdminCookieName is the cookie carrying the admin session token.
const AdminCookieName = "admin_token"

// AdminClaims represents the admin session token claims
type AdminClaims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// GenerateAdminToken issues a signed admin session token
func GenerateAdminToken(cfg *config.AuthConfig) (string, time.Time, error) {
	expiresAt := time.Now().Add(time.Duration(cfg.TokenExpireHours) * time.Hour)

	claims := AdminClaims{
		Admin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// AdminAuth gates administrative routes. The token is accepted from the
// Authorization header or the session cookie; every failure path returns the
// same uniform 401.
func AdminAuth(cfg *config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			unauthorized(c)
			return
		}

		claims := &AdminClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
			return []byte(cfg.JWTSecret), nil
		})

		if err != nil || !token.Valid || !claims.Admin {
			unauthorized(c)
			return
		}

		c.Set("admin", true)
		c.Next()
	}
}

// extractToken prefers the bearer header and falls back to the cookie
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}

	cookie, err := c.Cookie(AdminCookieName)
	if err != nil {
		return ""
	}
	return cookie
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
}
