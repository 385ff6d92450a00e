package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/wardlink/internal/auth"
	"github.com/suPer8Hu/wardlink/internal/common"
)

const (
	UserIDKey   = "user_id"
	UsernameKey = "username"
	RoleKey     = "role"
)

// AuthRequired resolves the bearer credential and stores the caller under
// UserIDKey, UsernameKey and RoleKey.
func AuthRequired(a *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.Authenticate(c.Request.Context(), c.Request)
		if err != nil {
			msg := "unauthorized"
			if errors.Is(err, auth.ErrExpired) {
				msg = "token expired"
			}
			common.Fail(c, http.StatusUnauthorized, 40101, msg)
			return
		}
		c.Set(UserIDKey, p.UserID)
		c.Set(UsernameKey, p.Username)
		c.Set(RoleKey, p.Role)
		c.Next()
	}
}

// RequireRole lets the request through only when the caller holds one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		if !allowed[c.GetString(RoleKey)] {
			common.Fail(c, http.StatusForbidden, 40301, "forbidden")
			return
		}
		c.Next()
	}
}
