// Package auth adapts the external identity provider: it validates bearer
// tokens and exposes the caller's user ID and role to handlers.
package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin    = "admin"
	RoleEmployee = "employee"

	localUserID = "user_id"
	localRole   = "role"
)

// JWTMiddleware validates bearer tokens and stores user_id and role in
// locals. Websocket clients that cannot set headers may pass ?token=.
func JWTMiddleware(secret string) fiber.Handler {
	secretBytes := []byte(secret)
	return func(c *fiber.Ctx) error {
		token := bearerFromHeader(c.Get("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		parsed, err := parseMiddlewareClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
			return secretBytes, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}

		claims, ok := parsed.Claims.(*Claims)
		if !ok || !parsed.Valid || claims.UserID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "token invalid")
		}

		c.Locals(localUserID, claims.UserID)
		c.Locals(localRole, claims.Role)
		return c.Next()
	}
}

// Identity returns the authenticated user ID and role, empty when the
// request did not pass through JWTMiddleware.
func Identity(c *fiber.Ctx) (userID, role string) {
	userID, _ = c.Locals(localUserID).(string)
	role, _ = c.Locals(localRole).(string)
	return userID, role
}

// IdentityFrom reads the identity through a locals accessor, such as the
// websocket connection's Locals method.
func IdentityFrom(locals func(key string) interface{}) (userID, role string) {
	userID, _ = locals(localUserID).(string)
	role, _ = locals(localRole).(string)
	return userID, role
}

var parseMiddlewareClaimsFn = jwt.ParseWithClaims

func bearerFromHeader(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
