package middleware

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-attendance-api/internal/utils"
)

var (
	userIDClaims = []string{"sub", "user_id", "id"}
	roleClaims   = []string{"role", "roles"}
)

// JWTProtected validates HMAC-signed bearer tokens and stores the caller in the user_id and
// user_role locals. Websocket upgrades may carry the token in the access_token query parameter.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(30*time.Second),
	)
	keyFunc := func(*jwt.Token) (interface{}, error) { return []byte(secret), nil }

	return func(c *fiber.Ctx) error {
		raw, err := bearerToken(c)
		if err != nil {
			return utils.Fail(c, fiber.StatusUnauthorized, err.Error(), nil)
		}

		claims := jwt.MapClaims{}
		if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
			return utils.Fail(c, fiber.StatusUnauthorized, "invalid token", nil)
		}

		if userID, ok := claimUserID(claims); ok {
			c.Locals("user_id", userID)
		}
		if role := claimRole(claims); role != "" {
			c.Locals("user_role", role)
		}

		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, error) {
	authorization := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if authorization == "" && isUpgradeRequest(c) {
		if token := strings.TrimSpace(c.Query("access_token")); token != "" {
			return token, nil
		}
	}
	if authorization == "" {
		return "", errors.New("authorization header missing")
	}

	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", errors.New("invalid authorization header")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("invalid token")
	}
	return token, nil
}

func claimUserID(claims jwt.MapClaims) (uint, bool) {
	for _, key := range userIDClaims {
		if id, err := normalizeUserID(claims[key]); err == nil && id != 0 {
			return id, true
		}
	}
	return 0, false
}

func normalizeUserID(value interface{}) (uint, error) {
	switch v := value.(type) {
	case uint:
		return v, nil
	case int:
		if v < 0 {
			return 0, errors.New("negative user id")
		}
		return uint(v), nil
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, errors.New("invalid user id")
		}
		return uint(v), nil
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, err
		}
		return uint(parsed), nil
	default:
		return 0, errors.New("unsupported user id type")
	}
}

// claimRole reads a single role, or the first non-empty entry of a role list.
func claimRole(claims jwt.MapClaims) string {
	for _, key := range roleClaims {
		switch v := claims[key].(type) {
		case string:
			if role := normalizeRoleValue(v); role != "" {
				return role
			}
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					if role := normalizeRoleValue(s); role != "" {
						return role
					}
				}
			}
		}
	}
	return ""
}

func isUpgradeRequest(c *fiber.Ctx) bool {
	return strings.EqualFold(c.Get(fiber.HeaderUpgrade), "websocket")
}
