package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-attendance-api/internal/utils"
)

// Auth role constants used by WithAuth.
const (
	AuthRoleAny     = "any"
	AuthRoleStaff   = "staff"
	AuthRoleStudent = "student"
)

// AuthOptions configures WithAuth.
type AuthOptions struct {
	Role string
	// SelfParam names a route parameter holding a user id. A caller whose own id matches it is
	// let through regardless of Role.
	SelfParam string
}

// WithAuth wraps a handler with an authentication guard and an optional role or ownership check.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	role := strings.ToLower(strings.TrimSpace(opts.Role))
	if role == "" {
		role = AuthRoleAny
	}

	return func(c *fiber.Ctx) error {
		userID, ok := localUserID(c.Locals("user_id"))
		if !ok {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}

		if opts.SelfParam != "" {
			if owner, err := strconv.ParseUint(c.Params(opts.SelfParam), 10, 64); err == nil && uint(owner) == userID {
				return handler(c)
			}
		}

		currentRole := normalizeRoleValue(c.Locals("user_role"))
		switch role {
		case AuthRoleAny:
		case AuthRoleStaff:
			if currentRole != "admin" && currentRole != "teacher" {
				return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
			}
		default:
			if currentRole != role {
				return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
			}
		}

		return handler(c)
	}
}

func localUserID(value interface{}) (uint, bool) {
	if value == nil {
		return 0, false
	}
	id, err := normalizeUserID(value)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
