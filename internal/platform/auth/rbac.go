package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/apperr"
)

// RequireRole lets the request through when the caller holds one of roles.
// Admins always pass.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFromContext(c.Request().Context())
			if !ok {
				return apperr.Unauthorized("authentication required")
			}
			if id.IsAdmin() {
				return next(c)
			}
			for _, required := range roles {
				if id.Role == required {
					return next(c)
				}
			}
			return apperr.Permission("required role: %s", strings.Join(roles, " or "))
		}
	}
}

// MustIdentity returns the caller's identity for handlers mounted behind an
// auth middleware.
func MustIdentity(c echo.Context) (Identity, error) {
	id, ok := IdentityFromContext(c.Request().Context())
	if !ok {
		return Identity{}, apperr.Unauthorized("authentication required")
	}
	return id, nil
}
