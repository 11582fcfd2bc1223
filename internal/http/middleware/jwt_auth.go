package middleware

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/mail-archiver/internal/auth"
	"github.com/jmehdipour/mail-archiver/internal/repository"
)

// ConsumerIDFromCtx extracts the authenticated consumer_id set by
// JWTMiddleware.
func ConsumerIDFromCtx(c echo.Context) (int64, bool) {
	v := c.Get("consumer_id")
	id, ok := v.(int64)
	return id, ok
}

// JWTMiddleware authenticates requests with a bearer token whose subject
// names a registered consumer. A token for a deleted consumer is rejected.
func JWTMiddleware(mgr *auth.Manager, consumers repository.ConsumersRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			scheme, token, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
				c.Response().Header().Set("WWW-Authenticate", `Bearer realm="mail-archiver"`)
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			}

			id, err := mgr.Verify(strings.TrimSpace(token))
			if err != nil {
				c.Response().Header().Set("WWW-Authenticate", `Bearer realm="mail-archiver", error="invalid_token"`)
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			}

			if _, err := consumers.Get(c.Request().Context(), id); err != nil {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "unknown consumer"})
			}

			c.Set("consumer_id", id)
			return next(c)
		}
	}
}
