package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

const identityKey = "identity"

// Middleware authenticates every request and stores the identity in the
// echo context. Failures are rendered by onError.
func Middleware(a *Authenticator, onError func(c echo.Context, err error) error) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity, err := a.Authenticate(c.Request())
			if err != nil {
				return onError(c, err)
			}
			c.Set(identityKey, identity)
			return next(c)
		}
	}
}

// IdentityFrom returns the identity stored by Middleware.
func IdentityFrom(c echo.Context) (domain.Identity, bool) {
	identity, ok := c.Get(identityKey).(domain.Identity)
	return identity, ok
}

// SetIdentity stores identity in c. Handlers tested without the middleware
// use it.
func SetIdentity(c echo.Context, identity domain.Identity) {
	c.Set(identityKey, identity)
}
