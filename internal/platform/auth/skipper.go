package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass bearer authentication. The webhook authenticates with
// its own HMAC signature.
var publicPaths = map[string]bool{
	"/health":                          true,
	"/health/db":                       true,
	"/api/v1/razorpay/key":             true,
	"/api/v1/billing/razorpay/webhook": true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is served without a bearer token.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
