package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication: probes only.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/ready":     true,
}

// AuthSkipper matches on the route pattern, so it only skips registered
// public routes.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
