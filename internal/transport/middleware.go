package transport

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/flowtrace/engine/internal/config"
)

// queryAPIMethods and queryAPIHeaders list exactly the verbs and headers
// routes.go's SetupRoutes registers and accepts; CORS derives its
// allowlists from these rather than a second, independently-maintained
// literal, and AllowOrigins from cfg so deployments can lock it down
// below the wide-open "*" default.
var (
	queryAPIMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	queryAPIHeaders = []string{echo.HeaderOrigin, echo.HeaderContentLength, echo.HeaderContentType, echo.HeaderAuthorization}
)

// CORS configures Cross-Origin Resource Sharing for the query API,
// restricting allowed origins to cfg.CORSAllowOrigins.
func CORS(cfg *config.Config) echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.CORSAllowOrigins,
		AllowMethods:     queryAPIMethods,
		AllowHeaders:     queryAPIHeaders,
		ExposeHeaders:    []string{echo.HeaderContentLength},
		AllowCredentials: true,
	})
}

// RateLimit applies a token-bucket limiter to the query API, shielding
// the file store from a runaway backfill client.
func RateLimit(rps, burst int) echo.MiddlewareFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !limiter.Allow() {
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "rate limit exceeded",
				})
			}
			return next(c)
		}
	}
}
