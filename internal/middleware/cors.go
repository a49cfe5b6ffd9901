package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// preflightMaxAge is how long browsers may cache a preflight answer.
const preflightMaxAge = 24 * 60 * 60

// Preflight answers CORS preflight requests locally with 204 and never
// forwards them. The requested method and headers are echoed back as allowed.
func Preflight() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodOptions || req.Header.Get(echo.HeaderAccessControlRequestMethod) == "" {
				return next(c)
			}

			h := c.Response().Header()
			h.Add(echo.HeaderVary, echo.HeaderOrigin)
			h.Add(echo.HeaderVary, echo.HeaderAccessControlRequestMethod)
			h.Add(echo.HeaderVary, echo.HeaderAccessControlRequestHeaders)
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			h.Set(echo.HeaderAccessControlAllowMethods, req.Header.Get(echo.HeaderAccessControlRequestMethod))
			if rh := req.Header.Get(echo.HeaderAccessControlRequestHeaders); rh != "" {
				h.Set(echo.HeaderAccessControlAllowHeaders, rh)
			}
			h.Set(echo.HeaderAccessControlMaxAge, strconv.Itoa(preflightMaxAge))
			return c.NoContent(http.StatusNoContent)
		}
	}
}

// CORSHeaders marks every response of the wrapped route as readable from any
// origin. It runs after origin filtering, so rejected origins never see it.
func CORSHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
			return next(c)
		}
	}
}
