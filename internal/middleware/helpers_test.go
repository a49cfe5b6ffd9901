package middleware

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEcho returns an Echo whose error handler maps relay errors to their
// status codes, as the application's handler does.
func newTestEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if he, ok := err.(*echo.HTTPError); ok {
			_ = c.NoContent(he.Code)
			return
		}
		_ = c.NoContent(model.HTTPStatus(err))
	}
	return e
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
