package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logPanic(logger, r, fmt.Sprintf("%v", c.Get("request_id")))
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// Go runs fn on a new goroutine and logs instead of crashing the process if
// it panics. The websocket read/write pumps and the event-bus consumer use it.
func Go(logger zerolog.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(logger, r, name)
			}
		}()
		fn()
	}()
}

func logPanic(logger zerolog.Logger, r interface{}, where string) {
	var stack [4096]byte
	n := runtime.Stack(stack[:], false)

	logger.Error().
		Str("where", where).
		Str("panic", fmt.Sprintf("%v", r)).
		Str("stack", string(stack[:n])).
		Msg("panic recovered")
}
